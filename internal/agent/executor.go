package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/worldchamps/kioskq/pkg/types"
)

// Executor performs the physical action of a job: typing a check-in into
// the PMS, printing a password slip. It returns nil on success.
type Executor interface {
	Execute(ctx context.Context, job types.Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job types.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job types.Job) error { return f(ctx, job) }

// CommandExecutor runs an external program per job, the way property PCs
// drive the PMS through desktop automation scripts.
//
// The job is written to the program's stdin as JSON and also exposed as
// KIOSKQ_* environment variables. Exit status 0 means success; otherwise
// the last line of stderr becomes the failure reason.
type CommandExecutor struct {
	Command []string
	Env     []string // extra variables, KEY=VALUE
}

var _ Executor = (*CommandExecutor)(nil)

// maxReasonBytes bounds how much stderr is kept as a failure reason.
const maxReasonBytes = 400

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, job types.Job) error {
	if len(e.Command) == 0 {
		return errors.New("no command configured")
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(append(os.Environ(), e.Env...), jobEnv(job)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out: %w", e.Command[0], ctx.Err())
		}
		if reason := lastLine(stderr.String()); reason != "" {
			return errors.New(reason)
		}
		return fmt.Errorf("%s: %w", e.Command[0], err)
	}
	return nil
}

func jobEnv(job types.Job) []string {
	env := []string{
		"KIOSKQ_JOB_ID=" + string(job.ID),
		"KIOSKQ_PROPERTY=" + string(job.Property),
		"KIOSKQ_ACTION=" + string(job.Action),
		"KIOSKQ_ROOM_NUMBER=" + job.RoomNumber,
		"KIOSKQ_GUEST_NAME=" + job.GuestName,
		"KIOSKQ_CHECK_IN_DATE=" + job.CheckInDate,
		"KIOSKQ_CHECK_OUT_DATE=" + job.CheckOutDate,
		"KIOSKQ_PASSWORD=" + job.Password,
		"KIOSKQ_PAYMENT_METHOD=" + job.PaymentMethod,
	}
	if job.PaymentAmount != 0 {
		env = append(env, "KIOSKQ_PAYMENT_AMOUNT="+strconv.FormatInt(job.PaymentAmount, 10))
	}
	return env
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > maxReasonBytes {
		line = strings.ToValidUTF8(line[:maxReasonBytes], "")
	}
	return line
}
