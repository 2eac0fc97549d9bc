package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/worldchamps/kioskq/pkg/types"
)

const requestTimeout = 15 * time.Second

// batchEntry is one job in an enqueue file:
//
//   - action: checkin
//     roomNumber: A305
//     guestName: 김민준
//     checkInDate: "2025-01-10"
type batchEntry struct {
	Action        string `yaml:"action"`
	RoomNumber    string `yaml:"roomNumber"`
	GuestName     string `yaml:"guestName"`
	CheckInDate   string `yaml:"checkInDate"`
	CheckOutDate  string `yaml:"checkOutDate"`
	Password      string `yaml:"password"`
	PaymentAmount int64  `yaml:"paymentAmount"`
	PaymentMethod string `yaml:"paymentMethod"`
}

func (e batchEntry) request() types.EnqueueRequest {
	return types.EnqueueRequest{
		Action:        types.Action(e.Action),
		RoomNumber:    e.RoomNumber,
		GuestName:     e.GuestName,
		CheckInDate:   e.CheckInDate,
		CheckOutDate:  e.CheckOutDate,
		Password:      e.Password,
		PaymentAmount: e.PaymentAmount,
		PaymentMethod: e.PaymentMethod,
	}
}

func loadBatch(path string) ([]types.EnqueueRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var entries []batchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("job file contains no jobs")
	}
	reqs := make([]types.EnqueueRequest, len(entries))
	for i, e := range entries {
		reqs[i] = e.request()
	}
	return reqs, nil
}

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		jobFile string
		entry   batchEntry
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job, or every job in a YAML file",
		Example: `  kioskq enqueue --room A305 --guest 김민준 --check-in 2025-01-10
  kioskq enqueue -f jobs.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []types.EnqueueRequest
			if jobFile != "" {
				var err error
				if reqs, err = loadBatch(jobFile); err != nil {
					return err
				}
			} else {
				if entry.RoomNumber == "" {
					return errors.New("--room is required (or use --file)")
				}
				reqs = []types.EnqueueRequest{entry.request()}
			}

			c, err := opts.client()
			if err != nil {
				return err
			}

			submitted := 0
			for i, req := range reqs {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				job, err := c.Enqueue(ctx, req)
				cancel()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "job %d (room %s): %v\n", i+1, req.RoomNumber, err)
					continue
				}
				submitted++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", job.ID, job.Property, job.Action, job.RoomNumber)
			}
			if submitted != len(reqs) {
				return fmt.Errorf("submitted %d/%d jobs", submitted, len(reqs))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&jobFile, "file", "f", "", "YAML file with a list of jobs")
	f.StringVar(&entry.Action, "action", "", "checkin, checkout, payment-checkin or remote-print (default checkin)")
	f.StringVar(&entry.RoomNumber, "room", "", "room number")
	f.StringVar(&entry.GuestName, "guest", "", "guest name")
	f.StringVar(&entry.CheckInDate, "check-in", "", "check-in date, YYYY-MM-DD")
	f.StringVar(&entry.CheckOutDate, "check-out", "", "check-out date, YYYY-MM-DD")
	f.StringVar(&entry.Password, "password", "", "door password")
	f.Int64Var(&entry.PaymentAmount, "amount", 0, "payment amount")
	f.StringVar(&entry.PaymentMethod, "method", "", "payment method")
	return cmd
}

func buildPrintCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "print <room> <password>",
		Short: "Submit a remote-print job for a room's door password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			job, err := c.RemotePrint(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func buildPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <property>",
		Short: "List pending jobs of a property, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			jobs, err := c.ListPending(ctx, types.PropertyID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
}

func buildCompleteCommand(opts *rootOptions) *cobra.Command {
	var property string

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a job completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			at, err := c.Complete(ctx, types.PropertyID(property), types.JobID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s completed at %s\n", args[0], at.Format(time.RFC3339Nano))
			return nil
		},
	}
	cmd.Flags().StringVarP(&property, "property", "p", "", "property of the job (searched when empty)")
	return cmd
}

func buildFailCommand(opts *rootOptions) *cobra.Command {
	var property string

	cmd := &cobra.Command{
		Use:   "fail <id> <reason>",
		Short: "Mark a job failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			job, err := c.Fail(ctx, types.PropertyID(property), types.JobID(args[0]), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&property, "property", "p", "", "property of the job (searched when empty)")
	return cmd
}
