package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/notify"
	"github.com/worldchamps/kioskq/internal/queue"
	"github.com/worldchamps/kioskq/internal/server"
	"github.com/worldchamps/kioskq/internal/store/memory"
	"github.com/worldchamps/kioskq/pkg/client"
	"github.com/worldchamps/kioskq/pkg/types"
)

// fakeSource serves a fixed pending list and records acknowledgements.
type fakeSource struct {
	mu        sync.Mutex
	pending   []types.Job
	pollErr   error
	markErr   map[types.JobID]error
	marked    []types.JobID
	completed []types.JobID
	failed    map[types.JobID]string
	// keepAcked leaves acknowledged jobs in the pending list, like a
	// poll answered before the acknowledgement landed.
	keepAcked bool
}

func newFakeSource(jobs ...types.Job) *fakeSource {
	return &fakeSource{pending: jobs, markErr: map[types.JobID]error{}, failed: map[types.JobID]string{}}
}

func (f *fakeSource) Poll(ctx context.Context) ([]types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return append([]types.Job(nil), f.pending...), nil
}

func (f *fakeSource) MarkProcessing(ctx context.Context, id types.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return err
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeSource) Complete(ctx context.Context, id types.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	f.drop(id)
	return nil
}

func (f *fakeSource) Fail(ctx context.Context, id types.JobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	f.drop(id)
	return nil
}

func (f *fakeSource) drop(id types.JobID) {
	if f.keepAcked {
		return
	}
	for i, j := range f.pending {
		if j.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

func (f *fakeSource) acked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed) + len(f.failed)
}

func runAgent(t *testing.T, a *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
}

func TestNewRequiresProperty(t *testing.T) {
	_, err := New(Config{}, newFakeSource(), okExecutor())
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestAgentCompletesAndFails(t *testing.T) {
	src := newFakeSource(
		types.Job{ID: "ok", Property: types.Property1, Action: types.ActionCheckin, RoomNumber: "101"},
		types.Job{ID: "bad", Property: types.Property1, Action: types.ActionCheckin, RoomNumber: "102"},
	)
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		if job.ID == "bad" {
			return errors.New("PMS window not found")
		}
		return nil
	})

	a, err := New(Config{Property: types.Property1, PollInterval: 10 * time.Millisecond}, src, exec,
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return src.acked() == 2 }, 2*time.Second, 10*time.Millisecond)
	stop()

	src.mu.Lock()
	assert.Equal(t, []types.JobID{"ok"}, src.completed)
	assert.Equal(t, "PMS window not found", src.failed["bad"])
	assert.Empty(t, src.marked)
	src.mu.Unlock()

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Dispatched)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, a.NodeID(), stats.NodeID)
}

func TestAgentDoesNotRedispatchInFlight(t *testing.T) {
	src := newFakeSource(types.Job{ID: "slow", Property: types.Property2})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return nil
	})

	a, err := New(Config{Property: types.Property2, PollInterval: time.Hour}, src, exec)
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return a.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.PollOnce(context.Background()))
	assert.Zero(t, a.PollOnce(context.Background()))

	close(release)
	require.Eventually(t, func() bool { return src.acked() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
}

func TestAgentSkipsRecentlyAcknowledged(t *testing.T) {
	src := newFakeSource(types.Job{ID: "done", Property: types.Property1, Action: types.ActionRemotePrint, RoomNumber: "101"})
	src.keepAcked = true
	var mu sync.Mutex
	runs := 0
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	a, err := New(Config{Property: types.Property1, PollInterval: 10 * time.Millisecond}, src, exec)
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return src.acked() == 1 }, time.Second, 5*time.Millisecond)
	polls := a.Stats().Polls
	require.Eventually(t, func() bool { return a.Stats().Polls >= polls+3 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Dispatched)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Positive(t, stats.Skipped)

	// once the entry ages out the job is dispatched again
	a.mu.Lock()
	a.acked["done"] = time.Now().Add(-a.ackedTTL)
	a.mu.Unlock()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, time.Second, 5*time.Millisecond)
	stop()
}

func TestAgentMarkProcessingConflictSkips(t *testing.T) {
	src := newFakeSource(
		types.Job{ID: "taken", Property: types.Property3},
		types.Job{ID: "mine", Property: types.Property3},
	)
	src.markErr["taken"] = errs.E(errs.KindConflict, "test", "already processing")

	a, err := New(Config{Property: types.Property3, PollInterval: time.Hour, MarkRunning: true}, src, okExecutor())
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return src.acked() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	src.mu.Lock()
	assert.Equal(t, []types.JobID{"mine"}, src.marked)
	assert.Equal(t, []types.JobID{"mine"}, src.completed)
	src.mu.Unlock()
	assert.Equal(t, int64(1), a.Stats().Skipped)
}

func TestAgentPollErrorsAreCounted(t *testing.T) {
	src := newFakeSource()
	src.pollErr = errs.E(errs.KindBackendUnavailable, "test", "producer down")

	a, err := New(Config{Property: types.Property4}, src, okExecutor())
	require.NoError(t, err)

	assert.Zero(t, a.PollOnce(context.Background()))
	assert.Equal(t, int64(1), a.Stats().PollErrors)
}

// TestAgentAgainstProducer runs the agent through the HTTP client against a
// real producer, woken by Redis events instead of its (hour-long) ticker.
func TestAgentAgainstProducer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := memory.New()
	require.NoError(t, err)
	svc := queue.New(st, queue.WithNotifier(notify.NewRedisWithClient(rdb, "", nil)))
	ts := httptest.NewServer(server.New(svc, auth.NewStaticKeys("k", ""), server.Options{}).Handler())
	t.Cleanup(ts.Close)

	sub, err := notify.Subscribe(ctx, rdb, "", types.Property3, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	var mu sync.Mutex
	var rooms []string
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		mu.Lock()
		rooms = append(rooms, job.RoomNumber)
		mu.Unlock()
		return nil
	})

	c := client.New(ts.URL, "k")
	a, err := New(Config{Property: types.Property3, PollInterval: time.Hour, MarkRunning: true},
		NewHTTPSource(c, types.Property3), exec, WithWakeups(sub.Events()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	stop := runAgent(t, a)
	defer stop()

	job, err := c.Enqueue(ctx, types.EnqueueRequest{RoomNumber: "A501", GuestName: "Lee", CheckInDate: "2025-03-01"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.Get(ctx, types.Property3, job.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"A501"}, rooms)
	mu.Unlock()
}
