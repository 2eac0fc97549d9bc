package agent

// ============================================================================
// Worker pool tests: execution, timeouts, shutdown ordering
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldchamps/kioskq/pkg/types"
)

func okExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, job types.Job) error { return nil })
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(okExecutor(), 4)
	require.NoError(t, pool.Start(3))
	assert.Equal(t, 3, pool.WorkerCount())
	assert.Error(t, pool.Start(1))
	pool.Stop()
}

func TestPoolExecutesEveryTask(t *testing.T) {
	pool := NewPool(okExecutor(), 16)
	require.NoError(t, pool.Start(2))

	for i := 0; i < 10; i++ {
		job := types.Job{ID: types.JobID(fmt.Sprintf("job-%d", i))}
		require.NoError(t, pool.Submit(context.Background(), Task{Job: job, Timeout: time.Second}))
	}

	seen := map[types.JobID]bool{}
	for i := 0; i < 10; i++ {
		res := <-pool.Results()
		assert.True(t, res.Success())
		seen[res.Job.ID] = true
	}
	assert.Len(t, seen, 10)
	pool.Stop()
}

func TestPoolTimeout(t *testing.T) {
	slow := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	pool := NewPool(slow, 1)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(context.Background(), Task{Job: types.Job{ID: "slow"}, Timeout: 20 * time.Millisecond}))
	res := <-pool.Results()
	assert.False(t, res.Success())
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	pool.Stop()
}

func TestPoolRecoversExecutorPanic(t *testing.T) {
	boom := ExecutorFunc(func(ctx context.Context, job types.Job) error { panic("window not found") })
	pool := NewPool(boom, 1)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(context.Background(), Task{Job: types.Job{ID: "p"}, Timeout: time.Second}))
	res := <-pool.Results()
	assert.EqualError(t, res.Err, "executor panicked")
	pool.Stop()
}

func TestPoolStopWaitsForRunningTasks(t *testing.T) {
	var mu sync.Mutex
	finished := 0
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
		return nil
	})
	pool := NewPool(exec, 8)
	require.NoError(t, pool.Start(2))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{Job: types.Job{ID: types.JobID(fmt.Sprint(i))}, Timeout: time.Second}))
	}

	pool.Stop()

	mu.Lock()
	assert.Equal(t, 4, finished)
	mu.Unlock()

	n := 0
	for range pool.Results() {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestPoolSubmitStates(t *testing.T) {
	pool := NewPool(okExecutor(), 1)
	assert.ErrorIs(t, pool.Submit(context.Background(), Task{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(context.Background(), Task{}), ErrPoolClosed)
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job types.Job) error {
		<-block
		return nil
	})
	pool := NewPool(exec, 1)
	require.NoError(t, pool.Start(1))

	// one task running, one buffered: the next submit has nowhere to go
	require.NoError(t, pool.Submit(context.Background(), Task{Timeout: time.Second}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), Task{Timeout: time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, Task{Timeout: time.Second}), context.DeadlineExceeded)

	close(block)
	go func() {
		for range pool.Results() {
		}
	}()
	pool.Stop()
}
