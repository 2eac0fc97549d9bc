// ============================================================================
// kioskq agent worker pool
// ============================================================================
//
// Package: internal/agent
// File: pool.go
// Purpose: run jobs on a fixed number of worker goroutines
//
//   ┌─────────┐  Submit   ┌──────────┐          ┌──────────┐
//   │  Agent  │ ────────► │  taskCh  │ ───────► │ Worker i │ ── Executor
//   └─────────┘           └──────────┘          └──────────┘
//        ▲                                            │
//        └────────────── resultCh ◄───────────────────┘
//
// A property PC drives one PMS window, so the default is a single worker;
// more only make sense for executors that can run side by side.
//
// Shutdown: Stop closes taskCh, waits for running jobs to finish, then
// closes resultCh. Submit after Stop returns ErrPoolClosed. Submit holds the
// read lock across the send, so taskCh is never closed under a sender.
// ============================================================================

package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/worldchamps/kioskq/pkg/types"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Task is one job handed to a worker.
type Task struct {
	Job     types.Job
	Timeout time.Duration
}

// Result is the outcome of a task.
type Result struct {
	Job      types.Job
	Err      error
	Duration time.Duration
}

// Success reports whether the executor succeeded.
func (r Result) Success() bool { return r.Err == nil }

type worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
}

func (w *worker) run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
		err := w.execute(ctx, task.Job)
		cancel()

		w.resultCh <- Result{Job: task.Job, Err: err, Duration: time.Since(start)}
	}
}

// execute shields the pool from a panicking executor.
func (w *worker) execute(ctx context.Context, job types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("executor panicked")
		}
	}()
	return w.exec.Execute(ctx, job)
}

// Pool is a fixed set of workers sharing one executor.
type Pool struct {
	exec     Executor
	taskCh   chan Task
	resultCh chan Result
	wg       sync.WaitGroup

	mu      sync.RWMutex
	workers int
	started bool
	stopped bool
}

// NewPool creates a pool. bufferSize bounds queued tasks and unread results.
func NewPool(exec Executor, bufferSize int) *Pool {
	return &Pool{
		exec:     exec,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
	}
}

// Start launches n workers.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w := &worker{id: i, exec: p.exec, taskCh: p.taskCh, resultCh: p.resultCh}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	p.workers = n
	p.started = true
	return nil
}

// Submit queues a task, blocking while the buffer is full or until ctx ends.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers task outcomes; it is closed after Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop closes the pool and waits for running tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// WorkerCount returns the number of workers.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers
}
