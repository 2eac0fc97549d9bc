// ============================================================================
// kioskq property agent
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: the consumer side of the queue, running on a property PC
//
// Loop:
//   1. Poll the property's pending jobs (every PollInterval, or sooner when
//      a Redis "enqueued" event arrives)
//   2. Skip jobs already in flight on this agent, or acknowledged recently
//      (a poll that raced an acknowledgement can still list the job)
//   3. Optionally claim the job with MarkProcessing; a Conflict means
//      another agent owns it
//   4. Hand the job to the worker pool
//   5. Report each result with Complete or Fail
//
// Jobs that are never acknowledged (agent crash mid-job) stay pending or
// processing in the store; nothing here re-queues them.
// ============================================================================

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/notify"
	"github.com/worldchamps/kioskq/pkg/types"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultJobTimeout   = 2 * time.Minute
	ackTimeout          = 10 * time.Second
	minAckedTTL         = time.Minute
)

// Config tunes an Agent.
type Config struct {
	Property     types.PropertyID
	PollInterval time.Duration
	Workers      int
	JobTimeout   time.Duration
	MarkRunning  bool
}

// Stats are counters since Run started.
type Stats struct {
	NodeID     string
	Polls      int64
	PollErrors int64
	Dispatched int64
	Completed  int64
	Failed     int64
	Skipped    int64
	AckErrors  int64
	InFlight   int
}

// Agent drains one property's queue.
type Agent struct {
	nodeID string
	cfg    Config
	source JobSource
	pool   *Pool
	logger *zap.Logger

	wake <-chan notify.Event

	mu       sync.Mutex
	inFlight map[types.JobID]struct{}
	acked    map[types.JobID]time.Time
	ackedTTL time.Duration

	polls      atomic.Int64
	pollErrors atomic.Int64
	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	ackErrors  atomic.Int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithWakeups triggers an early poll on every received event.
func WithWakeups(events <-chan notify.Event) Option {
	return func(a *Agent) { a.wake = events }
}

// New builds an agent. The property must be set.
func New(cfg Config, source JobSource, exec Executor, opts ...Option) (*Agent, error) {
	if cfg.Property == "" {
		return nil, errs.E(errs.KindValidation, "agent.New", "property is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	a := &Agent{
		nodeID:   uuid.NewString(),
		cfg:      cfg,
		source:   source,
		pool:     NewPool(exec, cfg.Workers*4),
		logger:   zap.NewNop(),
		inFlight: make(map[types.JobID]struct{}),
		acked:    make(map[types.JobID]time.Time),
		ackedTTL: max(2*cfg.PollInterval, minAckedTTL),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("node_id", a.nodeID), zap.String("property", string(cfg.Property)))
	return a, nil
}

// NodeID identifies this agent in logs.
func (a *Agent) NodeID() string { return a.nodeID }

// Run polls until ctx is cancelled, then waits for running jobs and
// reports their results.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.pool.Start(a.cfg.Workers); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.collect()
	}()

	a.logger.Info("agent started",
		zap.Int("workers", a.cfg.Workers),
		zap.Duration("poll_interval", a.cfg.PollInterval),
		zap.Bool("mark_processing", a.cfg.MarkRunning))

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.pool.Stop()
			<-done
			a.logger.Info("agent stopped", zap.Any("stats", a.Stats()))
			return nil
		case <-ticker.C:
			a.PollOnce(ctx)
		case ev, ok := <-a.wake:
			if !ok {
				a.wake = nil
				continue
			}
			if ev.Type == notify.EventEnqueued {
				a.logger.Debug("woken by event", zap.String("job_id", string(ev.JobID)))
				a.PollOnce(ctx)
			}
		}
	}
}

// PollOnce fetches pending jobs and dispatches the new ones. It returns the
// number dispatched.
func (a *Agent) PollOnce(ctx context.Context) int {
	a.polls.Inc()

	jobs, err := a.source.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.pollErrors.Inc()
			a.logger.Warn("poll failed", zap.Error(err))
		}
		return 0
	}

	a.pruneAcked()

	n := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if a.dispatch(ctx, job) {
			n++
		}
	}
	return n
}

func (a *Agent) dispatch(ctx context.Context, job types.Job) bool {
	claimed, stale := a.claimLocal(job.ID)
	if stale {
		a.skipped.Inc()
		a.logger.Debug("job already acknowledged", zap.String("job_id", string(job.ID)))
	}
	if !claimed {
		return false
	}

	if a.cfg.MarkRunning {
		if err := a.source.MarkProcessing(ctx, job.ID); err != nil {
			a.releaseLocal(job.ID)
			if errs.Is(err, errs.KindConflict) || errs.Is(err, errs.KindNotFound) {
				a.skipped.Inc()
				a.logger.Debug("job taken elsewhere", zap.String("job_id", string(job.ID)))
				return false
			}
			a.logger.Warn("mark processing failed", zap.String("job_id", string(job.ID)), zap.Error(err))
			return false
		}
	}

	if err := a.pool.Submit(ctx, Task{Job: job, Timeout: a.cfg.JobTimeout}); err != nil {
		a.releaseLocal(job.ID)
		a.logger.Warn("submit failed", zap.String("job_id", string(job.ID)), zap.Error(err))
		return false
	}

	a.dispatched.Inc()
	a.logger.Info("job dispatched",
		zap.String("job_id", string(job.ID)),
		zap.String("action", string(job.Action)),
		zap.String("room", job.RoomNumber))
	return true
}

// collect reports results until the pool closes its result channel.
func (a *Agent) collect() {
	for res := range a.pool.Results() {
		if a.acknowledge(res) {
			a.markAcked(res.Job.ID)
		}
		a.releaseLocal(res.Job.ID)
	}
}

// acknowledge reports res and returns whether the producer accepted it.
func (a *Agent) acknowledge(res Result) bool {
	// results of jobs started before shutdown are still reported
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	id := res.Job.ID
	if res.Success() {
		if err := a.source.Complete(ctx, id); err != nil {
			a.ackErrors.Inc()
			a.logger.Error("complete failed", zap.String("job_id", string(id)), zap.Error(err))
			return false
		}
		a.completed.Inc()
		a.logger.Info("job completed", zap.String("job_id", string(id)), zap.Duration("took", res.Duration))
		return true
	}

	if err := a.source.Fail(ctx, id, res.Err.Error()); err != nil {
		a.ackErrors.Inc()
		a.logger.Error("fail failed", zap.String("job_id", string(id)), zap.Error(err))
		return false
	}
	a.failed.Inc()
	a.logger.Warn("job failed",
		zap.String("job_id", string(id)),
		zap.Duration("took", res.Duration),
		zap.String("reason", res.Err.Error()))
	return true
}

// claimLocal reserves id for this agent. stale reports that id was
// acknowledged within ackedTTL.
func (a *Agent) claimLocal(id types.JobID) (claimed, stale bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inFlight[id]; busy {
		return false, false
	}
	if at, ok := a.acked[id]; ok && time.Since(at) < a.ackedTTL {
		return false, true
	}
	a.inFlight[id] = struct{}{}
	return true, false
}

func (a *Agent) markAcked(id types.JobID) {
	a.mu.Lock()
	a.acked[id] = time.Now()
	a.mu.Unlock()
}

func (a *Agent) pruneAcked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, at := range a.acked {
		if time.Since(at) >= a.ackedTTL {
			delete(a.acked, id)
		}
	}
}

func (a *Agent) releaseLocal(id types.JobID) {
	a.mu.Lock()
	delete(a.inFlight, id)
	a.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	inFlight := len(a.inFlight)
	a.mu.Unlock()

	return Stats{
		NodeID:     a.nodeID,
		Polls:      a.polls.Load(),
		PollErrors: a.pollErrors.Load(),
		Dispatched: a.dispatched.Load(),
		Completed:  a.completed.Load(),
		Failed:     a.failed.Load(),
		Skipped:    a.skipped.Load(),
		AckErrors:  a.ackErrors.Load(),
		InFlight:   inFlight,
	}
}
