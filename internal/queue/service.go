// ============================================================================
// kioskq Queue Service - producer-side use cases
// ============================================================================
//
// Package: internal/queue
// File: service.go
// Purpose: the operations both transports (HTTP, gRPC) and the CLI expose
//
// Enqueue pipeline:
//   Normalize -> Validate (per action) -> default checkInDate -> Route
//   -> Store.Enqueue -> metrics + notification
//
//   Validation happens before any store call, so a rejected request never
//   leaves a trace in the queue.
//
// Transitions (Complete / Fail / MarkProcessing):
//   With a property the call goes straight to that partition. Without one
//   the partitions are tried in router.All() order and the first that knows
//   the id wins; NotFound from one partition only means "try the next".
//
// Notifications and metrics are side effects: their failures are logged and
// never turn a successful store operation into an error.
// ============================================================================

package queue

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/metrics"
	"github.com/worldchamps/kioskq/internal/notify"
	"github.com/worldchamps/kioskq/internal/router"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/internal/validate"
	"github.com/worldchamps/kioskq/pkg/types"
)

// maxReasonLen caps the failure reason an agent can record.
const maxReasonLen = 500

// Service implements the queue operations on top of a store.Store.
type Service struct {
	store     store.Store
	validator *validate.Validator
	notifier  notify.Notifier
	metrics   metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
	loc       *time.Location
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier publishes change events through n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics reports to r.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the time zone used for the default check-in date.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// New returns a Service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		validator: validate.New(),
		notifier:  notify.Nop{},
		metrics:   metrics.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
		loc:       time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store, for shutdown.
func (s *Service) Store() store.Store {
	return s.store
}

// Enqueue validates req, routes it to its property and stores it as a
// pending job.
func (s *Service) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.Job, error) {
	const op = "enqueue"

	req = validate.Normalize(req)
	if err := s.validator.Request(req); err != nil {
		s.metrics.Error(op, err)
		return types.Job{}, err
	}

	if req.CheckInDate == "" && (req.Action == types.ActionCheckin || req.Action == types.ActionPaymentCheckin) {
		req.CheckInDate = s.now().In(s.loc).Format("2006-01-02")
	}

	property := router.Route(req.RoomNumber)

	start := time.Now()
	job, err := s.store.Enqueue(ctx, property, types.NewJob(req, property))
	s.metrics.ObserveStore(op, start)
	if err != nil {
		s.metrics.Error(op, err)
		s.logger.Error("enqueue failed",
			zap.String("property", string(property)),
			zap.String("action", string(req.Action)),
			zap.String("room", req.RoomNumber),
			zap.Error(err))
		return types.Job{}, err
	}

	s.metrics.Enqueued(property, job.Action)
	s.logger.Info("job enqueued",
		zap.String("job_id", string(job.ID)),
		zap.String("property", string(property)),
		zap.String("action", string(job.Action)),
		zap.String("room", job.RoomNumber))
	s.publish(ctx, notify.EventEnqueued, job)
	return job, nil
}

// RemotePrint enqueues a remote-print job for room.
func (s *Service) RemotePrint(ctx context.Context, roomNumber, password string) (types.Job, error) {
	return s.Enqueue(ctx, types.EnqueueRequest{
		Action:     types.ActionRemotePrint,
		RoomNumber: roomNumber,
		Password:   password,
	})
}

// ListPending returns the pending jobs of the named property.
func (s *Service) ListPending(ctx context.Context, property string) ([]types.Job, error) {
	const op = "list_pending"

	p, err := s.parseRequired(op, property)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	jobs, err := s.store.ListPending(ctx, p)
	s.metrics.ObserveStore(op, start)
	if err != nil {
		s.metrics.Error(op, err)
		return nil, err
	}
	s.metrics.Pending(p, len(jobs))
	return jobs, nil
}

// Get returns one job. property may be empty.
func (s *Service) Get(ctx context.Context, property string, id types.JobID) (types.Job, error) {
	const op = "get"
	job, err := s.locate(ctx, op, property, id, func(p types.PropertyID) (types.Job, error) {
		return s.store.Get(ctx, p, id)
	})
	if err != nil {
		s.metrics.Error(op, err)
	}
	return job, err
}

// Complete marks a job completed. Completing an already completed job
// succeeds and returns the original completion time.
func (s *Service) Complete(ctx context.Context, property string, id types.JobID) (types.Job, error) {
	const op = "complete"

	at := s.stamp()
	job, err := s.locate(ctx, op, property, id, func(p types.PropertyID) (types.Job, error) {
		return s.store.Complete(ctx, p, id, at)
	})
	if err != nil {
		s.metrics.Error(op, err)
		s.logger.Warn("complete rejected", zap.String("job_id", string(id)), zap.Error(err))
		return types.Job{}, err
	}

	if settledNow(job, at) {
		s.metrics.Completed(job)
		s.logger.Info("job completed",
			zap.String("job_id", string(job.ID)),
			zap.String("property", string(job.Property)),
			zap.Duration("latency", job.CompletedAt.Sub(job.CreatedAt)))
		s.publish(ctx, notify.EventCompleted, job)
	}
	return job, nil
}

// Fail marks a job failed with reason.
func (s *Service) Fail(ctx context.Context, property string, id types.JobID, reason string) (types.Job, error) {
	const op = "fail"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		err := errs.Validation(op, "a failure reason is required", errs.Detail{Field: "error", Reason: "required"})
		s.metrics.Error(op, err)
		return types.Job{}, err
	}
	if r := []rune(reason); len(r) > maxReasonLen {
		reason = string(r[:maxReasonLen])
	}

	at := s.stamp()
	job, err := s.locate(ctx, op, property, id, func(p types.PropertyID) (types.Job, error) {
		return s.store.Fail(ctx, p, id, at, reason)
	})
	if err != nil {
		s.metrics.Error(op, err)
		s.logger.Warn("fail rejected", zap.String("job_id", string(id)), zap.Error(err))
		return types.Job{}, err
	}

	if settledNow(job, at) {
		s.metrics.Failed(job)
		s.logger.Warn("job failed",
			zap.String("job_id", string(job.ID)),
			zap.String("property", string(job.Property)),
			zap.String("reason", job.Error))
		s.publish(ctx, notify.EventFailed, job)
	}
	return job, nil
}

// MarkProcessing records that an agent picked the job up.
func (s *Service) MarkProcessing(ctx context.Context, property string, id types.JobID) (types.Job, error) {
	const op = "mark_processing"

	job, err := s.locate(ctx, op, property, id, func(p types.PropertyID) (types.Job, error) {
		return s.store.MarkProcessing(ctx, p, id)
	})
	if err != nil {
		s.metrics.Error(op, err)
		return types.Job{}, err
	}
	s.logger.Debug("job processing", zap.String("job_id", string(job.ID)), zap.String("property", string(job.Property)))
	return job, nil
}

// locate runs fn against the named partition, or against every partition in
// turn until one does not answer NotFound.
func (s *Service) locate(ctx context.Context, op, property string, id types.JobID, fn func(types.PropertyID) (types.Job, error)) (types.Job, error) {
	if strings.TrimSpace(string(id)) == "" {
		return types.Job{}, errs.Validation(op, "job id is required", errs.Detail{Field: "id", Reason: "required"})
	}

	if strings.TrimSpace(property) != "" {
		p, err := router.Parse(property)
		if err != nil {
			return types.Job{}, err
		}
		start := time.Now()
		defer s.metrics.ObserveStore(op, start)
		return fn(p)
	}

	for _, p := range router.All() {
		if err := ctx.Err(); err != nil {
			return types.Job{}, errs.Wrap(errs.KindBackendUnavailable, op, err)
		}
		start := time.Now()
		job, err := fn(p)
		s.metrics.ObserveStore(op, start)
		if err == nil {
			return job, nil
		}
		if !errs.Is(err, errs.KindNotFound) {
			return types.Job{}, err
		}
	}
	return types.Job{}, errs.NotFound(op, "job %s not found in any property", id)
}

func (s *Service) parseRequired(op, property string) (types.PropertyID, error) {
	if strings.TrimSpace(property) == "" {
		err := errs.Validation(op, "property is required", errs.Detail{Field: "property", Reason: "required"})
		s.metrics.Error(op, err)
		return "", err
	}
	p, err := router.Parse(property)
	if err != nil {
		s.metrics.Error(op, err)
		return "", err
	}
	return p, nil
}

// stamp is the completion time handed to the store, at millisecond
// precision so it survives a DATETIME(3) column unchanged.
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// settledNow reports whether this call performed the terminal transition,
// as opposed to an idempotent repeat returning the stored timestamp.
func settledNow(job types.Job, at time.Time) bool {
	return job.CompletedAt != nil && job.CompletedAt.Equal(at)
}

func (s *Service) publish(ctx context.Context, t notify.EventType, job types.Job) {
	if err := s.notifier.Notify(ctx, notify.NewEvent(t, job)); err != nil {
		s.logger.Warn("notification not sent",
			zap.String("job_id", string(job.ID)),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}
