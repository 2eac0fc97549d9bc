// ============================================================================
// kioskq in-process tree store
// ============================================================================
//
// Package: internal/store/memory
// File: memory.go
// Purpose: Store implementation kept in process memory, used for local
// development, demos and as the reference backend in tests.
//
// Layout:
//   partitions map[PropertyID]*partition
//   ├─ jobs    map[JobID]*Job   every job ever enqueued (never deleted)
//   └─ pending []JobID          insertion-ordered index of pending jobs
//
//   pending is pruned lazily: ListPending skips ids whose job left the
//   pending state and compacts the slice while holding the write lock.
//
// Concurrency:
//   one sync.RWMutex guards all partitions; reads take RLock.
//
// Persistence:
//   with a snapshot path configured, every mutation rewrites the snapshot
//   file (temp file + rename) and New loads it back. Without a path the
//   store forgets everything on exit.
// ============================================================================

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/pkg/types"
)

type partition struct {
	jobs    map[types.JobID]*types.Job
	pending []types.JobID
}

func newPartition() *partition {
	return &partition{
		jobs:    make(map[types.JobID]*types.Job),
		pending: make([]types.JobID, 0),
	}
}

// Store is the in-memory backend.
type Store struct {
	mu         sync.RWMutex
	partitions map[types.PropertyID]*partition
	snapshot   *Snapshotter // nil when persistence is disabled
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSnapshot persists the store to path after every mutation.
func WithSnapshot(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.snapshot = NewSnapshotter(path)
		}
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a memory store. When a snapshot file exists it is loaded.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		partitions: make(map[types.PropertyID]*partition),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.snapshot != nil {
		data, err := s.snapshot.Load()
		if err != nil {
			return nil, errs.Wrapf(errs.KindBackendUnavailable, "memory.New", err, "load snapshot %s", s.snapshot.Path())
		}
		s.restore(data)
	}
	return s, nil
}

func (s *Store) part(p types.PropertyID) *partition {
	pt, ok := s.partitions[p]
	if !ok {
		pt = newPartition()
		s.partitions[p] = pt
	}
	return pt
}

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, p types.PropertyID, job types.Job) (types.Job, error) {
	const op = "memory.Enqueue"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return types.Job{}, errs.Wrap(errs.KindInternal, op, err)
	}

	job.ID = types.JobID(id.String())
	job.Property = p
	job.Status = types.StatusPending
	job.CreatedAt = s.now().UTC()
	job.CompletedAt = nil
	job.Error = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	pt := s.part(p)
	stored := job
	pt.jobs[job.ID] = &stored
	pt.pending = append(pt.pending, job.ID)

	if err := s.persistLocked(); err != nil {
		delete(pt.jobs, job.ID)
		pt.pending = pt.pending[:len(pt.pending)-1]
		return types.Job{}, errs.Wrap(errs.KindBackendUnavailable, op, err)
	}
	return job, nil
}

// ListPending implements store.Store.
func (s *Store) ListPending(ctx context.Context, p types.PropertyID) ([]types.Job, error) {
	const op = "memory.ListPending"
	if err := store.CheckPartition(op, p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pt := s.part(p)
	out := make([]types.Job, 0, len(pt.pending))
	kept := pt.pending[:0]
	for _, id := range pt.pending {
		job := pt.jobs[id]
		if job == nil || job.Status != types.StatusPending {
			continue
		}
		kept = append(kept, id)
		out = append(out, *job)
	}
	pt.pending = kept
	return out, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	const op = "memory.Get"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pt, ok := s.partitions[p]
	if !ok {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	job, ok := pt.jobs[id]
	if !ok {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	return *job, nil
}

// Complete implements store.Store.
func (s *Store) Complete(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time) (types.Job, error) {
	return s.transition(ctx, "memory.Complete", p, id, store.Transition{To: types.StatusCompleted, At: at})
}

// Fail implements store.Store.
func (s *Store) Fail(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time, reason string) (types.Job, error) {
	return s.transition(ctx, "memory.Fail", p, id, store.Transition{To: types.StatusFailed, At: at, Reason: reason})
}

// MarkProcessing implements store.Store.
func (s *Store) MarkProcessing(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	return s.transition(ctx, "memory.MarkProcessing", p, id, store.Transition{To: types.StatusProcessing})
}

func (s *Store) transition(ctx context.Context, op string, p types.PropertyID, id types.JobID, t store.Transition) (types.Job, error) {
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pt, ok := s.partitions[p]
	if !ok {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	job, ok := pt.jobs[id]
	if !ok {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}

	apply, err := store.Decide(op, id, job.Status, t)
	if err != nil {
		return types.Job{}, err
	}
	if !apply {
		return *job, nil
	}

	before := *job
	t.ApplyTo(job)
	if err := s.persistLocked(); err != nil {
		*job = before
		return types.Job{}, errs.Wrap(errs.KindBackendUnavailable, op, err)
	}
	return *job, nil
}

// Stats counts jobs per status across all partitions.
func (s *Store) Stats() map[types.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending:    0,
		types.StatusProcessing: 0,
		types.StatusCompleted:  0,
		types.StatusFailed:     0,
	}
	for _, pt := range s.partitions {
		for _, job := range pt.jobs {
			stats[job.Status]++
		}
	}
	return stats
}

// Close flushes the snapshot, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.snapshot == nil {
		return nil
	}
	return s.snapshot.Write(s.dumpLocked())
}

func (s *Store) dumpLocked() SnapshotData {
	data := SnapshotData{Partitions: make(map[types.PropertyID][]types.Job, len(s.partitions))}
	for p, pt := range s.partitions {
		jobs := make([]types.Job, 0, len(pt.jobs))
		for _, job := range pt.jobs {
			jobs = append(jobs, *job)
		}
		data.Partitions[p] = jobs
	}
	return data
}

func (s *Store) restore(data SnapshotData) {
	s.partitions = make(map[types.PropertyID]*partition)
	for p, jobs := range data.Partitions {
		pt := s.part(p)
		sortByCreation(jobs)
		for i := range jobs {
			job := jobs[i]
			pt.jobs[job.ID] = &job
			if job.Status == types.StatusPending {
				pt.pending = append(pt.pending, job.ID)
			}
		}
	}
}
