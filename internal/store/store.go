// ============================================================================
// kioskq Queue Store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: backend-agnostic contract for the per-property job queue
//
// Every backend (memory, tabular, tree) implements Store and is checked by
// the shared conformance suite in store/storetest. Transition semantics are
// identical across backends:
//
//   - unknown id, or id living in another partition  → errs.KindNotFound
//   - terminal request on a job already in that state → success, stored job
//     returned unchanged (CompletedAt keeps its first value)
//   - any other move the state machine forbids       → errs.KindConflict
//
// Ids are generated by the backend, never by the caller.
// ============================================================================

package store

import (
	"context"
	"time"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/router"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Store is the queue storage contract.
type Store interface {
	// Enqueue persists job in partition with status pending and returns it
	// with ID and CreatedAt filled in. Any ID on the input is ignored.
	Enqueue(ctx context.Context, partition types.PropertyID, job types.Job) (types.Job, error)

	// ListPending returns the pending jobs of one partition in creation
	// order where the backend can provide it.
	ListPending(ctx context.Context, partition types.PropertyID) ([]types.Job, error)

	// Get returns one job.
	Get(ctx context.Context, partition types.PropertyID, id types.JobID) (types.Job, error)

	// Complete moves a pending or processing job to completed at the given
	// time.
	Complete(ctx context.Context, partition types.PropertyID, id types.JobID, at time.Time) (types.Job, error)

	// Fail moves a pending or processing job to failed, recording reason.
	Fail(ctx context.Context, partition types.PropertyID, id types.JobID, at time.Time, reason string) (types.Job, error)

	// MarkProcessing moves a pending job to processing.
	MarkProcessing(ctx context.Context, partition types.PropertyID, id types.JobID) (types.Job, error)

	// Close releases backend connections.
	Close() error
}

// Backend names accepted by configuration.
const (
	BackendMemory  = "memory"
	BackendTabular = "tabular"
	BackendTree    = "tree"
)

// Transition describes a requested status change; backends share it so that
// the idempotency and conflict rules are decided in one place.
type Transition struct {
	To     types.JobStatus
	At     time.Time
	Reason string
}

// Decide applies t to a job currently in status current. It returns
// apply=false with a nil error when the job already sits in the requested
// terminal state (idempotent repeat) and a Conflict error when the move is
// not allowed.
func Decide(op string, id types.JobID, current types.JobStatus, t Transition) (apply bool, err error) {
	if current.CanTransitionTo(t.To) {
		return true, nil
	}
	if current == t.To && t.To.IsTerminal() {
		return false, nil
	}
	return false, errs.Conflict(op, "job %s is %s, cannot move to %s", id, current, t.To)
}

// ApplyTo mutates job according to an allowed transition.
func (t Transition) ApplyTo(job *types.Job) {
	job.Status = t.To
	if t.To.IsTerminal() {
		at := t.At.UTC()
		job.CompletedAt = &at
	}
	if t.To == types.StatusFailed {
		job.Error = t.Reason
	}
}

// CheckPartition rejects partitions outside the fixed set before any
// backend round trip.
func CheckPartition(op string, partition types.PropertyID) error {
	if router.Known(partition) {
		return nil
	}
	return errs.NotFound(op, "unknown partition %q", partition)
}
