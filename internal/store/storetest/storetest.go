// Package storetest is the conformance suite every store.Store backend must
// pass. Backends call Run from their own tests with a constructor that hands
// out an empty store.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/router"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var (
	t1 = time.Date(2025, 1, 10, 15, 4, 5, 0, time.UTC)
	t2 = time.Date(2025, 1, 10, 16, 0, 0, 0, time.UTC)
)

func checkinJob(room, guest string) types.Job {
	return types.Job{
		Action:      types.ActionCheckin,
		RoomNumber:  room,
		GuestName:   guest,
		CheckInDate: "2025-01-10",
	}
}

func printJob(room, password string) types.Job {
	return types.Job{Action: types.ActionRemotePrint, RoomNumber: room, Password: password}
}

func enqueue(t *testing.T, s store.Store, job types.Job) types.Job {
	t.Helper()
	out, err := s.Enqueue(context.Background(), router.Route(job.RoomNumber), job)
	require.NoError(t, err)
	return out
}

func pendingIDs(t *testing.T, s store.Store, p types.PropertyID) []types.JobID {
	t.Helper()
	jobs, err := s.ListPending(context.Background(), p)
	require.NoError(t, err)
	ids := make([]types.JobID, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("EnqueueAssignsIdentity", func(t *testing.T) {
		s := newStore(t)

		in := checkinJob("A305", "김민준")
		in.ID = "caller-chosen"
		in.Status = types.StatusCompleted

		job := enqueue(t, s, in)

		assert.NotEmpty(t, job.ID)
		assert.NotEqual(t, types.JobID("caller-chosen"), job.ID)
		assert.Equal(t, types.StatusPending, job.Status)
		assert.Equal(t, types.Property3, job.Property)
		assert.False(t, job.CreatedAt.IsZero())
		assert.Nil(t, job.CompletedAt)
	})

	t.Run("RoundTripCheckin", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, checkinJob("A305", "김민준"))

		pending, err := s.ListPending(ctx, router.Route("A305"))
		require.NoError(t, err)
		require.Len(t, pending, 1)

		got := pending[0]
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, "A305", got.RoomNumber)
		assert.Equal(t, "김민준", got.GuestName)
		assert.Equal(t, "2025-01-10", got.CheckInDate)
		assert.Equal(t, types.ActionCheckin, got.Action)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("PayloadFieldsSurvive", func(t *testing.T) {
		s := newStore(t)

		in := types.Job{
			Action:        types.ActionPaymentCheckin,
			RoomNumber:    "C101",
			GuestName:     "Park",
			CheckInDate:   "2025-02-01",
			CheckOutDate:  "2025-02-03",
			PaymentAmount: 120000,
			PaymentMethod: "card",
		}
		job := enqueue(t, s, in)

		got, err := s.Get(ctx, types.Property1, job.ID)
		require.NoError(t, err)
		assert.Equal(t, in.CheckOutDate, got.CheckOutDate)
		assert.Equal(t, in.PaymentAmount, got.PaymentAmount)
		assert.Equal(t, in.PaymentMethod, got.PaymentMethod)
		assert.Equal(t, types.Property1, got.Property)
	})

	t.Run("IDsUniqueUnderConcurrency", func(t *testing.T) {
		s := newStore(t)

		const n = 40
		var wg sync.WaitGroup
		ids := make(chan types.JobID, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, err := s.Enqueue(ctx, types.Property3, checkinJob(fmt.Sprintf("A%03d", i), "guest"))
				if assert.NoError(t, err) {
					ids <- job.ID
				}
			}(i)
		}
		wg.Wait()
		close(ids)

		seen := make(map[types.JobID]bool)
		for id := range ids {
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
		assert.Len(t, seen, n)
		assert.Len(t, pendingIDs(t, s, types.Property3), n)
	})

	t.Run("ListPendingInCreationOrder", func(t *testing.T) {
		s := newStore(t)

		a := enqueue(t, s, checkinJob("A101", "first"))
		b := enqueue(t, s, checkinJob("A102", "second"))
		c := enqueue(t, s, checkinJob("B103", "third"))

		assert.Equal(t, []types.JobID{a.ID, b.ID, c.ID}, pendingIDs(t, s, types.Property3))
	})

	t.Run("PartitionsAreIsolated", func(t *testing.T) {
		s := newStore(t)

		p1 := enqueue(t, s, checkinJob("C201", "one"))
		p3 := enqueue(t, s, checkinJob("A201", "three"))

		assert.Equal(t, []types.JobID{p1.ID}, pendingIDs(t, s, types.Property1))
		assert.Equal(t, []types.JobID{p3.ID}, pendingIDs(t, s, types.Property3))
		assert.Empty(t, pendingIDs(t, s, types.Property2))
		assert.Empty(t, pendingIDs(t, s, types.Property4))

		_, err := s.Complete(ctx, types.Property3, p1.ID, t1)
		assert.True(t, errs.Is(err, errs.KindNotFound), "completing through the wrong partition: %v", err)

		_, err = s.Get(ctx, types.Property3, p1.ID)
		assert.True(t, errs.Is(err, errs.KindNotFound))
		assert.Equal(t, []types.JobID{p1.ID}, pendingIDs(t, s, types.Property1))
	})

	t.Run("CompleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, printJob("B210", "4821"))

		first, err := s.Complete(ctx, types.Property3, job.ID, t1)
		require.NoError(t, err)
		require.NotNil(t, first.CompletedAt)
		assert.Equal(t, types.StatusCompleted, first.Status)
		assert.True(t, first.CompletedAt.Equal(t1), "completedAt = %v", first.CompletedAt)

		second, err := s.Complete(ctx, types.Property3, job.ID, t2)
		require.NoError(t, err)
		require.NotNil(t, second.CompletedAt)
		assert.True(t, second.CompletedAt.Equal(*first.CompletedAt), "completedAt changed to %v", second.CompletedAt)

		stored, err := s.Get(ctx, types.Property3, job.ID)
		require.NoError(t, err)
		assert.True(t, stored.CompletedAt.Equal(t1))
		assert.Empty(t, pendingIDs(t, s, types.Property3))
	})

	t.Run("CompleteUnknownID", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, checkinJob("A305", "guest"))

		_, err := s.Complete(ctx, types.Property3, "never-issued", t1)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindNotFound), "got %v", err)

		_, err = s.Get(ctx, types.Property3, "never-issued")
		assert.True(t, errs.Is(err, errs.KindNotFound))

		stored, err := s.Get(ctx, types.Property3, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, stored.Status)
		assert.Equal(t, []types.JobID{job.ID}, pendingIDs(t, s, types.Property3))
	})

	t.Run("ListPendingExcludesNonPending", func(t *testing.T) {
		s := newStore(t)

		done := enqueue(t, s, checkinJob("A101", "done"))
		failed := enqueue(t, s, checkinJob("A102", "failed"))
		busy := enqueue(t, s, checkinJob("A103", "busy"))
		waiting := enqueue(t, s, checkinJob("A104", "waiting"))

		_, err := s.Complete(ctx, types.Property3, done.ID, t1)
		require.NoError(t, err)
		_, err = s.Fail(ctx, types.Property3, failed.ID, t1, "pms timeout")
		require.NoError(t, err)
		_, err = s.MarkProcessing(ctx, types.Property3, busy.ID)
		require.NoError(t, err)

		pending, err := s.ListPending(ctx, types.Property3)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, waiting.ID, pending[0].ID)
		for _, j := range pending {
			assert.False(t, j.Status.IsTerminal())
		}
	})

	t.Run("FailRecordsReason", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, checkinJob("Camp 3", "guest"))
		require.Equal(t, types.Property4, job.Property)

		failed, err := s.Fail(ctx, types.Property4, job.ID, t1, "room number missing in PMS")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, failed.Status)
		assert.Equal(t, "room number missing in PMS", failed.Error)
		require.NotNil(t, failed.CompletedAt)
		assert.True(t, failed.CompletedAt.Equal(t1))

		again, err := s.Fail(ctx, types.Property4, job.ID, t2, "other reason")
		require.NoError(t, err)
		assert.True(t, again.CompletedAt.Equal(t1))
		assert.Equal(t, "room number missing in PMS", again.Error)

		_, err = s.Complete(ctx, types.Property4, job.ID, t2)
		assert.True(t, errs.Is(err, errs.KindConflict), "complete after fail: %v", err)
	})

	t.Run("FailKeepsMultibyteReason", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, printJob("B210", "4821"))
		reason := strings.Repeat("프린터오류", 100)

		failed, err := s.Fail(ctx, job.Property, job.ID, t1, reason)
		require.NoError(t, err)
		assert.Equal(t, reason, failed.Error)

		got, err := s.Get(ctx, job.Property, job.ID)
		require.NoError(t, err)
		assert.Equal(t, reason, got.Error)
	})

	t.Run("ProcessingIsOptionalStep", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, checkinJob("Kariv 5", "guest"))
		require.Equal(t, types.Property2, job.Property)

		busy, err := s.MarkProcessing(ctx, types.Property2, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusProcessing, busy.Status)
		assert.Nil(t, busy.CompletedAt)

		_, err = s.MarkProcessing(ctx, types.Property2, job.ID)
		assert.True(t, errs.Is(err, errs.KindConflict))

		done, err := s.Complete(ctx, types.Property2, job.ID, t1)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, done.Status)

		_, err = s.MarkProcessing(ctx, types.Property2, job.ID)
		assert.True(t, errs.Is(err, errs.KindConflict))
	})

	t.Run("UnknownPartition", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Enqueue(ctx, "property9", checkinJob("A1", "x"))
		assert.True(t, errs.Is(err, errs.KindNotFound))
		_, err = s.ListPending(ctx, "property9")
		assert.True(t, errs.Is(err, errs.KindNotFound))
		_, err = s.Complete(ctx, "property9", "x", t1)
		assert.True(t, errs.Is(err, errs.KindNotFound))
	})

	t.Run("ConcurrentCompleteSettlesOnce", func(t *testing.T) {
		s := newStore(t)

		job := enqueue(t, s, printJob("B210", "4821"))

		const n = 8
		var wg sync.WaitGroup
		results := make(chan time.Time, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				done, err := s.Complete(ctx, types.Property3, job.ID, t1.Add(time.Duration(i)*time.Minute))
				if assert.NoError(t, err) && assert.NotNil(t, done.CompletedAt) {
					results <- *done.CompletedAt
				}
			}(i)
		}
		wg.Wait()
		close(results)

		stored, err := s.Get(ctx, types.Property3, job.ID)
		require.NoError(t, err)
		for at := range results {
			assert.True(t, at.Equal(*stored.CompletedAt), "caller saw %v, store has %v", at, stored.CompletedAt)
		}
	})
}
