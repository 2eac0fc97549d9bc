package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/internal/store/storetest"
	"github.com/worldchamps/kioskq/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New()
		require.NoError(t, err)
		return s
	})
}

func TestConformanceWithSnapshot(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(WithSnapshot(filepath.Join(t.TempDir(), "queue.json")))
		require.NoError(t, err)
		return s
	})
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "queue.json")
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s, err := New(WithSnapshot(path))
	require.NoError(t, err)

	first, err := s.Enqueue(ctx, types.Property1, types.Job{Action: types.ActionCheckin, RoomNumber: "C101", GuestName: "a"})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, types.Property1, types.Job{Action: types.ActionCheckin, RoomNumber: "C102", GuestName: "b"})
	require.NoError(t, err)
	_, err = s.Complete(ctx, types.Property1, first.ID, at)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")

	reopened, err := New(WithSnapshot(path))
	require.NoError(t, err)

	pending, err := reopened.ListPending(ctx, types.Property1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	done, err := reopened.Get(ctx, types.Property1, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.True(t, done.CompletedAt.Equal(at))
}

func TestCorruptedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(WithSnapshot(path))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, err := New(WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	require.NoError(t, err)

	a, _ := s.Enqueue(ctx, types.Property3, types.Job{RoomNumber: "A1"})
	b, _ := s.Enqueue(ctx, types.Property4, types.Job{RoomNumber: "Camp 1"})
	_, _ = s.Enqueue(ctx, types.Property4, types.Job{RoomNumber: "Camp 2"})

	_, err = s.Complete(ctx, types.Property3, a.ID, time.Now())
	require.NoError(t, err)
	_, err = s.Fail(ctx, types.Property4, b.ID, time.Now(), "x")
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats[types.StatusPending])
	assert.Equal(t, 1, stats[types.StatusCompleted])
	assert.Equal(t, 1, stats[types.StatusFailed])
	assert.Equal(t, 0, stats[types.StatusProcessing])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), a.CreatedAt)
}
