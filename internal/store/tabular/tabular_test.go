package tabular

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/internal/store/storetest"
	"github.com/worldchamps/kioskq/pkg/types"
)

// newTestStore opens a private in-memory SQLite database. A single
// connection keeps every query on the same in-memory database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestOpenWithoutDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))
}

func TestNewNilHandle(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))
}

func TestIDFormat(t *testing.T) {
	assert.Equal(t, types.JobID("PMS-42"), FormatID(42))

	seq, ok := ParseID("PMS-42")
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seq)

	for _, bad := range []types.JobID{"", "42", "PMS-", "PMS-0", "PMS-x1", "pms-3", "-NaBc123"} {
		_, ok := ParseID(bad)
		assert.False(t, ok, "ParseID(%q)", bad)
	}
}

func TestSharedTableHoldsAllPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Enqueue(ctx, types.Property1, types.Job{Action: types.ActionCheckin, RoomNumber: "C101", GuestName: "a"})
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, types.Property4, types.Job{Action: types.ActionCheckin, RoomNumber: "Camp 1", GuestName: "b"})
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.db.Model(&Row{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	seqA, _ := ParseID(a.ID)
	seqB, _ := ParseID(b.ID)
	assert.Less(t, seqA, seqB, "ids follow physical row order")
}

func TestFailTruncatesLongReason(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, err := s.Enqueue(ctx, types.Property3, types.Job{Action: types.ActionCheckout, RoomNumber: "A101"})
	require.NoError(t, err)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}

	failed, err := s.Fail(ctx, types.Property3, job.ID, time.Now(), string(long))
	require.NoError(t, err)
	assert.Equal(t, errorColumnLen, utf8.RuneCountInString(failed.Error))
	assert.True(t, strings.HasSuffix(failed.Error, "…"))
}

func TestTransitionOnUnparseableID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Complete(ctx, types.Property3, "-NaBc123", time.Now())
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
