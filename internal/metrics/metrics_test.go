package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsEnqueued)
	assert.NotNil(t, collector.jobsCompleted)
	assert.NotNil(t, collector.jobsFailed)
	assert.NotNil(t, collector.errors)
	assert.NotNil(t, collector.storeOpDuration)
	assert.NotNil(t, collector.jobLatency)
	assert.NotNil(t, collector.jobsPending)
}

func TestNewCollectorNilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	}, "each nil-registry collector gets its own registry")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestEnqueued(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Enqueued(types.Property3, types.ActionCheckin)
	c.Enqueued(types.Property3, types.ActionCheckin)
	c.Enqueued(types.Property3, types.ActionRemotePrint)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("property3", "checkin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("property3", "remote-print")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("property1", "checkin")))
}

func TestCompletedAndFailed(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	created := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	done := created.Add(12 * time.Second)

	c.Completed(types.Job{Property: types.Property1, CreatedAt: created, CompletedAt: &done})
	c.Failed(types.Job{Property: types.Property1, CreatedAt: created, CompletedAt: &done})
	c.Failed(types.Job{Property: types.Property2, CreatedAt: created})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("property1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("property1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("property2")))

	// only jobs with a completion time contribute a latency sample
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobLatency))
}

func TestPendingGauge(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Pending(types.Property4, 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsPending.WithLabelValues("property4")))

	c.Pending(types.Property4, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsPending.WithLabelValues("property4")))
}

func TestErrorByKind(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Error("complete", errs.NotFound("x", "missing"))
	c.Error("complete", errs.NotFound("x", "missing"))
	c.Error("complete", nil)
	c.Error("enqueue", io.EOF)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.errors.WithLabelValues("complete", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("enqueue", "internal")))
}

func TestObserveStore(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		c.ObserveStore("enqueue", time.Now().Add(-20*time.Millisecond))
	})
	assert.Equal(t, 1, testutil.CollectAndCount(c.storeOpDuration))
}

func TestHandler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.Enqueued(types.Property2, types.ActionCheckout)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `kioskq_jobs_enqueued_total{action="checkout",property="property2"} 1`)
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.Enqueued(types.Property1, types.ActionCheckin)
		r.Completed(types.Job{})
		r.Failed(types.Job{})
		r.Pending(types.Property1, 1)
		r.Error("x", io.EOF)
		r.ObserveStore("x", time.Now())
	})
}
