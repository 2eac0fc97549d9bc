// ============================================================================
// kioskq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose queue metrics for Prometheus scraping
//
// Metric families:
//
//   1. Counters (monotonic):
//      - kioskq_jobs_enqueued_total{property,action}
//      - kioskq_jobs_completed_total{property}
//      - kioskq_jobs_failed_total{property}
//      - kioskq_errors_total{op,kind}
//
//   2. Histograms:
//      - kioskq_store_op_duration_seconds{op}: one backend round trip
//      - kioskq_job_latency_seconds{property}: createdAt -> completedAt,
//        i.e. how long a guest waited for the PMS or the printer
//
//   3. Gauges:
//      - kioskq_jobs_pending{property}: refreshed on every pending listing,
//        which agents do on each poll
//
// Example queries:
//
//   # agents falling behind
//   kioskq_jobs_pending > 5
//
//   # 95th percentile guest wait per property
//   histogram_quantile(0.95, sum by (le, property) (rate(kioskq_job_latency_seconds_bucket[5m])))
//
// The registry is injected so tests and embedded servers do not share the
// process-wide default.
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Recorder is what the queue service reports to. Collector and Nop satisfy it.
type Recorder interface {
	Enqueued(p types.PropertyID, a types.Action)
	Completed(job types.Job)
	Failed(job types.Job)
	Pending(p types.PropertyID, n int)
	Error(op string, err error)
	ObserveStore(op string, start time.Time)
}

// Collector holds the Prometheus metric vectors.
type Collector struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	errors        *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec
	jobLatency      *prometheus.HistogramVec

	jobsPending *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

var _ Recorder = (*Collector)(nil)

// guest-facing waits: seconds to a few minutes
var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

// NewCollector registers every metric on reg. When reg is nil a fresh
// registry is created; Handler then serves that registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskq_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"property", "action"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskq_jobs_completed_total",
			Help: "Total number of jobs completed by agents",
		}, []string{"property"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskq_jobs_failed_total",
			Help: "Total number of jobs reported failed by agents",
		}, []string{"property"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskq_errors_total",
			Help: "Total number of failed queue operations by kind",
		}, []string{"op", "kind"}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskq_store_op_duration_seconds",
			Help:    "Queue store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskq_job_latency_seconds",
			Help:    "Time from enqueue to completion in seconds",
			Buckets: latencyBuckets,
		}, []string{"property"}),
		jobsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kioskq_jobs_pending",
			Help: "Pending jobs per property as of the last listing",
		}, []string{"property"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsCompleted,
		c.jobsFailed,
		c.errors,
		c.storeOpDuration,
		c.jobLatency,
		c.jobsPending,
	)
	return c
}

// Enqueued records a new job.
func (c *Collector) Enqueued(p types.PropertyID, a types.Action) {
	c.jobsEnqueued.WithLabelValues(string(p), string(a)).Inc()
}

// Completed records a completion and the guest-visible latency.
func (c *Collector) Completed(job types.Job) {
	c.jobsCompleted.WithLabelValues(string(job.Property)).Inc()
	c.observeLatency(job)
}

// Failed records a failure.
func (c *Collector) Failed(job types.Job) {
	c.jobsFailed.WithLabelValues(string(job.Property)).Inc()
	c.observeLatency(job)
}

func (c *Collector) observeLatency(job types.Job) {
	if job.CompletedAt == nil {
		return
	}
	d := job.CompletedAt.Sub(job.CreatedAt)
	if d < 0 {
		return
	}
	c.jobLatency.WithLabelValues(string(job.Property)).Observe(d.Seconds())
}

// Pending sets the pending gauge of one partition.
func (c *Collector) Pending(p types.PropertyID, n int) {
	c.jobsPending.WithLabelValues(string(p)).Set(float64(n))
}

// Error counts a failed operation by kind. Nil errors are ignored.
func (c *Collector) Error(op string, err error) {
	if err == nil {
		return
	}
	c.errors.WithLabelValues(op, string(errs.KindOf(err))).Inc()
}

// ObserveStore records the duration of one store call started at start.
func (c *Collector) ObserveStore(op string, start time.Time) {
	c.storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Enqueued(types.PropertyID, types.Action) {}
func (Nop) Completed(types.Job)                      {}
func (Nop) Failed(types.Job)                         {}
func (Nop) Pending(types.PropertyID, int)            {}
func (Nop) Error(string, error)                      {}
func (Nop) ObserveStore(string, time.Time)           {}
