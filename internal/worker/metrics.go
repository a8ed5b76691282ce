package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "shipsync"

// Metrics exports job and pass counters to Prometheus.
type Metrics struct {
	// Labels: job, status (success, error)
	PassesTotal *prometheus.CounterVec
	// Labels: job
	PassDurationSeconds *prometheus.HistogramVec
	// Labels: job, reason (running, blocked)
	DeferredTotal *prometheus.CounterVec

	// Labels: entity
	RowsReplicatedTotal *prometheus.CounterVec
	TenantFailuresTotal *prometheus.CounterVec
	EventsStagedTotal   prometheus.Counter
	EventsProcessed     prometheus.Counter
	IndexKeysApplied    prometheus.Counter
	FailedChunksTotal   prometheus.Counter
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "job",
			Name:      "passes_total",
			Help:      "Job passes by outcome.",
		}, []string{"job", "status"}),
		PassDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "job",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a single job pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		DeferredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "job",
			Name:      "deferred_total",
			Help:      "Triggers that only set the pending flag.",
		}, []string{"job", "reason"}),
		RowsReplicatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "replication",
			Name:      "rows_written_total",
			Help:      "Rows upserted into the warehouse.",
		}, []string{"entity"}),
		TenantFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tenant_failures_total",
			Help:      "Tenants whose pass failed.",
		}, []string{"job"}),
		EventsStagedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "staging",
			Name:      "events_inserted_total",
			Help:      "Change events inserted into the queue.",
		}),
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregation",
			Name:      "events_processed_total",
			Help:      "Change events acknowledged by the aggregation engine.",
		}),
		IndexKeysApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregation",
			Name:      "keys_applied_total",
			Help:      "Aggregate cells written.",
		}),
		FailedChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregation",
			Name:      "failed_chunks_total",
			Help:      "Aggregate chunks rolled back.",
		}),
	}
}

// PassFinished implements Observer.
func (m *Metrics) PassFinished(job string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PassesTotal.WithLabelValues(job, status).Inc()
	m.PassDurationSeconds.WithLabelValues(job).Observe(elapsed.Seconds())
}

// Deferred implements Observer.
func (m *Metrics) Deferred(job, reason string) {
	m.DeferredTotal.WithLabelValues(job, reason).Inc()
}
