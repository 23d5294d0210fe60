package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	queries       *prometheus.CounterVec
	executions    *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	deadLettered  *prometheus.CounterVec
	markerCleanup prometheus.Counter
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_submissions_total",
			Help:      "Task submissions by outcome (accepted, invalid, enqueue_failed).",
		}, []string{"outcome"}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_queries_total",
			Help:      "Task status queries by resulting status.",
		}, []string{"status"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Payload execution attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		execDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_duration_seconds",
			Help:      "Payload execution attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dead_lettered_total",
			Help:      "Tasks moved to the dead-letter list after exhausting retries.",
		}, []string{"kind"}),
		markerCleanup: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_marker_cleanup_failures_total",
			Help:      "Existence marker deletions that failed and were left to TTL expiry.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Query(status string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(status).Inc()
}

func (m *Metrics) Execution(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(kind, outcome).Inc()
	m.execDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) DeadLettered(kind string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(kind).Inc()
}

func (m *Metrics) MarkerCleanupFailed() {
	if m == nil {
		return
	}
	m.markerCleanup.Inc()
}
