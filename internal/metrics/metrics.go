// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicaletl"

type Metrics struct {
	registry *prometheus.Registry

	rowsProcessed    *prometheus.CounterVec
	outliers         prometheus.Counter
	rowsRejected     prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	versionConflicts prometheus.Counter
	rowDuration      prometheus.Histogram
	reportsGenerated prometheus.Counter
}

// New registers the collectors on a private registry, so several instances
// can coexist in tests.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_processed_total",
			Help:      "Raw measurements run through the transformation engine, by outcome.",
		}, []string{"outcome"}),
		outliers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outliers_flagged_total",
			Help:      "Processed measurements flagged as outliers.",
		}),
		rowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rejected_total",
			Help:      "Submitted records rejected before reaching the raw log.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Ingestion jobs that reached a terminal state.",
		}, []string{"status"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Retried writes caused by concurrent updates of a derived row.",
		}),
		rowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "row_processing_seconds",
			Help:      "Time to derive one raw measurement and apply its delta.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		reportsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_reports_generated_total",
			Help:      "Quality report rows written.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rowsProcessed,
		m.outliers,
		m.rowsRejected,
		m.jobsFinished,
		m.versionConflicts,
		m.rowDuration,
		m.reportsGenerated,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RowProcessed(outcome string, outlier bool, took time.Duration) {
	if m == nil {
		return
	}
	m.rowsProcessed.WithLabelValues(outcome).Inc()
	if outlier {
		m.outliers.Inc()
	}
	m.rowDuration.Observe(took.Seconds())
}

func (m *Metrics) RowsRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsRejected.Add(float64(n))
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) ReportsGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reportsGenerated.Add(float64(n))
}
