// Package observability defines the Prometheus metrics of the flood-map service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "damwatch"

// Metrics holds the Prometheus counters, histograms, and gauges for raster work.
type Metrics struct {
	// Raster operations: ingest, convert, statistics, bounds, legend.
	Operations        *prometheus.CounterVec   // labels: operation, outcome={success,error}
	OperationDuration *prometheus.HistogramVec // labels: operation

	RenderJobs    *prometheus.CounterVec // labels: status
	JobsRunning   prometheus.Gauge
	LegendCache   *prometheus.CounterVec // labels: result={hit,miss}
	EventsEmitted *prometheus.CounterVec // labels: type, outcome={success,error}
}

func newMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raster_operations_total",
			Help:      "Raster operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raster_operation_duration_seconds",
			Help:      "Wall time of raster operations, decoding included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		RenderJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_jobs_total",
			Help:      "Finished asynchronous render jobs by final status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "render_jobs_running",
			Help:      "Render jobs currently executing.",
		}),
		LegendCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legend_cache_total",
			Help:      "Legend cache lookups by result.",
		}, []string{"result"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events handed to the publisher by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.OperationDuration,
		m.RenderJobs,
		m.JobsRunning,
		m.LegendCache,
		m.EventsEmitted,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

// ObserveOperation records the outcome and duration of an operation started
// at start.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
