// Package metrics provides Prometheus metrics for searchsync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for searchsync.
type Metrics struct {
	registry *prometheus.Registry

	// Index writer metrics
	DocumentsWritten *prometheus.CounterVec
	DocumentsDeleted *prometheus.CounterVec
	TransformSkips   *prometheus.CounterVec

	// Orchestrator metrics
	ReindexOutcomes *prometheus.CounterVec
	ComposeDuration *prometheus.HistogramVec
	TombstonesTotal prometheus.Counter

	// Async job metrics
	JobsTotal    *prometheus.CounterVec
	JobsInFlight prometheus.Gauge

	// Rebuild metrics
	RebuildPhases *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.DocumentsWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_documents_written_total",
			Help: "Documents written to the search engine",
		},
		[]string{"index", "visibility"},
	)
	m.DocumentsDeleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_documents_deleted_total",
			Help: "Documents deleted from the search engine",
		},
		[]string{"index", "reason"},
	)
	m.TransformSkips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_transform_skips_total",
			Help: "Documents skipped because the index group transformer rejected them",
		},
		[]string{"index_group"},
	)
	m.ReindexOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_reindex_outcomes_total",
			Help: "Per-entity reindex outcomes",
		},
		[]string{"outcome"},
	)
	m.ComposeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchsync_compose_duration_seconds",
			Help:    "Time spent gathering and composing one entity",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"entity_type"},
	)
	m.TombstonesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "searchsync_tombstones_deleted_total",
			Help: "Search documents deleted because their id no longer exists upstream",
		},
	)
	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_jobs_total",
			Help: "Asynchronous reindex jobs by kind and final status",
		},
		[]string{"kind", "status"},
	)
	m.JobsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "searchsync_jobs_in_flight",
			Help: "Asynchronous reindex jobs currently running",
		},
	)
	m.RebuildPhases = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_rebuild_phases_total",
			Help: "Blue-green rebuild phase executions",
		},
		[]string{"phase", "result"},
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordWrite counts a document write. Safe on a nil receiver.
func (m *Metrics) RecordWrite(index, visibility string) {
	if m == nil {
		return
	}
	m.DocumentsWritten.WithLabelValues(index, visibility).Inc()
}

// RecordDelete counts a document delete.
func (m *Metrics) RecordDelete(index, reason string) {
	if m == nil {
		return
	}
	m.DocumentsDeleted.WithLabelValues(index, reason).Inc()
	if reason == "tombstone" {
		m.TombstonesTotal.Inc()
	}
}

// RecordSkip counts a transformer rejection.
func (m *Metrics) RecordSkip(group string) {
	if m == nil {
		return
	}
	m.TransformSkips.WithLabelValues(group).Inc()
}

// RecordOutcome counts a per-entity outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReindexOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveCompose records compose latency for an entity type.
func (m *Metrics) ObserveCompose(entityType string, d time.Duration) {
	if m == nil {
		return
	}
	m.ComposeDuration.WithLabelValues(entityType).Observe(d.Seconds())
}

// JobStarted marks an async job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished records the final status of an async job.
func (m *Metrics) JobFinished(kind, status string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordPhase counts a rebuild phase execution.
func (m *Metrics) RecordPhase(phase string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RebuildPhases.WithLabelValues(phase, result).Inc()
}
