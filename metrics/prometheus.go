// Package metrics provides Prometheus metrics for the canonical
// ingester.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all ingester metrics.
type Metrics struct {
	// Counters
	RecordsMerged   *prometheus.CounterVec
	RowsWritten     *prometheus.CounterVec
	ChunksCompleted *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// Gauges
	ActiveWorkers prometheus.Gauge
	JobsInFlight  prometheus.Gauge
	PendingChunks prometheus.Gauge

	// Histograms
	MergeDuration *prometheus.HistogramVec
	ChunkDuration prometheus.Histogram
	JobDuration   prometheus.Histogram

	registry *prometheus.Registry
	enabled  bool
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

// New creates a new metrics instance.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}

	if !cfg.Enabled {
		return m
	}

	m.RecordsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "records_merged_total",
			Help:      "Records classified by the merge engine",
		},
		[]string{"table", "result"}, // "new", "unchanged", "changed"
	)

	m.RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "rows_written_total",
			Help:      "Storage operations applied by table",
		},
		[]string{"table", "op"}, // "insert", "update", "close"
	)

	m.ChunksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "chunks_completed_total",
			Help:      "Chunks finished by terminal status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"type"}, // "record", "chunk", "schema", "config"
	)

	m.ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "workers_active",
			Help:      "Number of active worker goroutines",
		},
	)

	m.JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently initializing or running",
		},
	)

	m.PendingChunks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "pending_chunks",
			Help:      "Chunks waiting to be processed",
		},
	)

	m.MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "merge_duration_seconds",
			Help:      "Time to merge one batch against current state",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"table"},
	)

	m.ChunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "chunk_duration_seconds",
			Help:      "Time to process one chunk end to end",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	m.JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to terminal status",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	m.registry.MustRegister(
		m.RecordsMerged,
		m.RowsWritten,
		m.ChunksCompleted,
		m.ErrorsTotal,
		m.ActiveWorkers,
		m.JobsInFlight,
		m.PendingChunks,
		m.MergeDuration,
		m.ChunkDuration,
		m.JobDuration,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return http.ListenAndServe(addr, mux)
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// RecordMergeResult records merge classification counts for a table.
func (m *Metrics) RecordMergeResult(table string, newCount, unchanged, changed int) {
	if m.enabled && m.RecordsMerged != nil {
		m.RecordsMerged.WithLabelValues(table, "new").Add(float64(newCount))
		m.RecordsMerged.WithLabelValues(table, "unchanged").Add(float64(unchanged))
		m.RecordsMerged.WithLabelValues(table, "changed").Add(float64(changed))
	}
}

// RecordRowsWritten increments storage operations for a table.
func (m *Metrics) RecordRowsWritten(table, op string, count int) {
	if m.enabled && m.RowsWritten != nil {
		m.RowsWritten.WithLabelValues(table, op).Add(float64(count))
	}
}

// RecordChunkCompleted increments the chunk counter.
func (m *Metrics) RecordChunkCompleted(success bool) {
	if m.enabled && m.ChunksCompleted != nil {
		status := "completed"
		if !success {
			status = "failed"
		}
		m.ChunksCompleted.WithLabelValues(status).Inc()
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(errorType string) {
	if m.enabled && m.ErrorsTotal != nil {
		m.ErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// SetActiveWorkers sets the active worker gauge.
func (m *Metrics) SetActiveWorkers(count int) {
	if m.enabled && m.ActiveWorkers != nil {
		m.ActiveWorkers.Set(float64(count))
	}
}

// SetJobsInFlight sets the in-flight jobs gauge.
func (m *Metrics) SetJobsInFlight(count int) {
	if m.enabled && m.JobsInFlight != nil {
		m.JobsInFlight.Set(float64(count))
	}
}

// SetPendingChunks sets the pending chunks gauge.
func (m *Metrics) SetPendingChunks(count int) {
	if m.enabled && m.PendingChunks != nil {
		m.PendingChunks.Set(float64(count))
	}
}

// RecordMergeDuration records merge duration for a table.
func (m *Metrics) RecordMergeDuration(table string, duration time.Duration) {
	if m.enabled && m.MergeDuration != nil {
		m.MergeDuration.WithLabelValues(table).Observe(duration.Seconds())
	}
}

// RecordChunkDuration records chunk processing duration.
func (m *Metrics) RecordChunkDuration(duration time.Duration) {
	if m.enabled && m.ChunkDuration != nil {
		m.ChunkDuration.Observe(duration.Seconds())
	}
}

// RecordJobDuration records total job duration.
func (m *Metrics) RecordJobDuration(duration time.Duration) {
	if m.enabled && m.JobDuration != nil {
		m.JobDuration.Observe(duration.Seconds())
	}
}
