// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ravenhub/internal/database"
)

// Prometheus metrics
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravenhub_queue_depth",
			Help: "Jobs waiting for the ingestion worker",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_jobs_total",
			Help: "Jobs run by the ingestion worker",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravenhub_job_duration_seconds",
			Help:    "Time the ingestion worker spent per job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_jobs_rejected_total",
			Help: "Submissions refused before queueing",
		},
		[]string{"reason"},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_reconcile_total",
			Help: "Agent batches reconciled by outcome",
		},
		[]string{"outcome"},
	)

	SamplesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravenhub_samples_applied_total",
			Help: "Reported samples acknowledged back to agents",
		},
	)

	SeriesChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_series_changes_total",
			Help: "Host series created, updated, swapped or removed by reconciliation",
		},
		[]string{"change"},
	)

	StatusTableFull = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravenhub_status_table_full_total",
			Help: "Batches that ran with an exhausted status code space",
		},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_maintenance_runs_total",
			Help: "Maintenance jobs run",
		},
		[]string{"job", "status"},
	)

	MaintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravenhub_maintenance_duration_seconds",
			Help:    "Time spent in maintenance jobs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	StoredSeries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ravenhub_series",
			Help: "Host series in the store",
		},
		[]string{"state"},
	)

	StoredSamples = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravenhub_samples",
			Help: "Samples in the store",
		},
	)

	DatabaseSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravenhub_database_size_bytes",
			Help: "Size of the database file",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravenhub_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravenhub_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

// Collector records engine metrics. A nil *Collector records nothing, so
// components can be built without one in tests.
type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordQueueDepth(depth int) {
	if c == nil {
		return
	}
	QueueDepth.Set(float64(depth))
}

func (c *Collector) RecordJobRejected(reason string) {
	if c == nil {
		return
	}
	JobsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordJobResult(ok bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := statusLabel(ok)
	JobsTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordReconcile counts one batch. outcome is "success" or the failure class.
func (c *Collector) RecordReconcile(outcome string, applied, created, updated, swapped, removed int, degraded bool) {
	if c == nil {
		return
	}
	ReconcileTotal.WithLabelValues(outcome).Inc()
	SamplesApplied.Add(float64(applied))
	SeriesChanges.WithLabelValues("created").Add(float64(created))
	SeriesChanges.WithLabelValues("updated").Add(float64(updated))
	SeriesChanges.WithLabelValues("swapped").Add(float64(swapped))
	SeriesChanges.WithLabelValues("removed").Add(float64(removed))
	if degraded {
		StatusTableFull.Inc()
	}
}

func (c *Collector) RecordMaintenance(job string, ok bool, duration time.Duration) {
	if c == nil {
		return
	}
	MaintenanceRuns.WithLabelValues(job, statusLabel(ok)).Inc()
	MaintenanceDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	if c == nil {
		return
	}
	WebSocketConnections.Add(float64(delta))
}

// UpdateSystemMetrics refreshes the store gauges.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	if c == nil {
		return nil
	}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		DatabaseOperations.WithLabelValues("stats", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("stats", "success").Inc()

	StoredSeries.WithLabelValues("live").Set(float64(stats.LiveSeries))
	StoredSeries.WithLabelValues("archived").Set(float64(stats.ArchivedSeries))
	StoredSamples.Set(float64(stats.TotalSamples))
	DatabaseSize.Set(float64(stats.DatabaseSize))

	return nil
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
