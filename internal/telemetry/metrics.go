package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StepsExecuted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_steps_executed_total", Help: "Batch steps executed"})
	StepsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_steps_failed_total", Help: "Batch steps that failed"})
	BatchesCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_batches_completed_total", Help: "Batches reaching completed"})
	BatchesFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_batches_failed_total", Help: "Batches reaching failed"})
	WatchdogForced      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_watchdog_forced_total", Help: "Batches force-failed by the watchdog"})
	SkusWritten         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_skus_written_total", Help: "Storefront stock writes issued"})
	SkusSkipped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_skus_skipped_total", Help: "SKUs skipped as consistent or untracked"})
	TaskSuccess         = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_tasks_completed_total", Help: "Sync tasks completed"})
	TaskFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_tasks_failed_total", Help: "Sync tasks failed"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_queue_depth", Help: "Ready queue depth across priorities"})
	TasksInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_tasks_inflight", Help: "Sync tasks currently processing"})
	SnapshotArchives    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_snapshot_archives_total", Help: "Frozen snapshots archived"})
	SnapshotArchiveErrs = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_snapshot_archive_errors_total", Help: "Snapshot archive failures"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StepsExecuted,
			StepsFailed,
			BatchesCompleted,
			BatchesFailed,
			WatchdogForced,
			SkusWritten,
			SkusSkipped,
			TaskSuccess,
			TaskFailures,
			RateLimitRejects,
			QueueDepthGauge,
			TasksInFlight,
			SnapshotArchives,
			SnapshotArchiveErrs,
		)
	})
	return promhttp.Handler()
}
