package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished pipeline runs by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_backup_runs_total",
			Help: "Total number of finished backup runs",
		},
		[]string{"status", "trigger"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsletter_backup_run_duration_seconds",
			Help:    "Duration of backup runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// RunsRejectedTotal counts triggers refused because a run held the lock.
	RunsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_backup_runs_rejected_total",
			Help: "Total number of backup triggers rejected while a run was in progress",
		},
	)

	ArchiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsletter_backup_archive_bytes",
			Help: "Size of the most recent uploaded archive",
		},
	)

	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsletter_backup_last_success_timestamp_seconds",
			Help: "Unix time of the most recent successful backup",
		},
	)

	TableWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_backup_table_warnings_total",
			Help: "Total number of tables exported partially",
		},
		[]string{"table"},
	)

	sweepDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_backup_retention_deleted_total",
			Help: "Total number of expired archives deleted",
		},
	)

	sweepFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_backup_retention_failed_total",
			Help: "Total number of expired archives that could not be deleted",
		},
	)
)
