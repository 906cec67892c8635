package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spub_jobs_submitted_total",
			Help: "Total number of accepted publish requests",
		},
		[]string{"mode"}, // scheduled, published
	)

	JobsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spub_jobs_cancelled_total",
			Help: "Total number of scheduled jobs cancelled before dispatch",
		},
	)

	DispatchRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spub_dispatch_runs_total",
			Help: "Total number of dispatch batches executed",
		},
	)

	JobsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spub_jobs_dispatched_total",
			Help: "Total number of due jobs handled by the dispatcher",
		},
		[]string{"status"}, // published, failed, skipped
	)

	JobsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spub_jobs_reclaimed_total",
			Help: "Total number of jobs failed after being stuck in publishing",
		},
	)

	// Gauges
	DueJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spub_due_jobs",
			Help: "Number of due jobs found by the last dispatch batch",
		},
	)

	// Buckets: 50ms to ~100s
	PublishDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spub_publish_duration_seconds",
			Help:    "Duration of remote publish calls made by the dispatcher",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

// Register pre-creates the labelled series so they are exported at zero
// before the first event.
func Register() {
	for _, mode := range []string{"scheduled", "published"} {
		JobsSubmittedTotal.WithLabelValues(mode)
	}
	for _, status := range []string{"published", "failed", "skipped"} {
		JobsDispatchedTotal.WithLabelValues(status)
	}
}
