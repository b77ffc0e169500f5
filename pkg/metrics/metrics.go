package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the queue, handlers, and PDF pipeline.
// promauto registers with the default registry; /metrics serves it.
var (
	// --- Queue metrics ---

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total jobs enqueued by queue name",
		},
		[]string{"queue"},
	)

	JobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "jobs_claimed_total",
			Help:      "Total jobs claimed by this process",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Total jobs reaching a terminal state",
		},
		[]string{"queue", "state"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "job_retries_total",
			Help:      "Total retry reschedules",
		},
		[]string{"queue"},
	)

	JobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "jobs_reclaimed_total",
			Help:      "Stuck rows returned to pending",
		},
	)

	LocksLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "locks_lost_total",
			Help:      "Finalize attempts dropped because the claim lock was gone",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "villagecal",
			Subsystem: "queue",
			Name:      "runnable_jobs",
			Help:      "Runnable rows at last poll",
		},
	)

	// --- Handler metrics ---

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "villagecal",
			Subsystem: "handlers",
			Name:      "duration_seconds",
			Help:      "Handler execution time by queue and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"queue", "outcome"},
	)

	// --- PDF pipeline metrics ---

	PDFRenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "villagecal",
			Subsystem: "pdf",
			Name:      "render_seconds",
			Help:      "SVG render plus PDF transcode time",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	PDFBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "villagecal",
			Subsystem: "pdf",
			Name:      "output_bytes",
			Help:      "Generated PDF size",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 10),
		},
	)

	PDFCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "pdf",
			Name:      "fingerprint_cache_hits_total",
			Help:      "Renders short-circuited by an existing fingerprint key",
		},
	)

	// --- Object store metrics ---

	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "villagecal",
			Subsystem: "objectstore",
			Name:      "put_retries_total",
			Help:      "In-handler upload retries",
		},
	)
)
