package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiver",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Indexing jobs by terminal outcome.",
	}, []string{"result"}) // completed, skipped, retried, failed

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quiver",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time of per-file ingest runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiver",
		Subsystem: "worker",
		Name:      "chunks_indexed_total",
		Help:      "Chunks written to the index.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiver",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Runnable pending jobs at last poll.",
	})
)
