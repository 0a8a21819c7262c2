// Package metrics exposes the gateway's counters and histograms as
// Prometheus collectors: decision outcomes, the log pipeline's batch
// writer, the job runner's queue depths, and geoip lookup freshness
// (spec §4.8, observability Non-goal excludes dashboards, not metrics
// themselves).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloakgate"

var (
	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "total",
		Help:      "Cloak decisions by outcome (money/safe).",
	}, []string{"decision"})

	DecisionsBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "blocked_total",
		Help:      "Safe decisions by the layer that forced them (L1-L4, TIMEOUT).",
	}, []string{"layer"})

	DecisionScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "score",
		Help:      "Weighted aggregate score of each decision (0-100).",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	DecisionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "duration_seconds",
		Help:      "Time spent inside Engine.Decide, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"decision"})

	LogPipelineFlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log_pipeline",
		Name:      "flushed_total",
		Help:      "Decision records successfully written to the primary store.",
	})

	LogPipelineRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log_pipeline",
		Name:      "requeued_total",
		Help:      "Decision records pushed back onto pending after a write failure.",
	})

	LogPipelineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "log_pipeline",
		Name:      "queue_depth",
		Help:      "Pending entries in the log pipeline's shared queue.",
	})

	JobQueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "job_queue",
		Name:      "pending",
		Help:      "Page-generation jobs waiting to be picked up.",
	})

	JobQueueProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "job_queue",
		Name:      "processing",
		Help:      "Page-generation jobs currently being worked on.",
	})

	JobQueueDelayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "job_queue",
		Name:      "delayed",
		Help:      "Page-generation jobs waiting out a retry backoff.",
	})

	JobQueueDead = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "job_queue",
		Name:      "dead",
		Help:      "Page-generation jobs that exhausted their retry budget.",
	})

	JobAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job_queue",
		Name:      "attempts_total",
		Help:      "Job dispatch outcomes, by result (success/retry/dead_letter).",
	}, []string{"outcome"})

	GeoIPLookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "geoip",
		Name:      "lookup_total",
		Help:      "IP intelligence resolutions, by cache tier that served them.",
	}, []string{"tier"})

	GeoIPDatabaseAgeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "geoip",
		Name:      "database_age_seconds",
		Help:      "Seconds since each on-disk database was last updated.",
	}, []string{"database"})
)

// All returns every collector this package defines, for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DecisionsTotal,
		DecisionsBlockedTotal,
		DecisionScore,
		DecisionDuration,
		LogPipelineFlushedTotal,
		LogPipelineRequeuedTotal,
		LogPipelineQueueDepth,
		JobQueuePending,
		JobQueueProcessing,
		JobQueueDelayed,
		JobQueueDead,
		JobAttemptsTotal,
		GeoIPLookupTotal,
		GeoIPDatabaseAgeSeconds,
	}
}

// NewRegistry builds a fresh Prometheus registry with every collector in
// All() registered, for a process's /metrics endpoint.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(All()...)
	return reg
}
