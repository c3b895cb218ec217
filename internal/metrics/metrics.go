// Package metrics provides Prometheus metrics for the canvas engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts triggered executions by final status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "executions_total",
			Help:      "Total number of executions by final status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	// JobsTotal counts dispatched jobs by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "jobs_total",
			Help:      "Total number of jobs processed by outcome",
		},
		[]string{"outcome"}, // "completed", "error", "retried", "duplicate"
	)

	// JobDuration tracks wall-clock job duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"category"},
	)

	// JobAttempts tracks attempts per job before a terminal outcome.
	JobAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "job_attempts",
			Help:      "Number of attempts per job",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"final_outcome"},
	)

	// ContextItemsDropped counts distillation drops by kind.
	ContextItemsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "context_items_dropped_total",
			Help:      "Context items dropped during distillation",
		},
		[]string{"kind"}, // "dropped", "preserved_overflow"
	)

	// ContextItemsTruncated counts items kept in compressed form.
	ContextItemsTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "context_items_truncated_total",
			Help:      "Context items truncated to fit the distillation budget",
		},
	)

	// ContextTokens tracks distilled context sizes.
	ContextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "context_tokens",
			Help:      "Estimated token count of distilled contexts",
			Buckets:   []float64{100, 500, 1000, 2000, 4000, 8000},
		},
	)

	// QueueDepth tracks enqueued-but-unhandled jobs per tier.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting per tier",
		},
		[]string{"tier"},
	)

	// OrchestratedChildren counts spawned child tasks by type.
	OrchestratedChildren = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "orchestrated_children_total",
			Help:      "Total number of orchestrated child tasks spawned",
		},
		[]string{"task_type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loomstudio",
			Subsystem: "canvas_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
