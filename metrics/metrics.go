// Package metrics exposes Prometheus collectors for the orchestration core.
// Collectors are registered on the default registry; binaries that want a
// scrape endpoint mount promhttp.Handler themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished counts bus publishes by message type.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "bus",
		Name:      "messages_published_total",
		Help:      "Messages published to the bus, by message type.",
	}, []string{"type"})

	// RequestTimeouts counts send-and-wait calls that expired before a
	// correlated response arrived.
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "bus",
		Name:      "request_timeouts_total",
		Help:      "Request/response exchanges that timed out.",
	})

	// ValidationAttempts counts generate/validate cycles.
	ValidationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "validation",
		Name:      "attempts_total",
		Help:      "Validation attempts across all tasks.",
	})

	// ValidationRejections counts failed validations.
	ValidationRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "validation",
		Name:      "rejections_total",
		Help:      "Validation rejections across all tasks.",
	})

	// Escalations counts tasks handed off after exhausting retries.
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "validation",
		Name:      "escalations_total",
		Help:      "Tasks escalated after exhausting automated retries.",
	})

	// PhaseDuration observes wall-clock duration of executed phases.
	PhaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meshrun",
		Subsystem: "runner",
		Name:      "phase_duration_seconds",
		Help:      "Wall-clock duration of executed plan phases.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// TasksCompleted counts tasks by terminal outcome.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshrun",
		Subsystem: "runner",
		Name:      "tasks_total",
		Help:      "Tasks finished by the runner, by outcome.",
	}, []string{"outcome"})
)
