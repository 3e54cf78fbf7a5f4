package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskcqrs"

var (
	// ─── HTTP ────────────────────────────────────────────────────────────────────

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 3, 5},
	}, []string{"service", "method", "route", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"service", "method", "route", "status"})

	HTTPRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the rate limiter.",
	})

	// ─── Command side ────────────────────────────────────────────────────────────

	CommandEventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "events_appended_total",
		Help:      "Total events committed to the event store, by event type.",
	}, []string{"event_type"})

	CommandVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "version_conflicts_total",
		Help:      "Total commands retried after an event version conflict.",
	})

	// ─── Outbox relay ────────────────────────────────────────────────────────────

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Total outbox messages confirmed by the broker, by routing key.",
	}, []string{"routing_key"})

	OutboxPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "publish_failures_total",
		Help:      "Total failed publish attempts.",
	})

	OutboxDead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dead_total",
		Help:      "Total outbox messages that exhausted their attempts.",
	})

	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "backlog",
		Help:      "Outbox messages waiting to be published.",
	})

	OutboxPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "purged_total",
		Help:      "Total published outbox rows removed by housekeeping.",
	})

	// ─── Query side ──────────────────────────────────────────────────────────────

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "cache_hits_total",
		Help:      "Total cache hits, by query shape.",
	}, []string{"query"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "cache_misses_total",
		Help:      "Total cache misses, by query shape.",
	}, []string{"query"})

	CacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "cache_errors_total",
		Help:      "Total cache operations that failed and were treated as a miss.",
	})

	// ─── Notification consumer ───────────────────────────────────────────────────

	NotificationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "processed_total",
		Help:      "Total notifications handled, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	NotificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "duration_seconds",
		Help:      "Time spent handling a notification in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"event_type"})

	NotificationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "retries_total",
		Help:      "Total handler retry attempts.",
	}, []string{"event_type"})

	NotificationDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "dead_lettered_total",
		Help:      "Total messages rejected to the dead-letter exchange.",
	})
)
