// Package metrics holds the Prometheus collectors shared by the API and the
// worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts per-target outcomes by channel.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_dispatch_total",
			Help: "Total number of per-target dispatch outcomes",
		},
		[]string{"platform", "status"}, // status: success|failure
	)

	// DispatchErrors counts failures by classified category.
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_dispatch_errors_total",
			Help: "Total number of failed dispatches by error category",
		},
		[]string{"platform", "category"},
	)

	// DispatchDuration tracks one channel call, batch included.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_dispatch_duration_seconds",
			Help:    "Channel send duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"platform"},
	)

	// RetryAttempts tracks how many attempts a unified send needed.
	RetryAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_dispatch_attempts",
			Help:    "Attempts used per unified send",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// RateLimitDecisions counts admission decisions.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_rate_limit_decisions_total",
			Help: "Rate limit decisions",
		},
		[]string{"tier", "result"}, // result: allowed|rejected|degraded
	)

	// JobsSubmitted counts jobs handed to the queue.
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_jobs_submitted_total",
			Help: "Jobs submitted by shape",
		},
		[]string{"shape", "mode"}, // mode: queued|direct
	)

	// JobsProcessed counts processor outcomes.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_jobs_processed_total",
			Help: "Jobs processed by shape and outcome",
		},
		[]string{"shape", "outcome"}, // outcome: completed|skipped|failed
	)

	// QueueDepth mirrors the last stats snapshot per logical queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "push_queue_jobs",
			Help: "Jobs per logical queue and state",
		},
		[]string{"queue", "state"},
	)

	// WebhookDeliveries counts webhook attempts.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_webhook_deliveries_total",
			Help: "Webhook delivery attempts by event and result",
		},
		[]string{"event", "result"}, // result: delivered|failed
	)
)
