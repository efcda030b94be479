// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
// Chosen for its maturity, wide adoption, and seamless integration with
// the Prometheus ecosystem (Grafana, Alertmanager, etc.).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the safewrite service.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - writes_committed_total: Successful mutation rate
//   - writes_replayed_total: Idempotent replay rate (client retries)
//   - writes_rejected_total: Precondition/key-contract rejections
//   - notifications_dead_total: Deliveries exhausted after max attempts (alerts)
//   - delivery_duration_seconds: Outbound latency distribution
type Metrics struct {
	WritesCommitted  prometheus.Counter
	WritesReplayed   prometheus.Counter
	WritesConflicted prometheus.Counter
	WritesRejected   prometheus.Counter

	NotificationsEnqueued  prometheus.Counter
	NotificationsDelivered prometheus.Counter
	NotificationsRetrying  prometheus.Counter
	NotificationsDead      prometheus.Counter
	DeliveryAttempts       prometheus.Counter
	DeliveryDuration       prometheus.Histogram

	IdempotencyRecordsSwept prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "safewrite_writes_committed_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WritesCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_committed_total",
			Help:      "Total number of mutations that executed and were recorded",
		}),
		WritesReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_replayed_total",
			Help:      "Total number of writes answered from the idempotency cache",
		}),
		WritesConflicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_conflicted_total",
			Help:      "Total number of writes rejected because an identical request was in flight",
		}),
		WritesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_rejected_total",
			Help:      "Total number of writes rejected for precondition or key-reuse violations",
		}),
		NotificationsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_enqueued_total",
			Help:      "Total number of notifications enqueued for delivery",
		}),
		NotificationsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Total number of notifications successfully delivered",
		}),
		NotificationsRetrying: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_retrying_total",
			Help:      "Total number of delivery attempts scheduled for retry",
		}),
		NotificationsDead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dead_total",
			Help:      "Total number of notifications dead-lettered after exhausting attempts",
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts made",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		IdempotencyRecordsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_records_swept_total",
			Help:      "Total number of expired idempotency records deleted by the sweeper",
		}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"endpoint_id"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of deliveries deferred by the rate limiter",
		}, []string{"endpoint_id"}),
	}
}
