// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang, the official Prometheus client.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"
	OutcomeBlocked   = "blocked"
)

// Metrics holds all Prometheus metrics for the hookly processes.
//
// Key metrics for monitoring:
//   - events_received_total: inbound event rate at the API
//   - attempts_created_total: attempts materialized by fan-out
//   - deliveries_total{outcome}: dispatch results
//   - dead_lettered_total{queue}: messages that exhausted retries (alerts)
//   - circuit_breaker_state{host}: destination health (0=ok, 2=failing)
type Metrics struct {
	EventsReceived      prometheus.Counter
	EventsFannedOut     prometheus.Counter
	FanoutDropped       *prometheus.CounterVec
	AttemptsCreated     prometheus.Counter
	AttemptsEnqueued    prometheus.Counter
	Deliveries          *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	RetriesScheduled    *prometheus.CounterVec
	DeadLettered        *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer. The namespace prefixes every metric
// name (e.g. "hookly_events_received_total").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events accepted via API",
		}),
		EventsFannedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fanned_out_total",
			Help:      "Total number of fan-out messages processed to completion",
		}),
		FanoutDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Fan-out messages dropped without work, by reason",
		}, []string{"reason"}),
		AttemptsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_created_total",
			Help:      "Total number of delivery attempts inserted by fan-out",
		}),
		AttemptsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_enqueued_total",
			Help:      "Total number of attempts published to the dispatch queue",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of outbound webhook calls by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Messages inserted into a retry queue",
		}, []string{"queue"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Messages rejected to a dead-letter queue",
		}, []string{"queue"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"host"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"host"}),
		RateLimiterRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Deliveries abandoned while waiting on the endpoint rate limiter",
		}, []string{"host"}),
	}
}

// The helpers below are safe on a nil *Metrics so handlers can run without
// metrics in tests.

func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

func (m *Metrics) RetryScheduled(queue string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.WithLabelValues(queue).Inc()
}

func (m *Metrics) DeadLetter(queue string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(queue).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.FanoutDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FannedOut(created, enqueued int) {
	if m == nil {
		return
	}
	m.EventsFannedOut.Inc()
	m.AttemptsCreated.Add(float64(created))
	m.AttemptsEnqueued.Add(float64(enqueued))
}

// RateLimited counts a delivery given up while waiting on the limiter. host
// is the endpoint's host, never the full URL.
func (m *Metrics) RateLimited(host string) {
	if m == nil {
		return
	}
	m.RateLimiterRejections.WithLabelValues(host).Inc()
}

// BreakerStateChanged records a transition reported by the circuit breaker
// manager. The state strings match resilience.CircuitBreakerState.
func (m *Metrics) BreakerStateChanged(host, to string) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case "half-open":
		v = 1
	case "open":
		v = 2
		m.CircuitBreakerTrips.WithLabelValues(host).Inc()
	}
	m.CircuitBreakerState.WithLabelValues(host).Set(v)
}
