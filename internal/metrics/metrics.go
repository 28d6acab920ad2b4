// Package metrics exposes Prometheus metrics for the gateway: request
// outcomes, routing decisions, fallback activity, cache effectiveness,
// rate limiting, and stream connection state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelgrid"

// LatencyBuckets covers gateway overhead through slow backend calls.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts pipeline traversals by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total gateway requests by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	// RequestLatency is end-to-end pipeline latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// BackendLatency is single backend attempt latency.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// TimeToFirstToken tracks streaming TTFT.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first streamed token",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// RoutingDecisions counts router outcomes by strategy.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by strategy and chosen provider",
		},
		[]string{"strategy", "provider", "model"},
	)

	// FallbackAttempts counts chain advances by failure reason.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Fallback chain advances by reason class",
		},
		[]string{"from_provider", "reason"},
	)

	// CircuitBreakerState gauges breaker state per target (0 closed,
	// 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per target (0=closed 1=open 2=half-open)",
		},
		[]string{"target"},
	)

	// CacheEvents counts cache lookups by layer and result.
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache lookups by layer (exact, semantic) and result",
		},
		[]string{"layer", "result"},
	)

	// CacheCostSavedUSD accumulates the estimated spend avoided by hits.
	CacheCostSavedUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_cost_saved_usd_total",
			Help:      "Estimated USD saved by cache hits",
		},
	)

	// RateLimitDecisions counts admission results per tier.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by tier and result",
		},
		[]string{"tier", "result"},
	)

	// TokensProcessed counts prompt and completion tokens.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Tokens processed by provider, model, and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	// SpendUSD accumulates backend spend.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Backend spend in USD by provider and model",
		},
		[]string{"provider", "model"},
	)

	// ActiveStreams gauges open stream connections.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Currently open stream connections",
		},
	)

	// StreamEvents counts stream lifecycle events.
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events (opened, closed, dropped, reconnected)",
		},
		[]string{"event"},
	)

	// BackendHealth gauges the balancer health score per instance.
	BackendHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health_score",
			Help:      "Load balancer health score per backend instance",
		},
		[]string{"instance"},
	)
)
