// Package observability exposes Prometheus metrics for the admission engine.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"to"},
	)

	generationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_outcomes_total",
			Help: "Generation call outcomes.",
		},
		[]string{"outcome"},
	)

	generationTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_timeouts_total",
			Help: "Generation timeouts by kind (hard deadline vs aborted early).",
		},
		[]string{"kind"},
	)

	generationLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_latency_seconds",
			Help:    "Latency of successful generation calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	pregenDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pregen_decisions_total",
			Help: "Pre-generation admission decisions by gate outcome.",
		},
		[]string{"outcome"},
	)

	fallbackResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_resolutions_total",
			Help: "Fallback cascade resolutions by tier (or exhausted).",
		},
		[]string{"tier"},
	)

	fallbackCacheBypassTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fallback_cache_bypass_total",
			Help: "Tier-1 resolutions that relaxed the recently-served filter.",
		},
	)

	poolCoverage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_coverage_ratio",
			Help: "Aggregate frame-pool shortfall across active sessions.",
		},
	)

	poolActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_active_sessions",
			Help: "Sessions with consumption activity inside the inactivity window.",
		},
	)

	tokensAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pregen_tokens_available",
			Help: "Tokens currently available in the pre-generation bucket.",
		},
	)

	idempotencyHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_requests_total",
			Help: "Idempotency cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func SetBreakerState(state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.Set(v)
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}

func ObserveGeneration(outcome string, latencySeconds float64) {
	generationOutcomesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" && latencySeconds > 0 {
		generationLatencySeconds.Observe(latencySeconds)
	}
}

func ObserveTimeout(kind string) {
	generationTimeoutsTotal.WithLabelValues(kind).Inc()
}

func ObservePreGenDecision(outcome string) {
	pregenDecisionsTotal.WithLabelValues(outcome).Inc()
}

func ObserveFallback(tier string, bypassedCache bool) {
	fallbackResolutionsTotal.WithLabelValues(tier).Inc()
	if bypassedCache {
		fallbackCacheBypassTotal.Inc()
	}
}

func SetPoolCoverage(coverage float64, activeSessions int) {
	poolCoverage.Set(coverage)
	poolActiveSessions.Set(float64(activeSessions))
}

func SetTokensAvailable(n int) {
	tokensAvailable.Set(float64(n))
}

func ObserveIdempotency(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	idempotencyHitsTotal.WithLabelValues(outcome).Inc()
}
