// Package metrics provides Prometheus instrumentation for the request
// governor. All metric collectors are registered on init via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GovernorQueueDepth tracks pending jobs per governed upstream.
	GovernorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_queue_depth",
			Help: "Jobs currently waiting in the priority queue",
		},
		[]string{"upstream"},
	)

	// GovernorSubmissions counts accepted submissions by priority.
	GovernorSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_submissions_total",
			Help: "Total jobs accepted into the queue",
		},
		[]string{"upstream", "priority"},
	)

	// GovernorDispatches counts executed upstream calls by outcome
	// (success, rate_limited, failure).
	GovernorDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_dispatches_total",
			Help: "Total upstream calls executed, by outcome",
		},
		[]string{"upstream", "outcome"},
	)

	// GovernorRejections counts jobs rejected without an upstream call,
	// by reason (daily_cap, circuit_open, reset).
	GovernorRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_rejections_total",
			Help: "Total jobs rejected without an upstream call, by reason",
		},
		[]string{"upstream", "reason"},
	)

	// GovernorCircuitState reports the circuit state (0 closed, 1 open).
	GovernorCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_circuit_state",
			Help: "Circuit breaker state (0 = closed, 1 = open)",
		},
		[]string{"upstream"},
	)

	// GovernorCircuitTransitions counts circuit state changes.
	GovernorCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"upstream", "from", "to"},
	)

	// GovernorRateLimited reports whether the upstream rate-limit window
	// is active (0/1).
	GovernorRateLimited = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_rate_limited",
			Help: "Whether an upstream rate-limit window is active (0/1)",
		},
		[]string{"upstream"},
	)

	// GovernorConsecutiveFailures tracks the current failure streak.
	GovernorConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_consecutive_failures",
			Help: "Consecutive generic failures since the last success",
		},
		[]string{"upstream"},
	)

	// GovernorPacingInterval reports the current minimum spacing between
	// dispatches, in seconds.
	GovernorPacingInterval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_pacing_interval_seconds",
			Help: "Current adaptive minimum interval between dispatches",
		},
		[]string{"upstream"},
	)

	// GovernorDailyRequests tracks requests spent against the daily cap.
	GovernorDailyRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_daily_requests",
			Help: "Upstream requests spent today",
		},
		[]string{"upstream"},
	)

	// GovernorDailyLimit reports the configured daily cap.
	GovernorDailyLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_daily_limit",
			Help: "Configured hard daily request cap",
		},
		[]string{"upstream"},
	)

	// GovernorQuotaUsed tracks the advisory period quota consumed.
	GovernorQuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_quota_used",
			Help: "Advisory period quota consumed",
		},
		[]string{"upstream"},
	)

	// GovernorQuotaLimit reports the configured advisory quota budget.
	GovernorQuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_quota_limit",
			Help: "Configured advisory period quota budget",
		},
		[]string{"upstream"},
	)

	// UpstreamLatency observes upstream call latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	// PersistenceFailures counts failed usage-counter writes.
	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_persistence_failures_total",
			Help: "Total failed writes of the persisted usage counters",
		},
		[]string{"upstream"},
	)

	// EventsDropped counts events lost to slow subscribers.
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_events_dropped_total",
			Help: "Total state-change events dropped by slow subscribers",
		},
		[]string{"upstream", "type"},
	)

	// CacheHits counts result-cache hits served within their logical TTL.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_cache_hits_total",
			Help: "Result cache hits within the advised TTL",
		},
	)

	// CacheMisses counts result-cache lookups that found nothing usable.
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	// CacheStaleServes counts entries served past their logical TTL while
	// the upstream was degraded.
	CacheStaleServes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_cache_stale_serves_total",
			Help: "Cache entries served past their TTL during degraded upstream health",
		},
	)

	// RequestsTotal counts ops HTTP requests by path, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"path", "method", "status"},
	)

	// RequestDuration observes ops HTTP latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// RateLimitHits counts ops-endpoint rate limit rejections.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_http_rate_limit_hits_total",
			Help: "Total HTTP rate limit rejections",
		},
		[]string{"path"},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		GovernorQueueDepth,
		GovernorSubmissions,
		GovernorDispatches,
		GovernorRejections,
		GovernorCircuitState,
		GovernorCircuitTransitions,
		GovernorRateLimited,
		GovernorConsecutiveFailures,
		GovernorPacingInterval,
		GovernorDailyRequests,
		GovernorDailyLimit,
		GovernorQuotaUsed,
		GovernorQuotaLimit,
		UpstreamLatency,
		PersistenceFailures,
		EventsDropped,
		CacheHits,
		CacheMisses,
		CacheStaleServes,
		RequestsTotal,
		RequestDuration,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
