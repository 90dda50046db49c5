// Package metrics registers the Prometheus metrics used by BookBot.
// All metrics are registered on the default registry at package init, so the
// /metrics handler mounted by the server exposes them without further setup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics, labelled by cache name ("generate", "embed", ...).
var (
	// CacheRequests counts lookups labelled by result ("hit", "miss", "expired").
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_cache_requests_total",
			Help: "Cache lookups by result.",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictions counts entries removed before a Get could expire them,
	// labelled by reason ("expired", "count", "memory").
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_cache_evictions_total",
			Help: "Cache entries evicted by reason.",
		},
		[]string{"cache", "reason"},
	)

	// CacheRejected counts Set calls dropped because the value alone exceeds
	// the memory budget.
	CacheRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_cache_rejected_total",
			Help: "Cache writes dropped because the value exceeds the memory budget.",
		},
		[]string{"cache"},
	)

	// CacheBytes tracks the running byte total of live entries.
	CacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookbot_cache_bytes",
			Help: "Approximate bytes held by live cache entries.",
		},
		[]string{"cache"},
	)

	// CacheEntries tracks the number of live entries.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookbot_cache_entries",
			Help: "Number of live cache entries.",
		},
		[]string{"cache"},
	)
)

// Rate-limit metrics, labelled by limiter name.
var (
	// RateLimitDecisions counts Acquire outcomes ("allowed", "burst", "rejected").
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_rate_limit_decisions_total",
			Help: "Rate limiter acquire outcomes.",
		},
		[]string{"limiter", "decision"},
	)

	// RateLimitWait observes how long WaitForToken blocked, in seconds.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookbot_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token.",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"limiter"},
	)

	// RateLimitTimeouts counts WaitForToken calls that gave up.
	RateLimitTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_rate_limit_timeouts_total",
			Help: "WaitForToken calls that timed out or were cancelled.",
		},
		[]string{"limiter"},
	)
)

// Resource allocator metrics.
var (
	// ResourceAllocated tracks the amount currently reserved.
	ResourceAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookbot_vram_allocated",
			Help: "VRAM currently reserved by active allocations.",
		},
	)

	// ResourceRejections counts allocations refused for lack of capacity.
	ResourceRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookbot_vram_rejections_total",
			Help: "Allocations refused because they would exceed the budget.",
		},
	)
)

// Token usage and LLM call metrics.
var (
	// TokensInput counts prompt tokens sent to the LLM.
	TokensInput = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookbot_tokens_input_total",
			Help: "Total prompt tokens sent to the LLM.",
		},
	)

	// TokensOutput counts completion tokens received from the LLM.
	TokensOutput = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookbot_tokens_output_total",
			Help: "Total completion tokens received from the LLM.",
		},
	)

	// CostUSD accumulates the estimated spend.
	CostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookbot_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		},
	)

	// LLMRequestDuration observes upstream call latency by operation
	// ("generate", "embed").
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookbot_llm_request_duration_seconds",
			Help:    "LLM call duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	// LLMErrors counts failed upstream calls by class ("transient",
	// "permanent", "circuit_open", "rate_limited").
	LLMErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_llm_errors_total",
			Help: "LLM call failures by class.",
		},
		[]string{"provider", "class"},
	)

	// CircuitBreakerState tracks breaker state: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookbot_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed 1=open 2=half_open).",
		},
		[]string{"upstream"},
	)
)

// Agent metrics.
var (
	// AgentRuns counts agent invocations by outcome ("success", "error", "rejected").
	AgentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookbot_agent_runs_total",
			Help: "Agent invocations by outcome.",
		},
		[]string{"agent", "status"},
	)

	// AgentDuration observes agent run time in seconds.
	AgentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookbot_agent_duration_seconds",
			Help:    "Agent run duration in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)
)
