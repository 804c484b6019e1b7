package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPC resilience counters and histograms, partitioned by chain (and
// endpoint where cardinality stays bounded by configuration).

var (
	// Pool
	PoolAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Total successful endpoint acquisitions",
	}, []string{"chain"})

	PoolExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "exhaustions_total",
		Help:      "Total acquisitions that failed with pool exhaustion",
	}, []string{"chain"})

	PoolReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "releases_total",
		Help:      "Total guard releases by outcome",
	}, []string{"chain", "outcome"})

	EndpointHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "endpoint_health",
		Help:      "Endpoint health state (0 healthy, 1 degraded, 2 unavailable)",
	}, []string{"chain", "endpoint"})

	EndpointLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "endpoint_latency_seconds",
		Help:      "Observed RPC call latency per endpoint",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "endpoint"})

	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "pool",
		Name:      "health_probes_total",
		Help:      "Total background health probes by result",
	}, []string{"chain", "result"})

	// Circuit breaker
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Total circuit breaker state transitions",
	}, []string{"chain", "endpoint", "to"})

	BreakerShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "breaker",
		Name:      "short_circuits_total",
		Help:      "Total calls rejected by an open breaker",
	}, []string{"chain"})

	// Retry executor
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total operation attempts",
	}, []string{"chain", "operation"})

	RetryExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "retry",
		Name:      "exhaustions_total",
		Help:      "Total operations that exhausted max attempts",
	}, []string{"chain", "operation"})

	RetryClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "retry",
		Name:      "classified_errors_total",
		Help:      "Total attempt errors by classification",
	}, []string{"chain", "class"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bot",
		Subsystem: "retry",
		Name:      "operation_duration_seconds",
		Help:      "End-to-end logical operation duration including backoff",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "operation"})

	// Nonce manager
	NonceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "nonce",
		Name:      "allocations_total",
		Help:      "Total nonces handed out",
	}, []string{"chain"})

	NonceRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "nonce",
		Name:      "refreshes_total",
		Help:      "Total authoritative nonce re-fetches by cause",
	}, []string{"chain", "cause"})

	NonceInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "nonce",
		Name:      "invalidations_total",
		Help:      "Total explicit nonce invalidations",
	}, []string{"chain"})

	// Raw RPC calls
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and status class",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total local rate limiter waits",
	}, []string{"chain"})

	// Pending stream
	PendingTxSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "mempool",
		Name:      "pending_tx_total",
		Help:      "Total pending transactions observed",
	}, []string{"chain"})

	PendingStreamRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "mempool",
		Name:      "stream_restarts_total",
		Help:      "Total pending stream resubscribes after errors",
	}, []string{"chain"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts delivered per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bot",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by the dedup cooldown",
	}, []string{"channel", "type"})
)
