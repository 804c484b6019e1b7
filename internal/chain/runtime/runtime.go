// Package runtime assembles the per-chain resilience plumbing every
// adapter needs: the endpoint pool with per-endpoint circuit breakers, the
// rate limiter, and the retry executor. Adapters own chain semantics; this
// package owns how calls get to an endpoint.
package runtime

import (
	"context"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/metrics"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

// BreakerChangeFunc observes per-endpoint breaker transitions.
type BreakerChangeFunc func(endpoint string, from, to circuitbreaker.State)

// Runtime is the assembled call path for one chain.
type Runtime struct {
	Pool *rpcpool.Pool
	Exec *retry.Executor
}

// Option configures optional runtime behavior.
type Option func(*options)

type options struct {
	onBreaker BreakerChangeFunc
	onHealth  rpcpool.HealthChangeFunc
}

// WithBreakerChange adds an observer for breaker state transitions.
func WithBreakerChange(fn BreakerChangeFunc) Option {
	return func(o *options) { o.onBreaker = fn }
}

// WithHealthChange adds an observer for endpoint health transitions.
func WithHealthChange(fn rpcpool.HealthChangeFunc) Option {
	return func(o *options) { o.onHealth = fn }
}

// New wires pool, breakers, limiter and executor from one chain config.
// probe is the cheap liveness call the health loop uses.
func New(cfg chain.Config, probe rpcpool.ProbeFunc, logger *slog.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	breakerFn := func(url string) *circuitbreaker.Breaker {
		return circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			WindowDuration:   cfg.Breaker.WindowDuration,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
			BaseCooldown:     cfg.Breaker.BaseCooldown,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.BreakerTransitions.WithLabelValues(cfg.Name, url, to.String()).Inc()
				if o.onBreaker != nil {
					o.onBreaker(url, from, to)
				}
			},
		})
	}

	var poolOpts []rpcpool.Option
	if o.onHealth != nil {
		poolOpts = append(poolOpts, rpcpool.WithHealthChange(o.onHealth))
	}
	pool := rpcpool.New(cfg.Name, cfg.Endpoints, cfg.Pool, breakerFn, probe, logger, poolOpts...)

	limiter := ratelimit.NewLimiter(cfg.RPS, cfg.Burst, cfg.Name)
	exec := retry.NewExecutor(cfg.Name, pool, limiter, cfg.MaxInFlight, cfg.Retry, logger)

	return &Runtime{Pool: pool, Exec: exec}
}

// Start launches the pool's background health loop.
func (r *Runtime) Start(ctx context.Context) { r.Pool.Start(ctx) }

func (r *Runtime) Close() error { return r.Pool.Close() }
