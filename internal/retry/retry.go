package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/metrics"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
	"github.com/jettran001/diamondBotV2/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// Context is the per-call attempt record attached to exhausted errors so
// callers can diagnose without re-deriving what happened.
type Context struct {
	ID        string
	Operation string
	Chain     string
	Attempts  int
	Elapsed   time.Duration
	Endpoints []string // endpoint per attempt, in order
	LastErr   error
}

// ExhaustedError wraps the final attempt error with the accumulated call
// context once retries stop.
type ExhaustedError struct {
	Ctx Context
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s on %s failed after %d attempt(s) in %s (endpoints: %s): %v",
		e.Ctx.Operation, e.Ctx.Chain, e.Ctx.Attempts, e.Ctx.Elapsed.Round(time.Millisecond),
		strings.Join(e.Ctx.Endpoints, ","), e.Ctx.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.Ctx.LastErr }

// Executor runs logical operations for one chain: acquire an endpoint,
// attempt, classify, back off, repeat. Attempts within one call are strictly
// sequential; independent calls run in parallel bounded by the per-chain
// in-flight semaphore.
type Executor struct {
	chainName string
	pool      *rpcpool.Pool
	limiter   *ratelimit.Limiter
	inflight  *semaphore.Weighted
	tuning    chain.RetryTuning
	logger    *slog.Logger
	sleepFn   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	rand *rand.Rand
}

func NewExecutor(chainName string, pool *rpcpool.Pool, limiter *ratelimit.Limiter, maxInFlight int64, tuning chain.RetryTuning, logger *slog.Logger) *Executor {
	if tuning.MaxAttempts <= 0 {
		tuning.MaxAttempts = 4
	}
	if tuning.BaseDelay <= 0 {
		tuning.BaseDelay = 200 * time.Millisecond
	}
	if tuning.MaxDelay <= 0 || tuning.MaxDelay < tuning.BaseDelay {
		tuning.MaxDelay = 3 * time.Second
	}
	if tuning.Multiplier <= 1 {
		tuning.Multiplier = 2
	}
	if tuning.RateLimitDelay <= 0 {
		tuning.RateLimitDelay = 1 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		chainName: chainName,
		pool:      pool,
		limiter:   limiter,
		inflight:  semaphore.NewWeighted(maxInFlight),
		tuning:    tuning,
		logger:    logger.With("component", "retry", "chain", chainName),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, or attempts
// are exhausted. Each attempt re-acquires an endpoint guard from the pool,
// so consecutive attempts may land on different endpoints.
//
// NonceStale-classified errors stop the loop: a fixed payload cannot
// recover from a stale sequence number. The submit package owns the
// invalidate-refetch-rebuild cycle around this executor.
func Do[T any](ctx context.Context, ex *Executor, operation string, fn func(ctx context.Context, g *rpcpool.Guard) (T, error)) (T, error) {
	var zero T

	if err := ex.inflight.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("%s on %s: %w", operation, ex.chainName, err)
	}
	defer ex.inflight.Release(1)

	tracer := tracing.Tracer("retry")
	ctx, span := tracer.Start(ctx, operation)
	span.SetAttributes(attribute.String("chain", ex.chainName))
	defer span.End()

	rctx := Context{
		ID:        uuid.NewString(),
		Operation: operation,
		Chain:     ex.chainName,
	}
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(ex.chainName, operation).Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		rctx.Attempts = attempt
		metrics.RetryAttempts.WithLabelValues(ex.chainName, operation).Inc()

		if ex.limiter != nil {
			if err := ex.limiter.Wait(ctx); err != nil {
				rctx.LastErr = err
				rctx.Elapsed = time.Since(start)
				span.SetStatus(otelcodes.Error, "rate limiter interrupted")
				return zero, &ExhaustedError{Ctx: rctx}
			}
		}

		guard, err := ex.pool.Acquire(ctx)
		if err != nil {
			// Pool exhaustion is fatal for this attempt window; the
			// caller decides whether to run the whole operation again.
			rctx.LastErr = err
			rctx.Elapsed = time.Since(start)
			span.SetStatus(otelcodes.Error, "acquire failed")
			return zero, &ExhaustedError{Ctx: rctx}
		}
		rctx.Endpoints = append(rctx.Endpoints, guard.Endpoint().URL())

		result, err := fn(ctx, guard)
		if err == nil {
			guard.Release(rpcpool.OutcomeSuccess)
			span.SetStatus(otelcodes.Ok, "")
			return result, nil
		}

		outcome := rpcpool.OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = rpcpool.OutcomeTimeout
		}
		guard.Release(outcome)

		decision := Classify(err)
		metrics.RetryClassified.WithLabelValues(ex.chainName, string(decision.Class)).Inc()
		rctx.LastErr = err
		rctx.Elapsed = time.Since(start)

		if decision.Class == ClassFatal || decision.Class == ClassNonceStale {
			span.SetStatus(otelcodes.Error, decision.Reason)
			return zero, &ExhaustedError{Ctx: rctx}
		}
		if attempt >= ex.tuning.MaxAttempts {
			metrics.RetryExhaustions.WithLabelValues(ex.chainName, operation).Inc()
			span.SetStatus(otelcodes.Error, "attempts exhausted")
			return zero, &ExhaustedError{Ctx: rctx}
		}

		var delay time.Duration
		if decision.Class == ClassRateLimited {
			delay = decision.RetryAfter
			if delay <= 0 {
				delay = ex.tuning.RateLimitDelay
			}
		} else {
			delay = ex.backoffDelay(attempt)
		}

		ex.logger.Debug("retrying operation",
			"operation", operation, "attempt", attempt,
			"class", string(decision.Class), "reason", decision.Reason,
			"delay", delay, "err", err)

		if err := ex.sleep(ctx, delay); err != nil {
			rctx.LastErr = err
			rctx.Elapsed = time.Since(start)
			span.SetStatus(otelcodes.Error, "canceled during backoff")
			return zero, &ExhaustedError{Ctx: rctx}
		}
	}
}

// backoffDelay computes base * multiplier^(attempt-1) capped at max, with
// symmetric random jitter to avoid synchronized retry storms.
func (ex *Executor) backoffDelay(attempt int) time.Duration {
	delay := float64(ex.tuning.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= ex.tuning.Multiplier
		if delay >= float64(ex.tuning.MaxDelay) {
			delay = float64(ex.tuning.MaxDelay)
			break
		}
	}

	if f := ex.tuning.JitterFraction; f > 0 {
		ex.mu.Lock()
		jitter := (ex.rand.Float64()*2 - 1) * f
		ex.mu.Unlock()
		delay *= 1 + jitter
	}

	d := time.Duration(delay)
	if d > ex.tuning.MaxDelay {
		d = ex.tuning.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (ex *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if ex.sleepFn != nil {
		return ex.sleepFn(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
