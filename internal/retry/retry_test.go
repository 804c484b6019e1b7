package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, urls ...string) *rpcpool.Pool {
	t.Helper()
	endpoints := make([]chain.EndpointConfig, 0, len(urls))
	for _, u := range urls {
		endpoints = append(endpoints, chain.EndpointConfig{URL: u, Weight: 1})
	}
	breakerFn := func(url string) *circuitbreaker.Breaker {
		return circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 100})
	}
	probe := func(ctx context.Context, url string) error { return nil }
	p := rpcpool.New("testchain", endpoints, chain.PoolTuning{}, breakerFn, probe, slog.Default())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testExecutor(t *testing.T, pool *rpcpool.Pool, tuning chain.RetryTuning) (*Executor, *[]time.Duration) {
	t.Helper()
	ex := NewExecutor("testchain", pool, nil, 8, tuning, slog.Default())
	var slept []time.Duration
	ex.sleepFn = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return ex, &slept
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, slept := testExecutor(t, pool, chain.RetryTuning{MaxAttempts: 3})

	calls := 0
	got, err := Do(context.Background(), ex, "get_block_number", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, slept := testExecutor(t, pool, chain.RetryTuning{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	})

	calls := 0
	got, err := Do(context.Background(), ex, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		calls++
		if calls < 3 {
			return "", &chain.NetworkError{Kind: chain.NetworkTimeout, Err: errors.New("i/o timeout")}
		}
		return "0xde0b6b3a7640000", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0xde0b6b3a7640000", got)
	assert.Equal(t, 3, calls)
	// Jitter disabled, so the backoff sequence is exact.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestDo_FailsOverAcrossEndpoints(t *testing.T) {
	pool := testPool(t, "https://a.example.org", "https://b.example.org", "https://c.example.org")
	ex, _ := testExecutor(t, pool, chain.RetryTuning{MaxAttempts: 3, BaseDelay: time.Millisecond})

	// a and b time out; each failure demotes the endpoint so the next
	// attempt lands on the next healthy one. c answers.
	heights := map[string]uint64{"https://c.example.org": 1000}
	var visited []string
	got, err := Do(context.Background(), ex, "get_block_number", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		url := g.Endpoint().URL()
		visited = append(visited, url)
		h, ok := heights[url]
		if !ok {
			return 0, &chain.NetworkError{Kind: chain.NetworkTimeout, Err: errors.New("i/o timeout")}
		}
		return h, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got)
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org", "https://c.example.org"}, visited)

	failures := map[string]int{}
	for _, info := range pool.Endpoints() {
		failures[info.URL] = info.ConsecFailures
	}
	assert.Equal(t, 1, failures["https://a.example.org"])
	assert.Equal(t, 1, failures["https://b.example.org"])
	assert.Equal(t, 0, failures["https://c.example.org"])
}

func TestDo_BackoffCapsAtMaxDelay(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, slept := testExecutor(t, pool, chain.RetryTuning{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2,
	})

	_, err := Do(context.Background(), ex, "get_gas_price", func(ctx context.Context, g *rpcpool.Guard) (struct{}, error) {
		return struct{}{}, &chain.RPCError{HTTPStatus: 503, Message: "unavailable"}
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, *slept)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, slept := testExecutor(t, pool, chain.RetryTuning{MaxAttempts: 5})

	calls := 0
	_, err := Do(context.Background(), ex, "send_raw", func(ctx context.Context, g *rpcpool.Guard) (chain.TxHandle, error) {
		calls++
		return chain.TxHandle{}, &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: "broke"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Ctx.Attempts)
}

func TestDo_NonceStaleStopsImmediately(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, _ := testExecutor(t, pool, chain.RetryTuning{MaxAttempts: 5})

	calls := 0
	_, err := Do(context.Background(), ex, "send_raw", func(ctx context.Context, g *rpcpool.Guard) (chain.TxHandle, error) {
		calls++
		return chain.TxHandle{}, chain.NonceStale("nonce too low")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, chain.IsNonceStale(err), "stale-nonce cause must stay visible through the wrap")
}

func TestDo_RateLimitedHonorsRetryAfter(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, slept := testExecutor(t, pool, chain.RetryTuning{
		MaxAttempts:    3,
		RateLimitDelay: time.Second,
	})

	calls := 0
	_, err := Do(context.Background(), ex, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (struct{}, error) {
		calls++
		if calls == 1 {
			return struct{}{}, &chain.RPCError{HTTPStatus: 429, RetryAfter: 5 * time.Second}
		}
		return struct{}{}, &chain.RPCError{HTTPStatus: 429}
	})
	require.Error(t, err)
	// First delay comes from the provider hint, second from tuning.
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second}, *slept)
}

func TestDo_ExhaustionWrapsContext(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex, _ := testExecutor(t, pool, chain.RetryTuning{MaxAttempts: 2, BaseDelay: time.Millisecond})

	cause := &chain.NetworkError{Kind: chain.NetworkConnRefused, Err: errors.New("connection refused")}
	_, err := Do(context.Background(), ex, "get_block_number", func(ctx context.Context, g *rpcpool.Guard) (int, error) {
		return 0, cause
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "get_block_number", exhausted.Ctx.Operation)
	assert.Equal(t, "testchain", exhausted.Ctx.Chain)
	assert.Equal(t, 2, exhausted.Ctx.Attempts)
	assert.Len(t, exhausted.Ctx.Endpoints, 2)
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, exhausted.Ctx.ID)
}

func TestDo_CanceledContextDuringBackoff(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex := NewExecutor("testchain", pool, nil, 8, chain.RetryTuning{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Second,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	ex.sleepFn = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	_, err := Do(ctx, ex, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (struct{}, error) {
		calls++
		return struct{}{}, &chain.NetworkError{Kind: chain.NetworkTimeout, Err: errors.New("timeout")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation during backoff must not start another attempt")
}

func TestBackoffDelay_JitterStaysWithinBounds(t *testing.T) {
	pool := testPool(t, "https://a.example.org")
	ex := NewExecutor("testchain", pool, nil, 8, chain.RetryTuning{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}, slog.Default())

	for i := 0; i < 100; i++ {
		d := ex.backoffDelay(2)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}
