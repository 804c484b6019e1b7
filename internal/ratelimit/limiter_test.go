package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstPassesWithoutWaiting(t *testing.T) {
	l := NewLimiter(1, 3, "ethereum")

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	// Burst 1 at a very low rate: the second call must wait, and the
	// canceled context has to release it.
	l := NewLimiter(0.001, 1, "ethereum")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_DefaultsOnBadTuning(t *testing.T) {
	l := NewLimiter(0, 0, "ethereum")
	require.NoError(t, l.Wait(context.Background()))
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"timeout", errors.New("context deadline exceeded"), "timeout"},
		{"rate limited", errors.New("429 Too Many Requests"), "rate_limited"},
		{"server error", errors.New("HTTP 503 Service Unavailable"), "server_error"},
		{"network", errors.New("dial tcp: connection refused"), "network_error"},
		{"default", errors.New("invalid params"), "client_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
		})
	}
}
