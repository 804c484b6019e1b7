package chain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCError_RateLimited(t *testing.T) {
	assert.True(t, (&RPCError{HTTPStatus: 429}).RateLimited())
	assert.True(t, (&RPCError{Code: -32005}).RateLimited())
	assert.False(t, (&RPCError{HTTPStatus: 500}).RateLimited())
	assert.False(t, (&RPCError{Code: -32602}).RateLimited())
}

func TestRPCError_ServerSide(t *testing.T) {
	assert.True(t, (&RPCError{HTTPStatus: 500}).ServerSide())
	assert.True(t, (&RPCError{HTTPStatus: 503}).ServerSide())
	assert.True(t, (&RPCError{Code: -32000}).ServerSide())
	assert.True(t, (&RPCError{Code: -32099}).ServerSide())
	assert.False(t, (&RPCError{Code: -32602}).ServerSide(), "invalid params is a client error")
	assert.False(t, (&RPCError{HTTPStatus: 400}).ServerSide())
}

func TestRPCError_ErrorIncludesHTTPStatus(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "boom", HTTPStatus: 502}
	assert.Contains(t, err.Error(), "http 502")

	err = &RPCError{Code: -32000, Message: "boom", RetryAfter: 2 * time.Second}
	assert.NotContains(t, err.Error(), "http")
}

func TestNetworkError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := &NetworkError{Kind: NetworkConnRefused, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection_refused")
}

func TestIsNonceStale(t *testing.T) {
	require.True(t, IsNonceStale(NonceStale("nonce too low")))
	require.True(t, IsNonceStale(fmt.Errorf("submit: %w", NonceStale("seqno 12 expected 14"))))

	assert.False(t, IsNonceStale(&LogicError{Kind: LogicReverted, Message: "out of gas"}))
	assert.False(t, IsNonceStale(errors.New("nonce too low")), "plain strings never match")
	assert.False(t, IsNonceStale(nil))
}
