package chain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to callers. They are stable and matched with
// errors.Is so calling layers never string-match. ErrCircuitOpen and
// ErrPoolExhausted live with their owning packages (circuitbreaker, rpcpool).
var (
	ErrUnknownChain         = errors.New("chain not registered")
	ErrPendingNotSupported  = errors.New("pending stream not supported for chain family")
	ErrSequenceNotSupported = errors.New("chain family has no account sequence")
)

// NetworkKind subdivides transport-level failures.
type NetworkKind string

const (
	NetworkTimeout     NetworkKind = "timeout"
	NetworkConnRefused NetworkKind = "connection_refused"
	NetworkDNS         NetworkKind = "dns_failure"
)

// NetworkError wraps a transport failure before any RPC response was decoded.
type NetworkError struct {
	Kind NetworkKind
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC level failure returned by an endpoint.
type RPCError struct {
	Code       int
	Message    string
	HTTPStatus int
	// RetryAfter carries the provider-hinted delay on rate limiting, zero
	// when the provider gave none.
	RetryAfter time.Duration
}

func (e *RPCError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("rpc error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RateLimited reports whether the endpoint asked us to back off.
func (e *RPCError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.Code == -32005
}

// ServerSide reports whether the failure is the provider's, not ours.
func (e *RPCError) ServerSide() bool {
	if e.HTTPStatus >= 500 {
		return true
	}
	// Implementation-defined JSON-RPC server error range.
	return e.Code <= -32000 && e.Code >= -32099
}

// LogicKind subdivides chain-level transaction failures.
type LogicKind string

const (
	LogicNonceStale        LogicKind = "nonce_stale"
	LogicInsufficientFunds LogicKind = "insufficient_funds"
	LogicInvalidSignature  LogicKind = "invalid_signature"
	LogicReverted          LogicKind = "reverted"
)

// LogicError is a chain-semantics failure: the RPC round-trip worked but the
// chain rejected the transaction.
type LogicError struct {
	Kind    LogicKind
	Message string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("chain logic %s: %s", e.Kind, e.Message)
}

// NonceStale constructs the logic error the retry layer reacts to by
// invalidating the cached nonce.
func NonceStale(msg string) error {
	return &LogicError{Kind: LogicNonceStale, Message: msg}
}

// IsNonceStale reports whether err carries a stale-nonce rejection.
func IsNonceStale(err error) bool {
	var le *LogicError
	return errors.As(err, &le) && le.Kind == LogicNonceStale
}
