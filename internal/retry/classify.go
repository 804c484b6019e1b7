package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class is the retry-relevant category of an attempt error. Classification
// happens once, here, at the boundary between raw transport errors and the
// retry loop; everything above sees only the taxonomy.
type Class string

const (
	ClassRetryable   Class = "retryable"
	ClassRateLimited Class = "rate_limited"
	ClassNonceStale  Class = "nonce_stale"
	ClassFatal       Class = "fatal"
)

// Decision is the classification result. RetryAfter carries the
// provider-hinted delay for rate limiting, zero when absent.
type Decision struct {
	Class      Class
	Reason     string
	RetryAfter time.Duration
}

func (d Decision) Retryable() bool {
	return d.Class != ClassFatal
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Retryable marks err as retryable regardless of its shape.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassRetryable, reason: "explicit_retryable"}
}

// Fatal marks err as non-retryable regardless of its shape.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassFatal, reason: "explicit_fatal"}
}

// Classify maps an attempt error onto the retry taxonomy. Typed errors from
// the chain package win; grpc codes, net.Error and message tokens cover the
// shapes third-party transports leak through.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassFatal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassFatal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassRetryable, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return Decision{Class: ClassRetryable, Reason: "circuit_open"}
	}
	if errors.Is(err, rpcpool.ErrPoolExhausted) {
		return Decision{Class: ClassFatal, Reason: "pool_exhausted"}
	}

	var le *chain.LogicError
	if errors.As(err, &le) {
		if le.Kind == chain.LogicNonceStale {
			return Decision{Class: ClassNonceStale, Reason: "logic_nonce_stale"}
		}
		return Decision{Class: ClassFatal, Reason: "logic_" + string(le.Kind)}
	}

	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.RateLimited():
			return Decision{Class: ClassRateLimited, Reason: "rpc_rate_limited", RetryAfter: rpcErr.RetryAfter}
		case rpcErr.ServerSide():
			return Decision{Class: ClassRetryable, Reason: "rpc_server_error"}
		default:
			return Decision{Class: ClassFatal, Reason: "rpc_client_error"}
		}
	}

	var ne *chain.NetworkError
	if errors.As(err, &ne) {
		return Decision{Class: ClassRetryable, Reason: "network_" + string(ne.Kind)}
	}

	if grpcStatus, ok := status.FromError(err); ok && grpcStatus.Code() != codes.Unknown {
		switch grpcStatus.Code() {
		case codes.Canceled:
			return Decision{Class: ClassFatal, Reason: "grpc_canceled"}
		case codes.ResourceExhausted:
			return Decision{Class: ClassRateLimited, Reason: "grpc_resource_exhausted"}
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return Decision{Class: ClassRetryable, Reason: "grpc_" + strings.ToLower(grpcStatus.Code().String())}
		default:
			return Decision{Class: ClassFatal, Reason: "grpc_" + strings.ToLower(grpcStatus.Code().String())}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassRetryable, Reason: "net_timeout"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, nonceStaleMessageTokens) {
		return Decision{Class: ClassNonceStale, Reason: "message_nonce_stale"}
	}
	if containsAny(lower, rateLimitMessageTokens) {
		return Decision{Class: ClassRateLimited, Reason: "message_rate_limited"}
	}
	if containsAny(lower, fatalMessageTokens) {
		return Decision{Class: ClassFatal, Reason: "message_fatal"}
	}
	if containsAny(lower, retryableMessageTokens) {
		return Decision{Class: ClassRetryable, Reason: "message_retryable"}
	}

	return Decision{Class: ClassFatal, Reason: "unknown_fatal_default"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var retryableMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"no such host",
	"http status 500",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var rateLimitMessageTokens = []string{
	"too many requests",
	"rate limit",
	"http status 429",
}

var nonceStaleMessageTokens = []string{
	"nonce too low",
	"nonce too high",
	"invalid nonce",
	"replacement transaction underpriced",
	"sequence mismatch",
	"invalid sequence",
}

var fatalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"execution reverted",
	"insufficient funds",
	"invalid signature",
	"already known",
}
