// Package ratelimit throttles outbound RPC traffic per chain and records
// call metrics with a coarse error classification. Providers throttle by
// key, so the bot self-limits instead of burning retry budget on 429s.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jettran001/diamondBotV2/internal/metrics"
)

// Limiter is a per-chain token bucket. One token per RPC call.
type Limiter struct {
	bucket *rate.Limiter
	chain  string
}

// NewLimiter allows rps calls per second with the given burst. Non-positive
// tuning falls back to conservative defaults.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), burst), chain: chain}
}

// Wait consumes one token, blocking until the bucket refills or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	res := l.bucket.Reserve()
	if !res.OK() {
		return errors.New("rate limiter cannot satisfy a single call")
	}
	wait := res.Delay()
	if wait == 0 {
		return nil
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall counts one call in the per-chain/method metric, labeled
// with the error class.
func RecordRPCCall(chain, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(chain, method, ClassifyRPCError(err)).Inc()
}

// errorClasses maps message tokens to metric labels, checked in order.
// Observability only; retry decisions come from the retry package.
var errorClasses = []struct {
	label  string
	tokens []string
}{
	{"timeout", []string{"timeout", "deadline exceeded"}},
	{"rate_limited", []string{"rate limit", "429", "too many requests"}},
	{"server_error", []string{"500", "502", "503", "internal server error"}},
	{"network_error", []string{
		"connection refused", "connection reset", "network is unreachable",
		"no such host", "broken pipe", "eof",
	}},
}

// ClassifyRPCError buckets an error into a coarse metric category.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	msg := strings.ToLower(err.Error())
	for _, class := range errorClasses {
		for _, token := range class.tokens {
			if strings.Contains(msg, token) {
				return class.label
			}
		}
	}
	return "client_error"
}
