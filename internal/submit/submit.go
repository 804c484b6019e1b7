// Package submit owns nonce-carrying transaction submission. A signed
// payload embeds its sequence number, so a stale-sequence rejection cannot
// be retried as-is: the transaction must be rebuilt around a fresh value.
// That rebuild loop lives here, above the transport-level retry executor.
package submit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/signer"
)

// BuildFunc builds and signs a payload around the allocated sequence
// number. It is called once per submission attempt.
type BuildFunc func(ctx context.Context, sequence uint64) ([]byte, error)

// DefaultMaxAttempts bounds stale-sequence rebuilds per submission.
const DefaultMaxAttempts = 3

// Send allocates a sequence number, builds the payload, and submits it,
// rebuilding on stale-sequence rejections up to maxAttempts times. Each
// rejection invalidates the cached sequence so the next allocation
// refetches from the chain.
func Send(
	ctx context.Context,
	adapter chain.Adapter,
	nonces *nonce.Manager,
	sender string,
	build BuildFunc,
	maxAttempts int,
	logger *slog.Logger,
) (chain.TxHandle, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		seq, err := nonces.Next(ctx, adapter.ChainID(), sender)
		if err != nil {
			return chain.TxHandle{}, fmt.Errorf("allocate sequence: %w", err)
		}

		payload, err := build(ctx, seq)
		if err != nil {
			return chain.TxHandle{}, fmt.Errorf("build payload: %w", err)
		}

		handle, err := adapter.SendRaw(ctx, payload, chain.WithSender(sender))
		if err == nil {
			return handle, nil
		}
		if !chain.IsNonceStale(err) {
			return chain.TxHandle{}, err
		}

		// SendRaw already invalidated the cached sequence for the sender;
		// the next Next call refetches before allocating.
		lastErr = err
		logger.Warn("stale sequence, rebuilding transaction",
			"chain_id", adapter.ChainID(), "sender", sender,
			"sequence", seq, "attempt", attempt)
	}
	return chain.TxHandle{}, fmt.Errorf("submission exhausted %d rebuilds: %w", maxAttempts, lastErr)
}

// SendSigned submits a transaction signed by s, with s.Address() as the
// sender. unsigned is the transaction body before sequence assignment and
// signing; it is re-signed around a fresh sequence on every rebuild.
func SendSigned(
	ctx context.Context,
	adapter chain.Adapter,
	nonces *nonce.Manager,
	s signer.Signer,
	unsigned []byte,
	maxAttempts int,
	logger *slog.Logger,
) (chain.TxHandle, error) {
	build := func(ctx context.Context, sequence uint64) ([]byte, error) {
		return s.Sign(ctx, unsigned, sequence)
	}
	return Send(ctx, adapter, nonces, s.Address(), build, maxAttempts, logger)
}

// SendSequenceless submits a payload for chain families without account
// sequences (Solana, Sui). Build receives zero and must ignore it.
func SendSequenceless(ctx context.Context, adapter chain.Adapter, sender string, build BuildFunc) (chain.TxHandle, error) {
	payload, err := build(ctx, 0)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("build payload: %w", err)
	}
	return adapter.SendRaw(ctx, payload, chain.WithSender(sender))
}
