package chain

import (
	"context"
	"math/big"
	"time"
)

// ChainType identifies the chain family an adapter speaks to.
type ChainType string

const (
	TypeEVM    ChainType = "evm"
	TypeSolana ChainType = "solana"
	TypeNEAR   ChainType = "near"
	TypeTON    ChainType = "ton"
	TypeSui    ChainType = "sui"
)

func (t ChainType) Valid() bool {
	switch t {
	case TypeEVM, TypeSolana, TypeNEAR, TypeTON, TypeSui:
		return true
	}
	return false
}

// FinalityStatus is the outcome of waiting for a transaction to finalize.
type FinalityStatus string

const (
	FinalityConfirmed FinalityStatus = "confirmed"
	FinalityReverted  FinalityStatus = "reverted"
	FinalityTimedOut  FinalityStatus = "timed_out"
)

// TxHandle identifies a submitted transaction on its chain.
type TxHandle struct {
	Hash        string
	ChainID     uint64
	SubmittedAt time.Time
}

// FeeEstimate is a chain-agnostic fee quote. For chains without a fee
// market, Price carries the fixed/derived per-unit price and Units is 1.
type FeeEstimate struct {
	Price *big.Int // per gas/compute unit, native denomination
	Units uint64   // estimated units for the payload
}

// Total returns Price * Units.
func (f FeeEstimate) Total() *big.Int {
	if f.Price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(f.Price, new(big.Int).SetUint64(f.Units))
}

// PendingTx is one transaction observed in a node's mempool, delivered in
// the order the node reported it.
type PendingTx struct {
	Hash     string
	From     string
	To       string
	Value    *big.Int
	GasPrice *big.Int
	Raw      []byte
	SeenAt   time.Time
}

// SendOptions carries optional submission metadata.
type SendOptions struct {
	// Sender is the submitting address, used for nonce-cache recovery on
	// stale-sequence rejections. Optional.
	Sender string
}

type SendOption func(*SendOptions)

// WithSender attaches the submitting address to a SendRaw call.
func WithSender(address string) SendOption {
	return func(o *SendOptions) { o.Sender = address }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Adapter presents one capability set regardless of the underlying chain
// family. Implementations never retry internally; every method is a single
// retryable unit that the caller wraps with the retry executor.
type Adapter interface {
	ChainID() uint64
	Type() ChainType

	GetBlockNumber(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetSequence returns the authoritative next sequence number (nonce,
	// account sequence) for the address. Adapters for chains without a
	// per-account sequence return ErrSequenceNotSupported.
	GetSequence(ctx context.Context, address string) (uint64, error)

	EstimateFee(ctx context.Context, payload []byte) (FeeEstimate, error)

	// SendRaw submits a pre-signed payload. The adapter does not inspect
	// or re-encode it beyond what submission requires. When the caller
	// supplies WithSender, a stale-nonce rejection invalidates that
	// sender's cached sequence before the error is surfaced, so the next
	// allocation re-fetches the authoritative value.
	SendRaw(ctx context.Context, payload []byte, opts ...SendOption) (TxHandle, error)

	// WaitForFinality polls until the transaction is confirmed, reverted,
	// or the context deadline expires (FinalityTimedOut, no error).
	WaitForFinality(ctx context.Context, handle TxHandle) (FinalityStatus, error)

	// WatchPending emits pending transactions as the node reports them.
	// The stream is lazy and restartable: subscription errors trigger an
	// internal resubscribe, and the channel closes only when ctx is done.
	// Families without an observable mempool return ErrPendingNotSupported.
	WatchPending(ctx context.Context) (<-chan PendingTx, error)

	// Close releases the adapter's pool and background loops.
	Close() error
}
