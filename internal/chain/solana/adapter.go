// Package solana adapts the Solana JSON-RPC surface. Solana has no account
// nonce and no node-side mempool filter, so GetSequence and WatchPending
// return sentinel errors instead of emulating those features.
package solana

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jettran001/diamondBotV2/internal/cache"
	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/chain/solana/rpc"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const (
	// lamportsPerSignature is the fixed base fee per transaction signature.
	lamportsPerSignature = 5000
	feeCacheTTL          = 3 * time.Second
	balanceCacheTTL      = 5 * time.Second
	finalityPollDefault  = time.Second
)

type Adapter struct {
	cfg    chain.Config
	rt     *runtime.Runtime
	logger *slog.Logger

	clientMu  sync.Mutex
	clients   map[string]rpc.RPCClient
	newClient func(url string) rpc.RPCClient

	feeCache     *cache.LRU[string, *big.Int]
	balanceCache *cache.LRU[string, *big.Int]

	pollInterval time.Duration
}

var _ chain.Adapter = (*Adapter)(nil)

type Option func(*Adapter, *[]runtime.Option)

func WithClientFactory(fn func(url string) rpc.RPCClient) Option {
	return func(a *Adapter, _ *[]runtime.Option) { a.newClient = fn }
}

func WithRuntimeOptions(opts ...runtime.Option) Option {
	return func(_ *Adapter, rtOpts *[]runtime.Option) {
		*rtOpts = append(*rtOpts, opts...)
	}
}

func NewAdapter(cfg chain.Config, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:          cfg,
		logger:       logger.With("chain", cfg.Name, "chain_id", cfg.ChainID),
		clients:      make(map[string]rpc.RPCClient),
		feeCache:     cache.NewLRU[string, *big.Int](4, feeCacheTTL),
		balanceCache: cache.NewLRU[string, *big.Int](1024, balanceCacheTTL),
		pollInterval: finalityPollDefault,
	}
	a.newClient = func(url string) rpc.RPCClient {
		return rpc.NewClient(url, a.logger)
	}
	var rtOpts []runtime.Option
	for _, opt := range opts {
		if opt != nil {
			opt(a, &rtOpts)
		}
	}

	probe := func(ctx context.Context, url string) error {
		_, err := a.client(url).GetSlot(ctx, "confirmed")
		return err
	}
	a.rt = runtime.New(cfg, probe, a.logger, rtOpts...)
	return a
}

func (a *Adapter) Start(ctx context.Context) { a.rt.Start(ctx) }

func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

func (a *Adapter) Type() chain.ChainType { return chain.TypeSolana }

func (a *Adapter) Pool() *rpcpool.Pool { return a.rt.Pool }

func (a *Adapter) client(url string) rpc.RPCClient {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	c, ok := a.clients[url]
	if !ok {
		c = a.newClient(url)
		a.clients[url] = c
	}
	return c
}

// GetBlockNumber reports the current confirmed slot.
func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return retry.Do(ctx, a.rt.Exec, "get_slot", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		slot, err := a.client(g.Endpoint().URL()).GetSlot(ctx, "confirmed")
		ratelimit.RecordRPCCall(a.cfg.Name, "getSlot", err)
		return slot, err
	})
}

// GetGasPrice quotes lamports per signature: the fixed base fee plus the
// median of recently observed prioritization fees.
func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := a.feeCache.Get("fee"); ok {
		return new(big.Int).Set(price), nil
	}
	fees, err := retry.Do(ctx, a.rt.Exec, "get_prioritization_fees", func(ctx context.Context, g *rpcpool.Guard) ([]rpc.PrioritizationFee, error) {
		f, err := a.client(g.Endpoint().URL()).GetRecentPrioritizationFees(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "getRecentPrioritizationFees", err)
		return f, err
	})
	if err != nil {
		return nil, err
	}
	price := new(big.Int).SetUint64(lamportsPerSignature + medianFee(fees))
	a.feeCache.Put("fee", new(big.Int).Set(price))
	return price, nil
}

func medianFee(fees []rpc.PrioritizationFee) uint64 {
	if len(fees) == 0 {
		return 0
	}
	values := make([]uint64, len(fees))
	for i, f := range fees {
		values[i] = f.PrioritizationFee
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values[len(values)/2]
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if bal, ok := a.balanceCache.Get(address); ok {
		return new(big.Int).Set(bal), nil
	}
	lamports, err := retry.Do(ctx, a.rt.Exec, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		v, err := a.client(g.Endpoint().URL()).GetBalance(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "getBalance", err)
		return v, err
	})
	if err != nil {
		return nil, err
	}
	bal := new(big.Int).SetUint64(lamports)
	a.balanceCache.Put(address, new(big.Int).Set(bal))
	return bal, nil
}

// GetSequence is unsupported: Solana transactions are deduplicated by
// recent blockhash, not an account counter.
func (a *Adapter) GetSequence(ctx context.Context, address string) (uint64, error) {
	return 0, chain.ErrSequenceNotSupported
}

// EstimateFee quotes the per-signature price with Units = 1; Solana fees
// do not scale with payload size.
func (a *Adapter) EstimateFee(ctx context.Context, payload []byte) (chain.FeeEstimate, error) {
	price, err := a.GetGasPrice(ctx)
	if err != nil {
		return chain.FeeEstimate{}, err
	}
	return chain.FeeEstimate{Price: price, Units: 1}, nil
}

func (a *Adapter) SendRaw(ctx context.Context, payload []byte, opts ...chain.SendOption) (chain.TxHandle, error) {
	options := chain.ApplySendOptions(opts)

	signature, err := retry.Do(ctx, a.rt.Exec, "send_transaction", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		sig, sendErr := a.client(g.Endpoint().URL()).SendTransaction(ctx, payload)
		sendErr = mapSubmissionError(sendErr)
		ratelimit.RecordRPCCall(a.cfg.Name, "sendTransaction", sendErr)
		return sig, sendErr
	})
	if err != nil {
		return chain.TxHandle{}, err
	}
	if options.Sender != "" {
		a.balanceCache.Delete(options.Sender)
	}
	return chain.TxHandle{Hash: signature, ChainID: a.cfg.ChainID, SubmittedAt: time.Now()}, nil
}

// mapSubmissionError lifts node rejection messages into the logic-error
// taxonomy. An expired blockhash plays the stale-sequence role here: the
// transaction must be rebuilt before it can be resubmitted.
func mapSubmissionError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "blockhash not found"),
		strings.Contains(lower, "blockhash expired"):
		return &chain.LogicError{Kind: chain.LogicNonceStale, Message: err.Error()}
	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient lamports"):
		return &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: err.Error()}
	case strings.Contains(lower, "signature verification failure"):
		return &chain.LogicError{Kind: chain.LogicInvalidSignature, Message: err.Error()}
	}
	return err
}

// WaitForFinality polls signature statuses until the transaction reaches
// the commitment the confirmation depth implies, fails on-chain, or ctx
// expires. A nonzero depth requires finalized commitment.
func (a *Adapter) WaitForFinality(ctx context.Context, handle chain.TxHandle) (chain.FinalityStatus, error) {
	target := "confirmed"
	if a.cfg.Confirm > 0 {
		target = "finalized"
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		status, err := retry.Do(ctx, a.rt.Exec, "get_signature_status", func(ctx context.Context, g *rpcpool.Guard) (*rpc.SignatureStatus, error) {
			statuses, err := a.client(g.Endpoint().URL()).GetSignatureStatuses(ctx, []string{handle.Hash})
			ratelimit.RecordRPCCall(a.cfg.Name, "getSignatureStatuses", err)
			if err != nil {
				return nil, err
			}
			if len(statuses) == 0 {
				return nil, nil
			}
			return statuses[0], nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return chain.FinalityTimedOut, nil
			}
			return "", err
		}

		if status != nil {
			if status.Err != nil {
				return chain.FinalityReverted, nil
			}
			if status.ConfirmationStatus == "finalized" ||
				(target == "confirmed" && status.ConfirmationStatus == "confirmed") {
				return chain.FinalityConfirmed, nil
			}
		}

		select {
		case <-ctx.Done():
			return chain.FinalityTimedOut, nil
		case <-ticker.C:
		}
	}
}

func (a *Adapter) WatchPending(ctx context.Context) (<-chan chain.PendingTx, error) {
	return nil, chain.ErrPendingNotSupported
}

func (a *Adapter) Close() error {
	return a.rt.Close()
}
