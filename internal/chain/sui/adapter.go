// Package sui adapts the Sui JSON-RPC surface. Sui orders transactions by
// owned-object versions instead of an account counter, and execution is
// final once effects are certified, so both GetSequence and deep
// confirmation waiting collapse to simpler forms here.
package sui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jettran001/diamondBotV2/internal/cache"
	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/chain/sui/rpc"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const (
	// transferGasUnits covers a simple transfer's computation budget.
	transferGasUnits    = 2000
	gasPriceCacheTTL    = 10 * time.Second
	balanceCacheTTL     = 5 * time.Second
	finalityPollDefault = time.Second
)

// envelope is the submission payload format: signed transaction bytes and
// signatures travel together through SendRaw's single byte slice.
type envelope struct {
	TxBytes    string   `json:"tx_bytes"`
	Signatures []string `json:"signatures"`
}

type Adapter struct {
	cfg    chain.Config
	rt     *runtime.Runtime
	logger *slog.Logger

	clientMu  sync.Mutex
	clients   map[string]rpc.RPCClient
	newClient func(url string) rpc.RPCClient

	gasCache     *cache.LRU[string, *big.Int]
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
		gasCache:     cache.NewLRU[string, *big.Int](4, gasPriceCacheTTL),
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
		_, err := a.client(url).LatestCheckpoint(ctx)
		return err
	}
	a.rt = runtime.New(cfg, probe, a.logger, rtOpts...)
	return a
}

func (a *Adapter) Start(ctx context.Context) { a.rt.Start(ctx) }

func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

func (a *Adapter) Type() chain.ChainType { return chain.TypeSui }

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

// GetBlockNumber reports the latest checkpoint sequence number.
func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return retry.Do(ctx, a.rt.Exec, "get_checkpoint", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		n, err := a.client(g.Endpoint().URL()).LatestCheckpoint(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "sui_getLatestCheckpointSequenceNumber", err)
		return n, err
	})
}

// GetGasPrice returns the epoch reference gas price in MIST.
func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := a.gasCache.Get("gas_price"); ok {
		return new(big.Int).Set(price), nil
	}
	mist, err := retry.Do(ctx, a.rt.Exec, "get_gas_price", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		p, err := a.client(g.Endpoint().URL()).ReferenceGasPrice(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "suix_getReferenceGasPrice", err)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	price := new(big.Int).SetUint64(mist)
	a.gasCache.Put("gas_price", new(big.Int).Set(price))
	return price, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if bal, ok := a.balanceCache.Get(address); ok {
		return new(big.Int).Set(bal), nil
	}
	raw, err := retry.Do(ctx, a.rt.Exec, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		v, err := a.client(g.Endpoint().URL()).Balance(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "suix_getBalance", err)
		return v, err
	})
	if err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse balance %q", raw)
	}
	a.balanceCache.Put(address, new(big.Int).Set(bal))
	return bal, nil
}

// GetSequence is unsupported: Sui serializes by owned-object version, not
// an account counter.
func (a *Adapter) GetSequence(ctx context.Context, address string) (uint64, error) {
	return 0, chain.ErrSequenceNotSupported
}

func (a *Adapter) EstimateFee(ctx context.Context, payload []byte) (chain.FeeEstimate, error) {
	price, err := a.GetGasPrice(ctx)
	if err != nil {
		return chain.FeeEstimate{}, err
	}
	return chain.FeeEstimate{Price: price, Units: transferGasUnits}, nil
}

func (a *Adapter) SendRaw(ctx context.Context, payload []byte, opts ...chain.SendOption) (chain.TxHandle, error) {
	options := chain.ApplySendOptions(opts)

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.TxBytes == "" {
		return chain.TxHandle{}, fmt.Errorf("payload is not a tx_bytes/signatures envelope: %w", err)
	}

	result, err := retry.Do(ctx, a.rt.Exec, "execute_transaction", func(ctx context.Context, g *rpcpool.Guard) (*rpc.ExecuteResult, error) {
		r, sendErr := a.client(g.Endpoint().URL()).ExecuteTransactionBlock(ctx, env.TxBytes, env.Signatures)
		sendErr = mapSubmissionError(sendErr)
		ratelimit.RecordRPCCall(a.cfg.Name, "sui_executeTransactionBlock", sendErr)
		return r, sendErr
	})
	if err != nil {
		return chain.TxHandle{}, err
	}
	if options.Sender != "" {
		a.balanceCache.Delete(options.Sender)
	}
	return chain.TxHandle{Hash: result.Digest, ChainID: a.cfg.ChainID, SubmittedAt: time.Now()}, nil
}

func mapSubmissionError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	// A consumed or superseded owned-object version must be rebuilt, the
	// same recovery path as a stale account nonce elsewhere.
	case strings.Contains(lower, "objectversionunavailableforconsumption"),
		strings.Contains(lower, "object version"),
		strings.Contains(lower, "is not available for consumption"):
		return &chain.LogicError{Kind: chain.LogicNonceStale, Message: err.Error()}
	case strings.Contains(lower, "insufficientgas"),
		strings.Contains(lower, "insufficient funds"):
		return &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: err.Error()}
	case strings.Contains(lower, "invalid signature"),
		strings.Contains(lower, "invalidsignature"):
		return &chain.LogicError{Kind: chain.LogicInvalidSignature, Message: err.Error()}
	}
	return err
}

// WaitForFinality polls the transaction block until effects are visible.
// Certified effects are final on Sui; there is no confirmation depth.
func (a *Adapter) WaitForFinality(ctx context.Context, handle chain.TxHandle) (chain.FinalityStatus, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		block, err := retry.Do(ctx, a.rt.Exec, "get_transaction_block", func(ctx context.Context, g *rpcpool.Guard) (*rpc.TransactionBlock, error) {
			b, err := a.client(g.Endpoint().URL()).TransactionBlock(ctx, handle.Hash)
			ratelimit.RecordRPCCall(a.cfg.Name, "sui_getTransactionBlock", err)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "could not find") {
				// Not yet visible on the queried node.
				return nil, nil
			}
			return b, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return chain.FinalityTimedOut, nil
			}
			return "", err
		}

		if block != nil && block.Effects != nil {
			if block.Effects.Status.Status == "failure" {
				return chain.FinalityReverted, nil
			}
			return chain.FinalityConfirmed, nil
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
