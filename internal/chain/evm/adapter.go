package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jettran001/diamondBotV2/internal/cache"
	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/evm/rpc"
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/metrics"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const (
	// baseGasUnits is the intrinsic cost of a transfer; calldata adds the
	// post-EIP-2028 16 gas per byte on top.
	baseGasUnits        = 21000
	gasPerCalldataByte  = 16
	gasPriceCacheTTL    = 3 * time.Second
	balanceCacheTTL     = 5 * time.Second
	finalityPollDefault = 2 * time.Second
	pendingChanBuffer   = 256
	pendingPollInterval = 500 * time.Millisecond
	// watchBackoffDefault throttles pending-watch restarts after a filter
	// setup failure, doubling up to watchBackoffMax. Keeps a node without
	// filter support from eating the chain's rate budget.
	watchBackoffDefault = time.Second
	watchBackoffMax     = time.Minute
)

// Adapter speaks to one EVM-family chain (Ethereum, BSC, Polygon, ...)
// over JSON-RPC. Which concrete chain is a matter of configuration, not
// code: chain id, endpoints and confirmation depth come from the registry.
type Adapter struct {
	cfg    chain.Config
	rt     *runtime.Runtime
	nonces *nonce.Manager
	logger *slog.Logger

	clientMu  sync.Mutex
	clients   map[string]rpc.RPCClient
	newClient func(url string) rpc.RPCClient

	gasCache     *cache.LRU[string, *big.Int]
	balanceCache *cache.LRU[string, *big.Int]

	pollInterval time.Duration
	watchBackoff time.Duration
}

var _ chain.Adapter = (*Adapter)(nil)

// Option tweaks adapter construction, mainly for tests.
type Option func(*Adapter, *[]runtime.Option)

// WithClientFactory substitutes the per-endpoint RPC client constructor.
func WithClientFactory(fn func(url string) rpc.RPCClient) Option {
	return func(a *Adapter, _ *[]runtime.Option) { a.newClient = fn }
}

// WithRuntimeOptions forwards hooks to the underlying chain runtime.
func WithRuntimeOptions(opts ...runtime.Option) Option {
	return func(_ *Adapter, rtOpts *[]runtime.Option) {
		*rtOpts = append(*rtOpts, opts...)
	}
}

func NewAdapter(cfg chain.Config, nonces *nonce.Manager, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:          cfg,
		nonces:       nonces,
		logger:       logger.With("chain", cfg.Name, "chain_id", cfg.ChainID),
		clients:      make(map[string]rpc.RPCClient),
		gasCache:     cache.NewLRU[string, *big.Int](4, gasPriceCacheTTL),
		balanceCache: cache.NewLRU[string, *big.Int](1024, balanceCacheTTL),
		pollInterval: finalityPollDefault,
		watchBackoff: watchBackoffDefault,
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
		_, err := a.client(url).GetBlockNumber(ctx)
		return err
	}
	a.rt = runtime.New(cfg, probe, a.logger, rtOpts...)
	return a
}

// Start launches the background health-check loop.
func (a *Adapter) Start(ctx context.Context) {
	a.rt.Start(ctx)
}

func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

func (a *Adapter) Type() chain.ChainType { return chain.TypeEVM }

// Pool exposes endpoint state for ops/metrics collection.
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

func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return retry.Do(ctx, a.rt.Exec, "get_block_number", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		n, err := a.client(g.Endpoint().URL()).GetBlockNumber(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "eth_blockNumber", err)
		return n, err
	})
}

func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := a.gasCache.Get("gas_price"); ok {
		return new(big.Int).Set(price), nil
	}
	wei, err := retry.Do(ctx, a.rt.Exec, "get_gas_price", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		p, err := a.client(g.Endpoint().URL()).GetGasPrice(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "eth_gasPrice", err)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	price := new(big.Int).SetUint64(wei)
	a.gasCache.Put("gas_price", new(big.Int).Set(price))
	return price, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if bal, ok := a.balanceCache.Get(address); ok {
		return new(big.Int).Set(bal), nil
	}
	hexValue, err := retry.Do(ctx, a.rt.Exec, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		v, err := a.client(g.Endpoint().URL()).GetBalance(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "eth_getBalance", err)
		return v, err
	})
	if err != nil {
		return nil, err
	}
	bal := parseHexBig(hexValue)
	if bal == nil {
		return nil, fmt.Errorf("parse balance %q", hexValue)
	}
	a.balanceCache.Put(address, new(big.Int).Set(bal))
	return bal, nil
}

func (a *Adapter) GetSequence(ctx context.Context, address string) (uint64, error) {
	return retry.Do(ctx, a.rt.Exec, "get_sequence", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		n, err := a.client(g.Endpoint().URL()).GetTransactionCount(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "eth_getTransactionCount", err)
		return n, err
	})
}

// EstimateFee quotes gas price times an intrinsic-cost unit estimate for
// the payload. The payload is already signed, so a full eth_estimateGas
// simulation is not possible; callers needing exact limits estimate before
// signing.
func (a *Adapter) EstimateFee(ctx context.Context, payload []byte) (chain.FeeEstimate, error) {
	price, err := a.GetGasPrice(ctx)
	if err != nil {
		return chain.FeeEstimate{}, err
	}
	return chain.FeeEstimate{
		Price: price,
		Units: uint64(baseGasUnits + len(payload)*gasPerCalldataByte),
	}, nil
}

func (a *Adapter) SendRaw(ctx context.Context, payload []byte, opts ...chain.SendOption) (chain.TxHandle, error) {
	options := chain.ApplySendOptions(opts)

	hash, err := retry.Do(ctx, a.rt.Exec, "send_raw", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		h, sendErr := a.client(g.Endpoint().URL()).SendRawTransaction(ctx, payload)
		sendErr = mapSubmissionError(sendErr)
		ratelimit.RecordRPCCall(a.cfg.Name, "eth_sendRawTransaction", sendErr)
		return h, sendErr
	})
	if err != nil {
		if chain.IsNonceStale(err) && options.Sender != "" && a.nonces != nil {
			a.nonces.Invalidate(a.cfg.ChainID, options.Sender)
		}
		return chain.TxHandle{}, err
	}
	if options.Sender != "" {
		a.balanceCache.Delete(options.Sender)
	}
	return chain.TxHandle{Hash: hash, ChainID: a.cfg.ChainID, SubmittedAt: time.Now()}, nil
}

// mapSubmissionError lifts node rejection messages into the logic-error
// taxonomy so classification upstream never string-matches.
func mapSubmissionError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "nonce too low"),
		strings.Contains(lower, "nonce too high"),
		strings.Contains(lower, "invalid nonce"),
		strings.Contains(lower, "replacement transaction underpriced"):
		return &chain.LogicError{Kind: chain.LogicNonceStale, Message: err.Error()}
	case strings.Contains(lower, "insufficient funds"):
		return &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: err.Error()}
	case strings.Contains(lower, "invalid signature"),
		strings.Contains(lower, "invalid sender"):
		return &chain.LogicError{Kind: chain.LogicInvalidSignature, Message: err.Error()}
	case strings.Contains(lower, "execution reverted"):
		return &chain.LogicError{Kind: chain.LogicReverted, Message: err.Error()}
	}
	return err
}

// WaitForFinality polls the receipt until the transaction is buried under
// the configured confirmation depth, reverts, or ctx expires.
func (a *Adapter) WaitForFinality(ctx context.Context, handle chain.TxHandle) (chain.FinalityStatus, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := retry.Do(ctx, a.rt.Exec, "get_receipt", func(ctx context.Context, g *rpcpool.Guard) (*rpc.TransactionReceipt, error) {
			r, err := a.client(g.Endpoint().URL()).GetTransactionReceipt(ctx, handle.Hash)
			ratelimit.RecordRPCCall(a.cfg.Name, "eth_getTransactionReceipt", err)
			return r, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return chain.FinalityTimedOut, nil
			}
			return "", err
		}

		if receipt != nil {
			if receipt.Status == "0x0" {
				return chain.FinalityReverted, nil
			}
			confirmed, err := a.confirmed(ctx, receipt)
			if err != nil {
				return "", err
			}
			if confirmed {
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

func (a *Adapter) confirmed(ctx context.Context, receipt *rpc.TransactionReceipt) (bool, error) {
	if a.cfg.Confirm == 0 {
		return true, nil
	}
	head, err := a.GetBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	mined, err := rpc.ParseHexUint64(receipt.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("parse receipt block number: %w", err)
	}
	return head >= mined+a.cfg.Confirm, nil
}

// WatchPending polls a node-side pending-transaction filter and emits each
// observed transaction. The subscription transparently restarts on errors;
// the channel closes only when ctx is done.
func (a *Adapter) WatchPending(ctx context.Context) (<-chan chain.PendingTx, error) {
	out := make(chan chain.PendingTx, pendingChanBuffer)
	go a.watchPendingLoop(ctx, out)
	return out, nil
}

func (a *Adapter) watchPendingLoop(ctx context.Context, out chan<- chain.PendingTx) {
	defer close(out)
	log := a.logger.With("component", "mempool")
	backoff := a.watchBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		filterID, client, err := a.openPendingFilter(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.PendingStreamRestarts.WithLabelValues(a.cfg.Name).Inc()
			log.Warn("pending filter setup failed, restarting", "backoff", backoff, "err", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, watchBackoffMax)
			continue
		}
		backoff = a.watchBackoff

		if err := a.drainPendingFilter(ctx, client, filterID, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.PendingStreamRestarts.WithLabelValues(a.cfg.Name).Inc()
			log.Warn("pending stream interrupted, restarting", "err", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// openPendingFilter installs a filter and returns the client bound to the
// endpoint that owns it. Filters are endpoint-local state, so subsequent
// polls must pin that endpoint rather than going through pool selection.
func (a *Adapter) openPendingFilter(ctx context.Context) (string, rpc.RPCClient, error) {
	var client rpc.RPCClient
	filterID, err := retry.Do(ctx, a.rt.Exec, "new_pending_filter", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		c := a.client(g.Endpoint().URL())
		id, err := c.NewPendingTransactionFilter(ctx)
		if err == nil {
			client = c
		}
		return id, err
	})
	if err != nil {
		return "", nil, err
	}
	return filterID, client, nil
}

func (a *Adapter) drainPendingFilter(ctx context.Context, client rpc.RPCClient, filterID string, out chan<- chain.PendingTx) error {
	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		hashes, err := client.GetFilterChanges(ctx, filterID)
		if err != nil {
			return err
		}
		for _, hash := range hashes {
			tx := chain.PendingTx{Hash: hash, SeenAt: time.Now()}
			if full, err := client.GetTransactionByHash(ctx, hash); err == nil && full != nil {
				tx.From = full.From
				tx.To = full.To
				tx.Value = parseHexBig(full.Value)
				tx.GasPrice = parseHexBig(full.GasPrice)
			}
			metrics.PendingTxSeen.WithLabelValues(a.cfg.Name).Inc()
			select {
			case out <- tx:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func parseHexBig(hexValue string) *big.Int {
	if hexValue == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return nil
	}
	return v
}

func (a *Adapter) Close() error {
	return a.rt.Close()
}
