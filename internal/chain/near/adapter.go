// Package near adapts the NEAR JSON-RPC surface. Access-key nonces make
// NEAR the second family (after EVM) wired into the nonce manager.
package near

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
	"github.com/jettran001/diamondBotV2/internal/chain/near/rpc"
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const (
	// transferGasUnits covers a plain transfer action; contract calls
	// attach their own gas and are estimated before signing.
	transferGasUnits    = 450_000_000_000
	gasPriceCacheTTL    = 3 * time.Second
	balanceCacheTTL     = 5 * time.Second
	finalityPollDefault = 2 * time.Second
	senderMapCapacity   = 4096
)

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

	// senders remembers which account submitted each hash, because the
	// tx-status RPC needs the sender to route to the right shard.
	senders *cache.LRU[string, string]

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
		senders:      cache.NewLRU[string, string](senderMapCapacity, time.Hour),
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
		_, err := a.client(url).BlockHeight(ctx)
		return err
	}
	a.rt = runtime.New(cfg, probe, a.logger, rtOpts...)
	return a
}

func (a *Adapter) Start(ctx context.Context) { a.rt.Start(ctx) }

func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

func (a *Adapter) Type() chain.ChainType { return chain.TypeNEAR }

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
	return retry.Do(ctx, a.rt.Exec, "get_block_height", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		h, err := a.client(g.Endpoint().URL()).BlockHeight(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "block", err)
		return h, err
	})
}

// GetGasPrice returns the protocol gas price in yoctoNEAR per gas unit.
func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := a.gasCache.Get("gas_price"); ok {
		return new(big.Int).Set(price), nil
	}
	raw, err := retry.Do(ctx, a.rt.Exec, "get_gas_price", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		p, err := a.client(g.Endpoint().URL()).GasPrice(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "gas_price", err)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse gas price %q", raw)
	}
	a.gasCache.Put("gas_price", new(big.Int).Set(price))
	return price, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	accountID, _ := splitAddress(address)
	if bal, ok := a.balanceCache.Get(accountID); ok {
		return new(big.Int).Set(bal), nil
	}
	account, err := retry.Do(ctx, a.rt.Exec, "view_account", func(ctx context.Context, g *rpcpool.Guard) (*rpc.Account, error) {
		acc, err := a.client(g.Endpoint().URL()).ViewAccount(ctx, accountID)
		ratelimit.RecordRPCCall(a.cfg.Name, "query/view_account", err)
		return acc, err
	})
	if err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(account.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("parse balance %q", account.Amount)
	}
	a.balanceCache.Put(accountID, new(big.Int).Set(bal))
	return bal, nil
}

// GetSequence reads the access-key nonce. NEAR nonces belong to keys, not
// accounts, so address must carry both: "account_id|ed25519:publickey".
func (a *Adapter) GetSequence(ctx context.Context, address string) (uint64, error) {
	accountID, publicKey := splitAddress(address)
	if publicKey == "" {
		return 0, fmt.Errorf("near address %q missing public key segment", address)
	}
	key, err := retry.Do(ctx, a.rt.Exec, "view_access_key", func(ctx context.Context, g *rpcpool.Guard) (*rpc.AccessKey, error) {
		k, err := a.client(g.Endpoint().URL()).ViewAccessKey(ctx, accountID, publicKey)
		ratelimit.RecordRPCCall(a.cfg.Name, "query/view_access_key", err)
		return k, err
	})
	if err != nil {
		return 0, err
	}
	// On-chain nonce is the last used value; the next usable one is +1.
	return key.Nonce + 1, nil
}

// splitAddress separates "account_id|public_key"; the key part is optional
// for operations that only need the account.
func splitAddress(address string) (accountID, publicKey string) {
	if i := strings.IndexByte(address, '|'); i >= 0 {
		return address[:i], address[i+1:]
	}
	return address, ""
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

	hash, err := retry.Do(ctx, a.rt.Exec, "broadcast_tx", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		h, sendErr := a.client(g.Endpoint().URL()).BroadcastTxAsync(ctx, payload)
		sendErr = mapSubmissionError(sendErr)
		ratelimit.RecordRPCCall(a.cfg.Name, "broadcast_tx_async", sendErr)
		return h, sendErr
	})
	if err != nil {
		if chain.IsNonceStale(err) && options.Sender != "" && a.nonces != nil {
			a.nonces.Invalidate(a.cfg.ChainID, options.Sender)
		}
		return chain.TxHandle{}, err
	}
	if options.Sender != "" {
		accountID, _ := splitAddress(options.Sender)
		a.senders.Put(hash, accountID)
		a.balanceCache.Delete(accountID)
	}
	return chain.TxHandle{Hash: hash, ChainID: a.cfg.ChainID, SubmittedAt: time.Now()}, nil
}

func mapSubmissionError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "invalidnonce"),
		strings.Contains(lower, "invalid_nonce"),
		strings.Contains(lower, "nonce") && strings.Contains(lower, "must be larger"):
		return &chain.LogicError{Kind: chain.LogicNonceStale, Message: err.Error()}
	case strings.Contains(lower, "notenoughbalance"),
		strings.Contains(lower, "lackbalanceforstate"):
		return &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: err.Error()}
	case strings.Contains(lower, "invalidsignature"):
		return &chain.LogicError{Kind: chain.LogicInvalidSignature, Message: err.Error()}
	}
	return err
}

// WaitForFinality polls tx status until execution finishes or ctx expires.
// NEAR reports failures in the execution outcome rather than at broadcast.
func (a *Adapter) WaitForFinality(ctx context.Context, handle chain.TxHandle) (chain.FinalityStatus, error) {
	senderID, ok := a.senders.Get(handle.Hash)
	if !ok {
		// Any valid account routes the lookup; "system" always exists.
		senderID = "system"
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		result, err := retry.Do(ctx, a.rt.Exec, "tx_status", func(ctx context.Context, g *rpcpool.Guard) (*rpc.TxResult, error) {
			r, err := a.client(g.Endpoint().URL()).TxStatus(ctx, handle.Hash, senderID)
			ratelimit.RecordRPCCall(a.cfg.Name, "tx", err)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown_transaction") {
				// Not yet visible on the queried node.
				return nil, nil
			}
			return r, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return chain.FinalityTimedOut, nil
			}
			return "", err
		}

		if result != nil {
			if len(result.Status.Failure) > 0 {
				return chain.FinalityReverted, nil
			}
			if result.Status.SuccessValue != nil && result.FinalExecutionStatus == "FINAL" {
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
