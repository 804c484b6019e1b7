// Package ton adapts the toncenter-style TON RPC surface. Wallet seqno is
// TON's account sequence, so the family participates in nonce management.
package ton

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
	"github.com/jettran001/diamondBotV2/internal/chain/runtime"
	"github.com/jettran001/diamondBotV2/internal/chain/ton/rpc"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/ratelimit"
	"github.com/jettran001/diamondBotV2/internal/retry"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const (
	// baseForwardFee approximates the fixed cost of one external message
	// in nanotons. TON has no spot fee market to quote.
	baseForwardFee      = 5_000_000
	balanceCacheTTL     = 5 * time.Second
	finalityPollDefault = 3 * time.Second
	finalityScanLimit   = 16
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

	balanceCache *cache.LRU[string, *big.Int]

	// senders remembers which wallet submitted each message hash, because
	// confirmation is observed by scanning the sender's transactions.
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
		_, err := a.client(url).MasterchainSeqno(ctx)
		return err
	}
	a.rt = runtime.New(cfg, probe, a.logger, rtOpts...)
	return a
}

func (a *Adapter) Start(ctx context.Context) { a.rt.Start(ctx) }

func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

func (a *Adapter) Type() chain.ChainType { return chain.TypeTON }

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

// GetBlockNumber reports the masterchain seqno.
func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return retry.Do(ctx, a.rt.Exec, "get_masterchain_seqno", func(ctx context.Context, g *rpcpool.Guard) (uint64, error) {
		n, err := a.client(g.Endpoint().URL()).MasterchainSeqno(ctx)
		ratelimit.RecordRPCCall(a.cfg.Name, "getMasterchainInfo", err)
		return n, err
	})
}

func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(baseForwardFee), nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if bal, ok := a.balanceCache.Get(address); ok {
		return new(big.Int).Set(bal), nil
	}
	raw, err := retry.Do(ctx, a.rt.Exec, "get_balance", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		v, err := a.client(g.Endpoint().URL()).AddressBalance(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "getAddressBalance", err)
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

// GetSequence reads the wallet seqno, which is the value the next external
// message must carry.
func (a *Adapter) GetSequence(ctx context.Context, address string) (uint64, error) {
	info, err := retry.Do(ctx, a.rt.Exec, "get_wallet_info", func(ctx context.Context, g *rpcpool.Guard) (*rpc.WalletInfo, error) {
		i, err := a.client(g.Endpoint().URL()).WalletInformation(ctx, address)
		ratelimit.RecordRPCCall(a.cfg.Name, "getWalletInformation", err)
		return i, err
	})
	if err != nil {
		return 0, err
	}
	if !info.Wallet {
		return 0, fmt.Errorf("address %s is not a deployed wallet", address)
	}
	return info.Seqno, nil
}

func (a *Adapter) EstimateFee(ctx context.Context, payload []byte) (chain.FeeEstimate, error) {
	return chain.FeeEstimate{Price: big.NewInt(baseForwardFee), Units: 1}, nil
}

func (a *Adapter) SendRaw(ctx context.Context, payload []byte, opts ...chain.SendOption) (chain.TxHandle, error) {
	options := chain.ApplySendOptions(opts)

	hash, err := retry.Do(ctx, a.rt.Exec, "send_boc", func(ctx context.Context, g *rpcpool.Guard) (string, error) {
		h, sendErr := a.client(g.Endpoint().URL()).SendBoc(ctx, payload)
		sendErr = mapSubmissionError(sendErr)
		ratelimit.RecordRPCCall(a.cfg.Name, "sendBocReturnHash", sendErr)
		return h, sendErr
	})
	if err != nil {
		if chain.IsNonceStale(err) && options.Sender != "" && a.nonces != nil {
			a.nonces.Invalidate(a.cfg.ChainID, options.Sender)
		}
		return chain.TxHandle{}, err
	}
	if options.Sender != "" {
		a.senders.Put(hash, options.Sender)
		a.balanceCache.Delete(options.Sender)
	}
	return chain.TxHandle{Hash: hash, ChainID: a.cfg.ChainID, SubmittedAt: time.Now()}, nil
}

func mapSubmissionError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	switch {
	// Exit code 33 is the wallet contract rejecting a wrong seqno.
	case strings.Contains(lower, "exitcode=33"),
		strings.Contains(lower, "invalid seqno"),
		strings.Contains(lower, "seqno mismatch"):
		return &chain.LogicError{Kind: chain.LogicNonceStale, Message: err.Error()}
	case strings.Contains(lower, "not enough funds"),
		strings.Contains(lower, "balance is too low"):
		return &chain.LogicError{Kind: chain.LogicInsufficientFunds, Message: err.Error()}
	case strings.Contains(lower, "invalid signature"),
		strings.Contains(lower, "exitcode=34"):
		return &chain.LogicError{Kind: chain.LogicInvalidSignature, Message: err.Error()}
	}
	return err
}

// WaitForFinality scans the sender wallet's recent transactions for one
// whose inbound message matches the submitted hash. Without the sender
// there is nothing to scan, so the wait times out.
func (a *Adapter) WaitForFinality(ctx context.Context, handle chain.TxHandle) (chain.FinalityStatus, error) {
	sender, ok := a.senders.Get(handle.Hash)
	if !ok {
		a.logger.Warn("finality wait without recorded sender", "hash", handle.Hash)
		<-ctx.Done()
		return chain.FinalityTimedOut, nil
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		txs, err := retry.Do(ctx, a.rt.Exec, "get_transactions", func(ctx context.Context, g *rpcpool.Guard) ([]rpc.Transaction, error) {
			t, err := a.client(g.Endpoint().URL()).Transactions(ctx, sender, finalityScanLimit)
			ratelimit.RecordRPCCall(a.cfg.Name, "getTransactions", err)
			return t, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return chain.FinalityTimedOut, nil
			}
			return "", err
		}

		for _, tx := range txs {
			if tx.InMsg.Hash == handle.Hash {
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
