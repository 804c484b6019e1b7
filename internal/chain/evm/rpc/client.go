package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain/rpcclient"
)

// RPCClient is the eth_* surface the adapter consumes. Kept as an interface
// so tests can substitute a mock.
type RPCClient interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (uint64, error)
	GetBalance(ctx context.Context, address string) (string, error)
	GetTransactionCount(ctx context.Context, address string) (uint64, error)
	SendRawTransaction(ctx context.Context, payload []byte) (string, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error)
	GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	NewPendingTransactionFilter(ctx context.Context) (string, error)
	GetFilterChanges(ctx context.Context, filterID string) ([]string, error)
}

type Client struct {
	core *rpcclient.Client
}

func NewClient(rpcURL string, logger *slog.Logger) *Client {
	return &Client{core: rpcclient.New(rpcURL, logger)}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return c.core.Call(ctx, method, params)
}
