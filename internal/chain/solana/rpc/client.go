package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain/rpcclient"
)

// RPCClient abstracts the Solana JSON-RPC surface for testing.
type RPCClient interface {
	GetSlot(ctx context.Context, commitment string) (uint64, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error)
	SendTransaction(ctx context.Context, payload []byte) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
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
