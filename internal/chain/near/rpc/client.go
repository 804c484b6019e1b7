// Package rpc is a thin client for the NEAR JSON-RPC API. NEAR takes
// named parameters, so every method posts a map rather than a positional
// list.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain/rpcclient"
)

// RPCClient abstracts the NEAR RPC surface for testing.
type RPCClient interface {
	BlockHeight(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (string, error)
	ViewAccount(ctx context.Context, accountID string) (*Account, error)
	ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKey, error)
	BroadcastTxAsync(ctx context.Context, signedTx []byte) (string, error)
	TxStatus(ctx context.Context, txHash, senderID string) (*TxResult, error)
}

type Account struct {
	Amount      string `json:"amount"`
	Locked      string `json:"locked"`
	BlockHeight uint64 `json:"block_height"`
}

type AccessKey struct {
	Nonce       uint64 `json:"nonce"`
	BlockHeight uint64 `json:"block_height"`
}

type TxResult struct {
	Status struct {
		SuccessValue *string         `json:"SuccessValue"`
		Failure      json.RawMessage `json:"Failure"`
	} `json:"status"`
	FinalExecutionStatus string `json:"final_execution_status"`
}

type Client struct {
	core *rpcclient.Client
}

func NewClient(rpcURL string, logger *slog.Logger) *Client {
	return &Client{core: rpcclient.New(rpcURL, logger)}
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	result, err := c.core.Call(ctx, "block", map[string]string{"finality": "final"})
	if err != nil {
		return 0, fmt.Errorf("block: %w", err)
	}
	var block struct {
		Header struct {
			Height uint64 `json:"height"`
		} `json:"header"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return 0, fmt.Errorf("unmarshal block: %w", err)
	}
	return block.Header.Height, nil
}

// GasPrice returns the current price in yoctoNEAR per gas unit, as a
// decimal string too large for uint64.
func (c *Client) GasPrice(ctx context.Context) (string, error) {
	result, err := c.core.Call(ctx, "gas_price", []interface{}{nil})
	if err != nil {
		return "", fmt.Errorf("gas_price: %w", err)
	}
	var resp struct {
		GasPrice string `json:"gas_price"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("unmarshal gas price: %w", err)
	}
	return resp.GasPrice, nil
}

func (c *Client) ViewAccount(ctx context.Context, accountID string) (*Account, error) {
	params := map[string]string{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	result, err := c.core.Call(ctx, "query", params)
	if err != nil {
		return nil, fmt.Errorf("view_account(%s): %w", accountID, err)
	}
	var account Account
	if err := json.Unmarshal(result, &account); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &account, nil
}

func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKey, error) {
	params := map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	result, err := c.core.Call(ctx, "query", params)
	if err != nil {
		return nil, fmt.Errorf("view_access_key(%s): %w", accountID, err)
	}
	var key AccessKey
	if err := json.Unmarshal(result, &key); err != nil {
		return nil, fmt.Errorf("unmarshal access key: %w", err)
	}
	return &key, nil
}

// BroadcastTxAsync submits a signed transaction without waiting for
// execution and returns its hash.
func (c *Client) BroadcastTxAsync(ctx context.Context, signedTx []byte) (string, error) {
	params := []interface{}{base64.StdEncoding.EncodeToString(signedTx)}
	result, err := c.core.Call(ctx, "broadcast_tx_async", params)
	if err != nil {
		return "", fmt.Errorf("broadcast_tx_async: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// TxStatus looks a transaction up by hash. senderID routes the query to
// the shard tracking the sender's account.
func (c *Client) TxStatus(ctx context.Context, txHash, senderID string) (*TxResult, error) {
	params := map[string]string{
		"tx_hash":           txHash,
		"sender_account_id": senderID,
		"wait_until":        "NONE",
	}
	result, err := c.core.Call(ctx, "tx", params)
	if err != nil {
		return nil, fmt.Errorf("tx(%s): %w", txHash, err)
	}
	var tx TxResult
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal tx result: %w", err)
	}
	return &tx, nil
}
