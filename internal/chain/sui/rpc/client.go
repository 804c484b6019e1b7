// Package rpc is a thin client for the Sui JSON-RPC API (sui_* and
// suix_* methods).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jettran001/diamondBotV2/internal/chain/rpcclient"
)

// RPCClient abstracts the Sui RPC surface for testing.
type RPCClient interface {
	LatestCheckpoint(ctx context.Context) (uint64, error)
	ReferenceGasPrice(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, owner string) (string, error)
	ExecuteTransactionBlock(ctx context.Context, txBytes string, signatures []string) (*ExecuteResult, error)
	TransactionBlock(ctx context.Context, digest string) (*TransactionBlock, error)
}

type ExecuteResult struct {
	Digest  string   `json:"digest"`
	Effects *Effects `json:"effects"`
}

type TransactionBlock struct {
	Digest     string   `json:"digest"`
	Checkpoint string   `json:"checkpoint"`
	Effects    *Effects `json:"effects"`
}

type Effects struct {
	Status struct {
		Status string `json:"status"` // "success" | "failure"
		Error  string `json:"error"`
	} `json:"status"`
}

type Client struct {
	core *rpcclient.Client
}

func NewClient(rpcURL string, logger *slog.Logger) *Client {
	return &Client{core: rpcclient.New(rpcURL, logger)}
}

func (c *Client) LatestCheckpoint(ctx context.Context) (uint64, error) {
	result, err := c.core.Call(ctx, "sui_getLatestCheckpointSequenceNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("sui_getLatestCheckpointSequenceNumber: %w", err)
	}
	return unmarshalDecimalUint64(result, "checkpoint")
}

func (c *Client) ReferenceGasPrice(ctx context.Context) (uint64, error) {
	result, err := c.core.Call(ctx, "suix_getReferenceGasPrice", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("suix_getReferenceGasPrice: %w", err)
	}
	return unmarshalDecimalUint64(result, "gas price")
}

// Balance returns the total SUI balance in MIST as a decimal string.
func (c *Client) Balance(ctx context.Context, owner string) (string, error) {
	result, err := c.core.Call(ctx, "suix_getBalance", []interface{}{owner})
	if err != nil {
		return "", fmt.Errorf("suix_getBalance(%s): %w", owner, err)
	}
	var resp struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("unmarshal balance: %w", err)
	}
	return resp.TotalBalance, nil
}

// ExecuteTransactionBlock submits signed transaction bytes and waits for
// local execution so effects are available in the response.
func (c *Client) ExecuteTransactionBlock(ctx context.Context, txBytes string, signatures []string) (*ExecuteResult, error) {
	params := []interface{}{
		txBytes,
		signatures,
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	}
	result, err := c.core.Call(ctx, "sui_executeTransactionBlock", params)
	if err != nil {
		return nil, fmt.Errorf("sui_executeTransactionBlock: %w", err)
	}
	var exec ExecuteResult
	if err := json.Unmarshal(result, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execute result: %w", err)
	}
	return &exec, nil
}

func (c *Client) TransactionBlock(ctx context.Context, digest string) (*TransactionBlock, error) {
	params := []interface{}{
		digest,
		map[string]bool{"showEffects": true},
	}
	result, err := c.core.Call(ctx, "sui_getTransactionBlock", params)
	if err != nil {
		return nil, fmt.Errorf("sui_getTransactionBlock(%s): %w", digest, err)
	}
	var block TransactionBlock
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal transaction block: %w", err)
	}
	return &block, nil
}

func unmarshalDecimalUint64(raw json.RawMessage, what string) (uint64, error) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", what, value, err)
	}
	return parsed, nil
}
