package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return unmarshalHexUint64(result, "block number")
}

func (c *Client) GetGasPrice(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_gasPrice", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return unmarshalHexUint64(result, "gas price")
}

// GetBalance returns the hex-encoded wei balance at the latest block.
func (c *Client) GetBalance(ctx context.Context, address string) (string, error) {
	result, err := c.call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return "", fmt.Errorf("eth_getBalance(%s): %w", address, err)
	}
	var hexValue string
	if err := json.Unmarshal(result, &hexValue); err != nil {
		return "", fmt.Errorf("unmarshal balance: %w", err)
	}
	return hexValue, nil
}

// GetTransactionCount returns the pending-tag nonce, so queued transactions
// are counted.
func (c *Client) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", address, err)
	}
	return unmarshalHexUint64(result, "transaction count")
}

func (c *Client) SendRawTransaction(ctx context.Context, payload []byte) (string, error) {
	raw := "0x" + hex.EncodeToString(payload)
	result, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{raw})
	if err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) NewPendingTransactionFilter(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "eth_newPendingTransactionFilter", []interface{}{})
	if err != nil {
		return "", fmt.Errorf("eth_newPendingTransactionFilter: %w", err)
	}
	var filterID string
	if err := json.Unmarshal(result, &filterID); err != nil {
		return "", fmt.Errorf("unmarshal filter id: %w", err)
	}
	return filterID, nil
}

func (c *Client) GetFilterChanges(ctx context.Context, filterID string) ([]string, error) {
	result, err := c.call(ctx, "eth_getFilterChanges", []interface{}{filterID})
	if err != nil {
		return nil, fmt.Errorf("eth_getFilterChanges: %w", err)
	}
	var hashes []string
	if err := json.Unmarshal(result, &hashes); err != nil {
		return nil, fmt.Errorf("unmarshal filter changes: %w", err)
	}
	return hashes, nil
}

func unmarshalHexUint64(raw json.RawMessage, what string) (uint64, error) {
	var hexValue string
	if err := json.Unmarshal(raw, &hexValue); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	value, err := ParseHexUint64(hexValue)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", what, err)
	}
	return value, nil
}

func ParseHexUint64(value string) (uint64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return parsed, nil
}
