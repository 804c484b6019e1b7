// Package rpc is a thin client for toncenter-style TON HTTP JSON-RPC.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/chain/rpcclient"
)

// RPCClient abstracts the TON RPC surface for testing.
type RPCClient interface {
	MasterchainSeqno(ctx context.Context) (uint64, error)
	AddressBalance(ctx context.Context, address string) (string, error)
	WalletInformation(ctx context.Context, address string) (*WalletInfo, error)
	SendBoc(ctx context.Context, boc []byte) (string, error)
	Transactions(ctx context.Context, address string, limit int) ([]Transaction, error)
}

type WalletInfo struct {
	Wallet  bool   `json:"wallet"`
	Balance string `json:"balance"`
	Seqno   uint64 `json:"seqno"`
}

type Transaction struct {
	UTime uint64 `json:"utime"`
	InMsg struct {
		Hash    string `json:"hash"`
		BodyRaw string `json:"msg_data"`
	} `json:"in_msg"`
	Hash string `json:"hash"`
	Fee  string `json:"fee"`
}

type Client struct {
	core *rpcclient.Client
}

func NewClient(rpcURL string, logger *slog.Logger) *Client {
	return &Client{core: rpcclient.New(rpcURL, logger)}
}

func (c *Client) MasterchainSeqno(ctx context.Context) (uint64, error) {
	result, err := c.core.Call(ctx, "getMasterchainInfo", map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("getMasterchainInfo: %w", err)
	}
	var info struct {
		Last struct {
			Seqno uint64 `json:"seqno"`
		} `json:"last"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, fmt.Errorf("unmarshal masterchain info: %w", err)
	}
	return info.Last.Seqno, nil
}

// AddressBalance returns the balance in nanotons as a decimal string.
func (c *Client) AddressBalance(ctx context.Context, address string) (string, error) {
	result, err := c.core.Call(ctx, "getAddressBalance", map[string]string{"address": address})
	if err != nil {
		return "", fmt.Errorf("getAddressBalance(%s): %w", address, err)
	}
	var balance string
	if err := json.Unmarshal(result, &balance); err != nil {
		return "", fmt.Errorf("unmarshal balance: %w", err)
	}
	return balance, nil
}

func (c *Client) WalletInformation(ctx context.Context, address string) (*WalletInfo, error) {
	result, err := c.core.Call(ctx, "getWalletInformation", map[string]string{"address": address})
	if err != nil {
		return nil, fmt.Errorf("getWalletInformation(%s): %w", address, err)
	}
	var info WalletInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unmarshal wallet info: %w", err)
	}
	return &info, nil
}

// SendBoc submits a serialized external message and returns its hash.
func (c *Client) SendBoc(ctx context.Context, boc []byte) (string, error) {
	params := map[string]string{"boc": base64.StdEncoding.EncodeToString(boc)}
	result, err := c.core.Call(ctx, "sendBocReturnHash", params)
	if err != nil {
		return "", fmt.Errorf("sendBocReturnHash: %w", err)
	}
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("unmarshal send result: %w", err)
	}
	return resp.Hash, nil
}

// Transactions lists an account's most recent transactions, newest first.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	params := map[string]any{"address": address, "limit": limit}
	result, err := c.core.Call(ctx, "getTransactions", params)
	if err != nil {
		return nil, fmt.Errorf("getTransactions(%s): %w", address, err)
	}
	var txs []Transaction
	if err := json.Unmarshal(result, &txs); err != nil {
		return nil, fmt.Errorf("unmarshal transactions: %w", err)
	}
	return txs, nil
}
