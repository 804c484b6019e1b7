package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jettran001/diamondBotV2/internal/chain"
)

// streamMaxLen bounds each stream with approximate trimming; pending-tx
// feeds are only useful fresh.
const streamMaxLen = 100_000

// RedisPublisher writes pending transactions to one Redis stream per
// chain ("pending:<chain>").
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

// NewRedisPublisherFromClient wraps an existing client; tests use this
// with miniredis.
func NewRedisPublisherFromClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

type wireTx struct {
	Hash     string `json:"hash"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Value    string `json:"value,omitempty"`
	GasPrice string `json:"gas_price,omitempty"`
	SeenAt   int64  `json:"seen_at_ms"`
}

func (p *RedisPublisher) Publish(ctx context.Context, chainName string, tx chain.PendingTx) error {
	wire := wireTx{
		Hash:   tx.Hash,
		From:   tx.From,
		To:     tx.To,
		SeenAt: tx.SeenAt.UnixMilli(),
	}
	if tx.Value != nil {
		wire.Value = tx.Value.String()
	}
	if tx.GasPrice != nil {
		wire.GasPrice = tx.GasPrice.String()
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal pending tx: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(chainName),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"tx": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", StreamKey(chainName), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// StreamKey names the Redis stream carrying a chain's pending feed.
func StreamKey(chainName string) string {
	return "pending:" + chainName
}

// DecodePendingTx reverses Publish's wire encoding, for consumers.
func DecodePendingTx(body []byte) (chain.PendingTx, error) {
	var wire wireTx
	if err := json.Unmarshal(body, &wire); err != nil {
		return chain.PendingTx{}, fmt.Errorf("unmarshal pending tx: %w", err)
	}
	tx := chain.PendingTx{
		Hash:   wire.Hash,
		From:   wire.From,
		To:     wire.To,
		SeenAt: time.UnixMilli(wire.SeenAt),
	}
	tx.Value = parseDecimal(wire.Value)
	tx.GasPrice = parseDecimal(wire.GasPrice)
	return tx, nil
}

func parseDecimal(value string) *big.Int {
	if value == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil
	}
	return v
}
