package stream

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jettran001/diamondBotV2/internal/chain"
)

func samplePendingTx() chain.PendingTx {
	return chain.PendingTx{
		Hash:     "0xaaa",
		From:     "0xf00",
		To:       "0xba4",
		Value:    big.NewInt(1_000_000_000_000_000_000),
		GasPrice: big.NewInt(2_000_000_000),
		SeenAt:   time.UnixMilli(1_700_000_000_000),
	}
}

func setupRedis(t *testing.T) (*RedisPublisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPublisherFromClient(client), client
}

func TestRedisPublisher_PublishAndDecode(t *testing.T) {
	pub, client := setupRedis(t)

	tx := samplePendingTx()
	require.NoError(t, pub.Publish(context.Background(), "ethereum", tx))

	entries, err := client.XRange(context.Background(), StreamKey("ethereum"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	body, ok := entries[0].Values["tx"].(string)
	require.True(t, ok)

	decoded, err := DecodePendingTx([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, decoded.Hash)
	assert.Equal(t, tx.From, decoded.From)
	assert.Equal(t, tx.To, decoded.To)
	assert.Equal(t, tx.Value.String(), decoded.Value.String())
	assert.Equal(t, tx.GasPrice.String(), decoded.GasPrice.String())
	assert.True(t, tx.SeenAt.Equal(decoded.SeenAt))
}

func TestRedisPublisher_NilAmountsOmitted(t *testing.T) {
	pub, client := setupRedis(t)

	require.NoError(t, pub.Publish(context.Background(), "ethereum", chain.PendingTx{
		Hash:   "0xbare",
		SeenAt: time.Now(),
	}))

	entries, err := client.XRange(context.Background(), StreamKey("ethereum"), "-", "+").Result()
	require.NoError(t, err)
	body := entries[0].Values["tx"].(string)

	decoded, err := DecodePendingTx([]byte(body))
	require.NoError(t, err)
	assert.Nil(t, decoded.Value)
	assert.Nil(t, decoded.GasPrice)
}

func TestRedisPublisher_PerChainStreams(t *testing.T) {
	pub, client := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "ethereum", chain.PendingTx{Hash: "0x1"}))
	require.NoError(t, pub.Publish(ctx, "bsc", chain.PendingTx{Hash: "0x2"}))

	ethLen, err := client.XLen(ctx, StreamKey("ethereum")).Result()
	require.NoError(t, err)
	bscLen, err := client.XLen(ctx, StreamKey("bsc")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ethLen)
	assert.Equal(t, int64(1), bscLen)
}

func TestDecodePendingTx_Malformed(t *testing.T) {
	_, err := DecodePendingTx([]byte("{not json"))
	assert.Error(t, err)
}

func TestMemoryPublisher_Fanout(t *testing.T) {
	pub := NewMemoryPublisher(4)
	a := pub.Subscribe("ethereum")
	b := pub.Subscribe("ethereum")
	other := pub.Subscribe("bsc")

	tx := samplePendingTx()
	require.NoError(t, pub.Publish(context.Background(), "ethereum", tx))

	assert.Equal(t, tx.Hash, (<-a).Hash)
	assert.Equal(t, tx.Hash, (<-b).Hash)
	assert.Empty(t, other, "other chains see nothing")
}

func TestMemoryPublisher_DropsWhenSubscriberFull(t *testing.T) {
	pub := NewMemoryPublisher(1)
	sub := pub.Subscribe("ethereum")

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, "ethereum", chain.PendingTx{Hash: "0x1"}))
	require.NoError(t, pub.Publish(ctx, "ethereum", chain.PendingTx{Hash: "0x2"}), "full subscriber must not block")

	assert.Equal(t, "0x1", (<-sub).Hash)
	assert.Empty(t, sub)
}

func TestMemoryPublisher_CloseClosesSubscribers(t *testing.T) {
	pub := NewMemoryPublisher(1)
	sub := pub.Subscribe("ethereum")

	require.NoError(t, pub.Close())
	_, open := <-sub
	assert.False(t, open)

	// Post-close use is inert.
	assert.NoError(t, pub.Publish(context.Background(), "ethereum", chain.PendingTx{Hash: "0x1"}))
	_, open = <-pub.Subscribe("ethereum")
	assert.False(t, open)
	assert.NoError(t, pub.Close())
}

func TestPump_ForwardsUntilSourceCloses(t *testing.T) {
	pub := NewMemoryPublisher(8)
	sub := pub.Subscribe("ethereum")

	in := make(chan chain.PendingTx, 3)
	in <- chain.PendingTx{Hash: "0x1"}
	in <- chain.PendingTx{Hash: "0x2"}
	close(in)

	require.NoError(t, Pump(context.Background(), "ethereum", in, pub))
	assert.Equal(t, "0x1", (<-sub).Hash)
	assert.Equal(t, "0x2", (<-sub).Hash)
}

func TestPump_StopsOnContextCancel(t *testing.T) {
	pub := NewMemoryPublisher(1)
	in := make(chan chain.PendingTx) // never written, never closed

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Pump(ctx, "ethereum", in, pub) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop on cancel")
	}
}

type failingPublisher struct{ err error }

func (f *failingPublisher) Publish(context.Context, string, chain.PendingTx) error { return f.err }
func (f *failingPublisher) Close() error                                           { return nil }

func TestPump_SurfacesPublishError(t *testing.T) {
	cause := errors.New("redis gone")
	in := make(chan chain.PendingTx, 1)
	in <- chain.PendingTx{Hash: "0x1"}

	err := Pump(context.Background(), "ethereum", in, &failingPublisher{err: cause})
	assert.ErrorIs(t, err, cause)
}
