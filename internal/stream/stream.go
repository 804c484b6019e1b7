// Package stream publishes observed pending transactions to downstream
// consumers (strategy processes). Two transports: Redis Streams for
// process separation and an in-memory ring for single-process setups and
// tests.
package stream

import (
	"context"

	"github.com/jettran001/diamondBotV2/internal/chain"
)

// Publisher emits pending transactions for one chain.
type Publisher interface {
	Publish(ctx context.Context, chainName string, tx chain.PendingTx) error
	Close() error
}

// Pump drains a WatchPending channel into a publisher until the channel
// closes or ctx ends. Publish errors are returned so the caller can
// restart the stream; the mempool channel itself is owned by the adapter.
func Pump(ctx context.Context, chainName string, in <-chan chain.PendingTx, pub Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-in:
			if !ok {
				return nil
			}
			if err := pub.Publish(ctx, chainName, tx); err != nil {
				return err
			}
		}
	}
}
