package stream

import (
	"context"
	"sync"

	"github.com/jettran001/diamondBotV2/internal/chain"
)

// MemoryPublisher fans pending transactions out to in-process
// subscribers. Slow subscribers drop messages rather than stalling the
// publisher; a pending feed must never apply backpressure to the watcher.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string][]chan chain.PendingTx
	closed bool
	buffer int
}

func NewMemoryPublisher(buffer int) *MemoryPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryPublisher{
		subs:   make(map[string][]chan chain.PendingTx),
		buffer: buffer,
	}
}

// Subscribe returns a channel of the chain's pending feed. The channel
// closes when the publisher does.
func (p *MemoryPublisher) Subscribe(chainName string) <-chan chain.PendingTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan chain.PendingTx, p.buffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs[chainName] = append(p.subs[chainName], ch)
	return ch
}

func (p *MemoryPublisher) Publish(ctx context.Context, chainName string, tx chain.PendingTx) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	for _, ch := range p.subs[chainName] {
		select {
		case ch <- tx:
		default:
		}
	}
	return nil
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, chans := range p.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	return nil
}
