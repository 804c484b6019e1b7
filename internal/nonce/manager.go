package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jettran001/diamondBotV2/internal/metrics"
)

// Source fetches the authoritative next sequence number for an address.
// The chain adapter's sequence lookup satisfies this.
type Source interface {
	GetSequence(ctx context.Context, address string) (uint64, error)
}

type key struct {
	chainID uint64
	address string
}

// entry is one (chain, address) sequence counter. Its mutex serializes
// read-and-increment and the authoritative re-fetch; the map-level lock is
// never held across either.
type entry struct {
	mu       sync.Mutex
	next     uint64
	cachedAt time.Time
	valid    bool
}

// Manager hands out monotonically increasing, collision-free sequence
// numbers per (chain, address) under concurrent submitters. Gaps created by
// Invalidate are never reclaimed; forward-only allocation is the only hard
// guarantee.
type Manager struct {
	sources map[uint64]Source
	ttl     time.Duration
	ttls    map[uint64]time.Duration // per-chain overrides of the default TTL
	logger  *slog.Logger
	nowFn   func() time.Time

	mu      sync.RWMutex
	entries map[key]*entry
}

func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sources: make(map[uint64]Source),
		ttl:     ttl,
		ttls:    make(map[uint64]time.Duration),
		logger:  logger.With("component", "nonce"),
		nowFn:   time.Now,
		entries: make(map[key]*entry),
	}
}

// RegisterSource binds the authoritative sequence source for a chain using
// the manager-wide default cache TTL. Called once per chain at registry
// construction.
func (m *Manager) RegisterSource(chainID uint64, src Source) {
	m.RegisterSourceTTL(chainID, src, 0)
}

// RegisterSourceTTL binds the source with a chain-specific cache TTL.
// ttl <= 0 keeps the manager default.
func (m *Manager) RegisterSourceTTL(chainID uint64, src Source, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[chainID] = src
	if ttl > 0 {
		m.ttls[chainID] = ttl
	}
}

func (m *Manager) ttlFor(chainID uint64) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.ttls[chainID]; ok {
		return t
	}
	return m.ttl
}

// Next returns the next sequence number for (chainID, address), fetching
// the authoritative value on first use or TTL expiry. Concurrent callers
// for the same key serialize on the per-key lock, never a global one.
func (m *Manager) Next(ctx context.Context, chainID uint64, address string) (uint64, error) {
	e, src, err := m.lookup(chainID, address)
	if err != nil {
		return 0, err
	}
	ttl := m.ttlFor(chainID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.nowFn()
	if !e.valid || now.Sub(e.cachedAt) > ttl {
		cause := "expired"
		if !e.valid {
			cause = "miss"
		}
		seq, err := src.GetSequence(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("fetch sequence for %s on chain %d: %w", address, chainID, err)
		}
		// A fetched value below our counter means in-flight transactions
		// are not yet visible to the node; keep allocating forward.
		if !e.valid || seq > e.next {
			e.next = seq
		}
		e.cachedAt = now
		e.valid = true
		metrics.NonceRefreshes.WithLabelValues(chainLabel(chainID), cause).Inc()
		m.logger.Debug("nonce seeded", "chain_id", chainID, "address", address, "sequence", e.next)
	}

	allocated := e.next
	e.next++
	metrics.NonceAllocations.WithLabelValues(chainLabel(chainID)).Inc()
	return allocated, nil
}

// Invalidate forces the next Next() call for the key to re-fetch from the
// source. Triggered by the retry layer on a stale-nonce submission failure.
func (m *Manager) Invalidate(chainID uint64, address string) {
	m.mu.RLock()
	e, ok := m.entries[key{chainID: chainID, address: address}]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
	metrics.NonceInvalidations.WithLabelValues(chainLabel(chainID)).Inc()
	m.logger.Debug("nonce invalidated", "chain_id", chainID, "address", address)
}

// BumpTo raises the cached counter to at least n, for callers that learn a
// confirmed sequence number out of band. Never lowers the counter.
func (m *Manager) BumpTo(chainID uint64, address string, n uint64) {
	e, _, err := m.lookup(chainID, address)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid || n > e.next {
		e.next = n
		e.cachedAt = m.nowFn()
		e.valid = true
	}
}

// lookup returns (creating lazily) the entry and source for the key.
func (m *Manager) lookup(chainID uint64, address string) (*entry, Source, error) {
	k := key{chainID: chainID, address: address}

	m.mu.RLock()
	e, ok := m.entries[k]
	src, srcOK := m.sources[chainID]
	m.mu.RUnlock()
	if !srcOK {
		return nil, nil, fmt.Errorf("no sequence source registered for chain %d", chainID)
	}
	if ok {
		return e, src, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[k]; !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e, src, nil
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
