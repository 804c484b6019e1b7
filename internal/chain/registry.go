package chain

import (
	"fmt"
	"sync"
)

// AdapterFactory builds an adapter (with its own pool and breakers) from a
// validated config. Injected so the registry stays free of per-family imports.
type AdapterFactory func(cfg Config) (Adapter, error)

// Registry is the process-wide chain table. Registration is rare and
// serialized; lookups are frequent and only take the read lock.
type Registry struct {
	mu       sync.RWMutex
	adapters map[uint64]Adapter
	configs  map[uint64]Config
	factory  AdapterFactory
}

func NewRegistry(factory AdapterFactory) *Registry {
	return &Registry{
		adapters: make(map[uint64]Adapter),
		configs:  make(map[uint64]Config),
		factory:  factory,
	}
}

// Register validates cfg, constructs the adapter, and inserts it. An existing
// entry for the same chain id is closed and replaced whole.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register chain: %w", err)
	}

	adapter, err := r.factory(cfg)
	if err != nil {
		return fmt.Errorf("build adapter for chain %d: %w", cfg.ChainID, err)
	}

	r.mu.Lock()
	old := r.adapters[cfg.ChainID]
	r.adapters[cfg.ChainID] = adapter
	r.configs[cfg.ChainID] = cfg
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Get returns the adapter for chainID or ErrUnknownChain.
func (r *Registry) Get(chainID uint64) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[chainID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrUnknownChain)
	}
	return adapter, nil
}

// Config returns the immutable configuration the chain was registered
// with, websocket endpoint included.
func (r *Registry) Config(chainID uint64) (Config, error) {
	r.mu.RLock()
	cfg, ok := r.configs[chainID]
	r.mu.RUnlock()
	if !ok {
		return Config{}, fmt.Errorf("chain %d: %w", chainID, ErrUnknownChain)
	}
	return cfg, nil
}

// ChainIDs returns the registered chain ids in unspecified order.
func (r *Registry) ChainIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Deregister removes and closes the adapter for chainID, if present.
func (r *Registry) Deregister(chainID uint64) error {
	r.mu.Lock()
	adapter, ok := r.adapters[chainID]
	delete(r.adapters, chainID)
	delete(r.configs, chainID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("chain %d: %w", chainID, ErrUnknownChain)
	}
	return adapter.Close()
}

// Close tears down every registered adapter. The registry is unusable after.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, adapter := range r.adapters {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close chain %d: %w", id, err)
		}
		delete(r.adapters, id)
		delete(r.configs, id)
	}
	return firstErr
}
