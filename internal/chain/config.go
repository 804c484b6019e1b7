package chain

import (
	"fmt"
	"time"
)

// EndpointConfig describes one candidate RPC endpoint for a chain.
type EndpointConfig struct {
	URL    string
	Weight int // higher is preferred
}

// RetryTuning parameterizes the retry executor for one chain.
type RetryTuning struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64 // symmetric, 0..1 of the computed delay
	RateLimitDelay time.Duration
}

// BreakerTuning parameterizes the per-endpoint circuit breakers.
type BreakerTuning struct {
	FailureThreshold int
	WindowDuration   time.Duration
	SuccessThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
	HalfOpenMaxCalls int
}

// PoolTuning parameterizes the endpoint pool and its health loop.
type PoolTuning struct {
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	PromoteSuccesses int
}

// Config is the immutable per-chain configuration. Reconfiguration replaces
// the whole registry entry; nothing mutates a Config after registration.
// The config package owns parsing the YAML roster into these values.
type Config struct {
	ChainID     uint64
	Name        string
	Type        ChainType
	Endpoints   []EndpointConfig
	WSEndpoint  string
	Confirm     uint64
	MaxInFlight int64
	RPS         float64
	Burst       int
	NonceTTL    time.Duration

	Retry   RetryTuning
	Breaker BreakerTuning
	Pool    PoolTuning
}

// Validate rejects configs that would build a broken adapter.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain %q: chain_id is required", c.Name)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("chain %q: unknown chain type %q", c.Name, c.Type)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("chain %q: at least one rpc endpoint is required", c.Name)
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("chain %q: endpoint %d has empty url", c.Name, i)
		}
	}
	return nil
}
