package rpcpool

import (
	"sync"
	"time"

	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
)

// Health is the pool's view of one endpoint.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Outcome is what a guard reports back when it is released.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeTimeout is a failure caused by the caller's deadline expiring
	// mid-call. It participates in breaker accounting like any failure.
	OutcomeTimeout
)

// latencyAlpha is the EWMA smoothing factor for observed call latency.
const latencyAlpha = 0.3

// Endpoint is one candidate RPC endpoint with its health bookkeeping and
// circuit breaker. All mutation happens under the endpoint's own lock,
// never a pool-wide one.
type Endpoint struct {
	url     string
	weight  int
	breaker *circuitbreaker.Breaker

	mu               sync.Mutex
	health           Health
	consecFailures   int
	consecSuccesses  int
	latencyEWMA      float64 // milliseconds
	lastCheckedAt    time.Time
	promoteSuccesses int
}

func newEndpoint(url string, weight int, promoteSuccesses int, breaker *circuitbreaker.Breaker) *Endpoint {
	if promoteSuccesses <= 0 {
		promoteSuccesses = 3
	}
	return &Endpoint{
		url:              url,
		weight:           weight,
		breaker:          breaker,
		health:           Healthy,
		promoteSuccesses: promoteSuccesses,
	}
}

func (e *Endpoint) URL() string { return e.url }

func (e *Endpoint) Breaker() *circuitbreaker.Breaker { return e.breaker }

// Health returns the current health state.
func (e *Endpoint) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// snapshot returns selection-relevant fields in one lock acquisition.
func (e *Endpoint) snapshot() (Health, int, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, e.weight, e.latencyEWMA
}

// recordSuccess updates latency EWMA and promotes one health level after
// enough consecutive successes. Promotion is deliberately slower than
// demotion: fast to distrust, slow to trust.
func (e *Endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := float64(latency.Microseconds()) / 1000.0
	if e.latencyEWMA == 0 {
		e.latencyEWMA = ms
	} else {
		e.latencyEWMA = latencyAlpha*ms + (1-latencyAlpha)*e.latencyEWMA
	}

	e.consecFailures = 0
	e.consecSuccesses++
	e.lastCheckedAt = time.Now()

	if e.health != Healthy && e.consecSuccesses >= e.promoteSuccesses {
		e.health--
		e.consecSuccesses = 0
	}
}

// recordFailure demotes one health level immediately.
func (e *Endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecSuccesses = 0
	e.consecFailures++
	e.lastCheckedAt = time.Now()

	if e.health != Unavailable {
		e.health++
	}
}

// Info is a point-in-time copy of an endpoint's state for metrics and ops.
type Info struct {
	URL             string
	Weight          int
	Health          Health
	ConsecFailures  int
	LatencyEWMA     float64
	LastCheckedAt   time.Time
	BreakerState    circuitbreaker.State
	BreakerCooldown time.Duration
}

func (e *Endpoint) info() Info {
	// Breaker state is read before taking e.mu: GetState may fire a
	// state-change callback and must not run under the endpoint lock.
	state := e.breaker.GetState()
	cooldown := e.breaker.Cooldown()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		URL:             e.url,
		Weight:          e.weight,
		Health:          e.health,
		ConsecFailures:  e.consecFailures,
		LatencyEWMA:     e.latencyEWMA,
		LastCheckedAt:   e.lastCheckedAt,
		BreakerState:    state,
		BreakerCooldown: cooldown,
	}
}

// ConsecFailures returns the consecutive-failure counter.
func (e *Endpoint) ConsecFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecFailures
}
