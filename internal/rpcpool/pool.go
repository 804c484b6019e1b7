package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrPoolExhausted is returned when no endpoint is usable before the
// caller's deadline. It is fatal for that attempt window; callers decide
// whether to retry the whole operation later.
var ErrPoolExhausted = errors.New("rpc pool exhausted")

// acquirePollInterval bounds how often Acquire re-examines endpoint state
// while waiting for one to become usable.
const acquirePollInterval = 10 * time.Millisecond

// ProbeFunc performs a cheap liveness call (block height) against url.
type ProbeFunc func(ctx context.Context, url string) error

// HealthChangeFunc observes endpoint health transitions, for alerting.
type HealthChangeFunc func(url string, from, to Health)

// Pool owns the RPC endpoints for one chain: selection, outcome accounting,
// and the background health-check loop.
type Pool struct {
	chainName string
	probe     ProbeFunc
	tuning    chain.PoolTuning
	breakerFn func(url string) *circuitbreaker.Breaker
	logger    *slog.Logger
	onHealth  HealthChangeFunc

	mu        sync.RWMutex
	endpoints []*Endpoint

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional pool behavior.
type Option func(*Pool)

func WithHealthChange(fn HealthChangeFunc) Option {
	return func(p *Pool) { p.onHealth = fn }
}

// New builds a pool over the configured endpoints. breakerFn constructs the
// per-endpoint circuit breaker, so the adapter can hook breaker state
// changes into metrics and alerts.
func New(
	chainName string,
	endpoints []chain.EndpointConfig,
	tuning chain.PoolTuning,
	breakerFn func(url string) *circuitbreaker.Breaker,
	probe ProbeFunc,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	if tuning.HealthInterval <= 0 {
		tuning.HealthInterval = 15 * time.Second
	}
	if tuning.ProbeTimeout <= 0 {
		tuning.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		chainName: chainName,
		probe:     probe,
		tuning:    tuning,
		breakerFn: breakerFn,
		logger:    logger.With("component", "rpcpool", "chain", chainName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for _, ep := range endpoints {
		p.endpoints = append(p.endpoints, newEndpoint(ep.URL, ep.Weight, tuning.PromoteSuccesses, breakerFn(ep.URL)))
	}
	return p
}

// Start launches the background health-check loop. Safe to skip in tests.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop(ctx)
	}()
}

// Acquire selects the best usable endpoint: highest weight among Healthy
// ones, tie-break by lowest latency EWMA; Degraded endpoints only when no
// Healthy one passes its breaker. It polls until an endpoint frees up or
// the context expires, returning ErrPoolExhausted on deadline. It never
// blocks indefinitely past the caller's deadline.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("chain %s: pool closed: %w", p.chainName, ErrPoolExhausted)
	}

	for {
		if ep := p.selectEndpoint(); ep != nil {
			metrics.PoolAcquires.WithLabelValues(p.chainName).Inc()
			return &Guard{pool: p, endpoint: ep, acquiredAt: time.Now()}, nil
		}

		timer := time.NewTimer(acquirePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.PoolExhaustions.WithLabelValues(p.chainName).Inc()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("chain %s: %w", p.chainName, ErrPoolExhausted)
			}
			return nil, ctx.Err()
		case <-timer.C:
		}

		if p.closed.Load() {
			return nil, fmt.Errorf("chain %s: pool closed: %w", p.chainName, ErrPoolExhausted)
		}
	}
}

// selectEndpoint returns the preferred usable endpoint or nil. Candidates
// are ordered before the breaker is consulted, because Allow() reserves a
// half-open trial slot and must only run for the endpoint we will hand out.
func (p *Pool) selectEndpoint() *Endpoint {
	p.mu.RLock()
	candidates := make([]*Endpoint, len(p.endpoints))
	copy(candidates, p.endpoints)
	p.mu.RUnlock()

	type scored struct {
		ep      *Endpoint
		health  Health
		weight  int
		latency float64
	}
	usable := make([]scored, 0, len(candidates))
	for _, ep := range candidates {
		health, weight, latency := ep.snapshot()
		if health == Unavailable {
			continue
		}
		usable = append(usable, scored{ep, health, weight, latency})
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].health != usable[j].health {
			return usable[i].health < usable[j].health // Healthy before Degraded
		}
		if usable[i].weight != usable[j].weight {
			return usable[i].weight > usable[j].weight
		}
		return usable[i].latency < usable[j].latency
	})

	for _, s := range usable {
		if s.ep.breaker.Allow() == nil {
			return s.ep
		}
		metrics.BreakerShortCircuits.WithLabelValues(p.chainName).Inc()
	}
	return nil
}

// release is invoked by guards exactly once. A torn-down pool makes it a
// no-op so shutdown is never blocked by outstanding guards.
func (p *Pool) release(ep *Endpoint, outcome Outcome, latency time.Duration) {
	if p.closed.Load() {
		return
	}

	prev := ep.Health()
	switch outcome {
	case OutcomeSuccess:
		ep.recordSuccess(latency)
		ep.breaker.RecordSuccess()
	case OutcomeFailure, OutcomeTimeout:
		ep.recordFailure()
		ep.breaker.RecordFailure()
	}
	p.observeHealth(ep, prev)

	metrics.PoolReleases.WithLabelValues(p.chainName, outcomeLabel(outcome)).Inc()
	metrics.EndpointLatency.WithLabelValues(p.chainName, ep.url).Observe(latency.Seconds())
}

func (p *Pool) observeHealth(ep *Endpoint, prev Health) {
	now := ep.Health()
	if now == prev {
		return
	}
	metrics.EndpointHealth.WithLabelValues(p.chainName, ep.url).Set(float64(now))
	p.logger.Info("endpoint health changed",
		"endpoint", ep.url, "from", prev.String(), "to", now.String())
	if p.onHealth != nil {
		p.onHealth(ep.url, prev, now)
	}
}

// AddEndpoint injects a new endpoint at runtime without re-registering the
// chain. Administrative path; rare.
func (p *Pool) AddEndpoint(url string, weight int) error {
	if p.closed.Load() {
		return fmt.Errorf("pool closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.url == url {
			return fmt.Errorf("endpoint %s already in pool", url)
		}
	}
	p.endpoints = append(p.endpoints, newEndpoint(url, weight, p.tuning.PromoteSuccesses, p.breakerFn(url)))
	p.logger.Info("endpoint added", "endpoint", url, "weight", weight)
	return nil
}

// Endpoints returns a point-in-time snapshot of every endpoint's state.
func (p *Pool) Endpoints() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	infos := make([]Info, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		infos = append(infos, ep.info())
	}
	return infos
}

func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.tuning.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll checks every endpoint concurrently. A failed probe degrades the
// endpoint but is never surfaced to any caller.
func (p *Pool) probeAll(ctx context.Context) {
	p.mu.RLock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gCtx, p.tuning.ProbeTimeout)
			defer cancel()

			prev := ep.Health()
			start := time.Now()
			err := p.probe(probeCtx, ep.url)
			if err != nil {
				ep.recordFailure()
				metrics.HealthProbes.WithLabelValues(p.chainName, "fail").Inc()
				p.logger.Warn("health probe failed", "endpoint", ep.url, "err", err)
			} else {
				ep.recordSuccess(time.Since(start))
				metrics.HealthProbes.WithLabelValues(p.chainName, "ok").Inc()
			}
			p.observeHealth(ep, prev)
			return nil
		})
	}
	_ = g.Wait()
}

// Close tears the pool down. Outstanding guards become no-ops on release.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// Guard is a scoped handle on one endpoint slot. Release runs exactly once
// across all exit paths; after pool shutdown it is a no-op.
type Guard struct {
	pool       *Pool
	endpoint   *Endpoint
	acquiredAt time.Time
	once       sync.Once
}

func (g *Guard) Endpoint() *Endpoint { return g.endpoint }

// Release reports the call outcome back to the pool and breaker.
func (g *Guard) Release(outcome Outcome) {
	g.once.Do(func() {
		g.pool.release(g.endpoint, outcome, time.Since(g.acquiredAt))
	})
}
