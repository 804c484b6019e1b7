package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open. It is a
// fast-fail: no network attempt was made and it does not count as a new
// breaker failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting requests
	StateHalfOpen              // Testing if endpoint recovered
)

// Breaker gates calls against one RPC endpoint. Failures are counted in a
// sliding time window; the open cooldown doubles on every half-open trip
// back to open and resets to base after a sustained closed period.
//
// State-change callbacks run after the breaker lock is released, so a slow
// observer (an alert webhook, say) never stalls Allow or the record paths.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         []time.Time  // failure timestamps inside the window
	successCount     int          // consecutive successes in half-open
	pending          []transition // transitions awaiting callback delivery
	halfOpenInFlight int
	failureThreshold int
	successThreshold int
	halfOpenMaxCalls int
	windowDuration   time.Duration
	baseCooldown     time.Duration
	maxCooldown      time.Duration
	cooldown         time.Duration
	openedAt         time.Time
	closedSince      time.Time
	nowFn            func() time.Time
	onStateChange    func(from, to State)
}

// transition is one state change queued under the lock and delivered to the
// callback by the same caller once the lock is dropped.
type transition struct{ from, to State }

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // failures within WindowDuration before opening (default: 5)
	WindowDuration   time.Duration // sliding failure-count window (default: 10s)
	SuccessThreshold int           // successes in half-open before closing (default: 2)
	HalfOpenMaxCalls int           // concurrent trial calls admitted in half-open (default: 1)
	BaseCooldown     time.Duration // initial open duration (default: 30s)
	MaxCooldown      time.Duration // cap for the doubling cooldown (default: 10m)
	OnStateChange    func(from, to State) // invoked with the breaker lock released
}

// sustainedClosed is how long the breaker must stay closed before the
// cooldown resets to its base value.
const sustainedClosed = 2 * time.Minute

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 10 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		windowDuration:   cfg.WindowDuration,
		successThreshold: cfg.SuccessThreshold,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		baseCooldown:     cfg.BaseCooldown,
		maxCooldown:      cfg.MaxCooldown,
		cooldown:         cfg.BaseCooldown,
		closedSince:      time.Now(),
		nowFn:            time.Now,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow checks if a call may proceed. In half-open it admits at most
// HalfOpenMaxCalls trials; the caller must report the outcome with
// RecordSuccess or RecordFailure so the trial slot is returned.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var err error
	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) > b.cooldown {
			b.setState(StateHalfOpen)
			b.halfOpenInFlight = 1
		} else {
			err = ErrCircuitOpen
		}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			err = ErrCircuitOpen
		} else {
			b.halfOpenInFlight++
		}
	}
	notes := b.takePendingLocked()
	b.mu.Unlock()

	b.deliver(notes)
	return err
}

// RecordSuccess records a successful call. It clears the failure window:
// the breaker opens only on an unbroken run of failures within the window,
// not on a total count, so interleaved successes keep it closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = b.failures[:0]
	switch b.state {
	case StateClosed:
		if b.nowFn().Sub(b.closedSince) > sustainedClosed {
			b.cooldown = b.baseCooldown
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.cooldown = b.baseCooldown
			b.setState(StateClosed)
		}
	}
	notes := b.takePendingLocked()
	b.mu.Unlock()

	b.deliver(notes)
}

// RecordFailure records a failed call. In half-open a single failure trips
// the breaker back open with a doubled cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.nowFn()
	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.cooldown = minDuration(b.cooldown*2, b.maxCooldown)
		b.openedAt = now
		b.setState(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.failureThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	}
	notes := b.takePendingLocked()
	b.mu.Unlock()

	b.deliver(notes)
}

// GetState returns the current state, applying the open->half-open
// transition if the cooldown has elapsed.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) > b.cooldown {
		b.setState(StateHalfOpen)
	}
	s := b.state
	notes := b.takePendingLocked()
	b.mu.Unlock()

	b.deliver(notes)
	return s
}

// Cooldown returns the current open-period duration.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.windowDuration)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failures = b.failures[:0]
		b.closedSince = b.nowFn()
	}
	if to != StateHalfOpen {
		b.halfOpenInFlight = 0
	}
	if b.onStateChange != nil {
		b.pending = append(b.pending, transition{from, to})
	}
}

func (b *Breaker) takePendingLocked() []transition {
	notes := b.pending
	b.pending = nil
	return notes
}

func (b *Breaker) deliver(notes []transition) {
	for _, tr := range notes {
		b.onStateChange(tr.from, tr.to)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
