package gateway

import (
	"sync"
	"time"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker trips after threshold consecutive failures and rejects calls until
// openFor has elapsed since the last failure. It then lets exactly one trial
// call through; the trial's outcome closes or re-opens the circuit.
type Breaker struct {
	mu            sync.Mutex
	name          string
	state         State
	failures      int
	threshold     int
	openFor       time.Duration
	lastFailure   time.Time
	trial         bool
	clock         clock.Clock
	onStateChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, openFor time.Duration, clk clock.Clock) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		name:      name,
		state:     StateClosed,
		threshold: threshold,
		openFor:   openFor,
		clock:     clk,
	}
}

// SetStateChangeHandler registers fn to be called on every transition. fn runs
// on its own goroutine.
func (b *Breaker) SetStateChangeHandler(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow returns nil when a call may proceed and a *domain.CircuitOpenError
// otherwise. A nil return in HALF-OPEN makes the caller the trial; it must
// report RecordSuccess, RecordFailure or Abandon.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.lastFailure) > b.openFor {
			b.transition(StateHalfOpen)
			b.trial = true
			return nil
		}
		return &domain.CircuitOpenError{Name: b.name, RetryAt: b.lastFailure.Add(b.openFor)}
	default:
		if b.trial {
			return &domain.CircuitOpenError{Name: b.name, RetryAt: now}
		}
		b.trial = true
		return nil
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure. Reaching the threshold opens the circuit; a
// failed half-open trial re-opens it at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()
	b.trial = false

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Abandon releases a half-open trial that ended without an outcome.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerSnapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Threshold:   b.threshold,
		LastFailure: b.lastFailure,
	}
	if b.state == StateOpen {
		s.RetryAt = b.lastFailure.Add(b.openFor)
	}
	return s
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		go b.onStateChange(b.name, from, to)
	}
}
