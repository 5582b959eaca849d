// Package resilience guards calls to flaky dependencies.
package resilience

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of a Breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config for a Breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before letting a probe through.
	Cooldown time.Duration
}

// DefaultConfig returns the settings used for event publishing.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. In half-open state a
// single probe is admitted; its outcome closes or reopens the breaker.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed breaker. A nil clock uses time.Now.
func New(config Config, now func() time.Time) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultConfig().MaxFailures
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{config: config, now: now}
}

// Allow reports whether a call may proceed. Every nil return must be
// followed by exactly one Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Done records the outcome of an allowed call and returns the state
// transition it caused, if any.
func (b *Breaker) Done(err error) (from, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	if err == nil {
		b.failures = 0
		b.probing = false
		b.state = StateClosed
		return from, b.state
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
	b.probing = false
	return from, b.state
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
