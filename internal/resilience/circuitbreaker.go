// Package resilience protects the gateway from a misbehaving voice backend.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [Upstream] wraps a realtime provider with one, so that when backend
// connects fail repeatedly, new calls are rejected immediately and get the
// local fallback prompt instead of waiting out a doomed handshake.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a breaker operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through; their
	// outcome decides between closing and re-opening.
	StateHalfOpen
)

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

// Breaker defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// Config holds breaker tuning knobs. Zero values use the defaults above.
type Config struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive closed-state failures trip the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the number of half-open probe calls.
	HalfOpenMax int

	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// NewCircuitBreaker builds a breaker from cfg.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. Open-state calls fail
// fast with [ErrCircuitOpen]; half-open calls count against the probe budget.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		cb.log.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probing)
	} else {
		cb.recordSuccess(probing)
	}
	return err
}

// recordFailure updates failure accounting. cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	cb.lastFailure = time.Now()

	if probing {
		// Any failed probe re-opens immediately.
		cb.halfOpenFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		cb.log.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.log.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

// recordSuccess updates success accounting. cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if probing {
		if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			cb.log.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State returns the breaker's effective state: an open breaker whose reset
// timeout has elapsed reports half-open even though the transition happens on
// the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
}
