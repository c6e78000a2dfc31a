// Package circuitbreaker stops calling a failing dependency for a cool-down
// period once consecutive failures reach a threshold.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of trial calls pass through
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

// ErrCircuitOpen is returned without calling the dependency while the
// circuit is open or its half-open trial slots are taken
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Name for logging
	Name string

	// MaxFailures consecutive failures open the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration

	// HalfOpenMaxRequests trial calls must succeed to close the circuit
	HalfOpenMaxRequests int

	// OnStateChange is called with the lock held; it must not call back
	// into the breaker
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int // calls admitted since entering half-open
	passed   int // successful trials
	openedAt time.Time
}

// New creates a closed circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit rejects the call. Cancellation of the
// caller's context is not counted as a dependency failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trials = 1
		return true
	case StateHalfOpen:
		if cb.trials >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.trials++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen && cb.trials > 0 {
			cb.trials--
		}
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		switch {
		case cb.state == StateHalfOpen:
			cb.setState(StateOpen)
		case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.config.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.trials = 0
	cb.passed = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	cb.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen returns true if the circuit is open
func (cb *CircuitBreaker) IsOpen() bool { return cb.State() == StateOpen }

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":            cb.config.Name,
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"max_failures":    cb.config.MaxFailures,
		"timeout_seconds": cb.config.Timeout.Seconds(),
	}
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
}
