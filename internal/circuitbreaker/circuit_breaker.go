package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/memefolio/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe requests are allowed through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit once reached
	ConsecutiveFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// HalfOpenProbes successes needed in half-open to close again
	HalfOpenProbes int
	// OnStateChange is called with the breaker lock held; it must not call back into the breaker
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		HalfOpenProbes:      1,
	}
}

// CircuitBreaker stops calling an upstream that keeps failing
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenInFlight int
	halfOpenSuccess  int
	openedAt         time.Time
	totalFailures    int
	totalSuccesses   int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.ConsecutiveFailures < 1 {
		cfg.ConsecutiveFailures = 1
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute runs fn unless the circuit is open. Cancellation by the caller's
// context is not counted as an upstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenProbes {
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.totalFailures++
		cb.consecutiveFails++
		switch cb.state {
		case StateClosed:
			if cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.transition(StateOpen)
		}
		return
	}

	cb.totalSuccesses++
	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenProbes {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if to == StateClosed {
		cb.consecutiveFails = 0
	}

	entry := logging.WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           from,
		"to":             to,
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string `json:"name"`
	State            State  `json:"state"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	TotalFailures    int    `json:"totalFailures"`
	TotalSuccesses   int    `json:"totalSuccesses"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
	}
}
