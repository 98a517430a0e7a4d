// Package resilience protects repeated invocations of an external,
// potentially crash-looping binary (the sandbox launcher) with a circuit
// breaker, so that a broken launcher fails fast for every execution slot
// instead of each slot separately discovering the failure via its own
// timeout.
package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the breaker is open.
var ErrOpen = fmt.Errorf("resilience: circuit breaker open")

// Config controls breaker thresholds.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultConfig trips after 5 consecutive failures, waits 30s before
// probing again, and requires 2 consecutive successes to fully close.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Stats is a point-in-time read of breaker counters.
type Stats struct {
	State            State
	ConsecutiveFails int
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
}

// CircuitBreaker wraps a func() error with failure-threshold tripping.
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
}

// New constructs a CircuitBreaker in the closed state.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: Closed}
}

// Call runs fn if the breaker permits it, tracking the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}

	atomic.AddInt64(&cb.totalRequests, 1)
	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.state = HalfOpen
			cb.consecutiveOK = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) onFailure() {
	atomic.AddInt64(&cb.totalFailures, 1)
	cb.consecutiveFails++
	cb.consecutiveOK = 0

	switch cb.state {
	case Closed:
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.state = Open
			cb.openedAt = time.Now()
		}
	case HalfOpen:
		cb.state = Open
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	atomic.AddInt64(&cb.totalSuccesses, 1)
	cb.consecutiveFails = 0

	if cb.state == HalfOpen {
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.config.SuccessThreshold {
			cb.state = Closed
		}
	}
}

// StateNow returns the breaker's current state.
func (cb *CircuitBreaker) StateNow() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalRequests:    atomic.LoadInt64(&cb.totalRequests),
		TotalFailures:    atomic.LoadInt64(&cb.totalFailures),
		TotalSuccesses:   atomic.LoadInt64(&cb.totalSuccesses),
	}
}
