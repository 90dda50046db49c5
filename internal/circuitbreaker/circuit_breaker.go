// Package circuitbreaker stops calling an upstream LLM backend after repeated
// failures and probes it again after a cool-down.
//
// State transitions:
//
//	Closed → Open        when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen   after Timeout elapses
//	HalfOpen → Closed   when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open     on any failure
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ferro-labs/bookbot/internal/metrics"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed means calls pass through.
	StateClosed State = iota
	// StateOpen means the upstream is considered failing; calls are rejected.
	StateOpen
	// StateHalfOpen means the breaker is letting calls through to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds breaker thresholds. Zero values take the defaults
// FailureThreshold=5, SuccessThreshold=1, Timeout=30s.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// CircuitBreaker guards a single upstream.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time

	now func() time.Time
}

// New creates a CircuitBreaker for the named upstream.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		now:              time.Now,
	}
	cb.publish()
	return cb
}

// State returns the current state, transitioning Open→HalfOpen if the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState()
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.publish()
	}
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.publish()
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Errors for which counts returns false (a cancelled context, a bad request)
// leave the breaker untouched; a nil counts treats every error as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, counts func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case counts == nil || counts(err):
		cb.RecordFailure()
	}
	return err
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = cb.now().Add(cb.timeout)
	cb.successCount = 0
	cb.publish()
}

func (cb *CircuitBreaker) publish() {
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
