package webhook

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of one endpoint's breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreakerConfig holds the parameters for a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// CircuitBreaker guards one webhook endpoint. An endpoint that keeps
// rejecting room-event deliveries is cut off for ResetTimeout rather than
// absorbing a retry per event; a half-open trial decides when it is back.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	trials      int
	lastFailure time.Time
	config      CircuitBreakerConfig
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 1
	}
	return &CircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

// AllowRequest reports whether a delivery attempt may go out now. An open
// breaker transitions to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.config.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.trials = 0
	}
	return true
}

// RecordSuccess notes a delivered event. Enough half-open successes close
// the breaker again.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.trials++
		if cb.trials < cb.config.HalfOpenMaxAttempts {
			return
		}
	}
	cb.state = StateClosed
}

// RecordFailure notes a failed delivery. A half-open failure reopens the
// breaker immediately; closed breakers open at the failure threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = StateOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
