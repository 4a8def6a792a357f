package resilience

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type CircuitBreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxAttempts int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     1 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// CircuitBreaker isolates a flapping downstream by fast-failing after
// repeated errors and probing recovery with a bounded number of attempts.
type CircuitBreaker struct {
	mu sync.Mutex

	config           CircuitBreakerConfig
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	halfOpenAttempts int

	now func() time.Time
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitBreakerConfig().RecoveryTimeout
	}
	if config.HalfOpenMaxAttempts <= 0 {
		config.HalfOpenMaxAttempts = DefaultCircuitBreakerConfig().HalfOpenMaxAttempts
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// NewCircuitBreakerWithClock injects a clock for deterministic tests.
func NewCircuitBreakerWithClock(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(config)
	if now != nil {
		cb.now = now
	}
	return cb
}

// CanExecute reports whether an operation may run. An OPEN breaker whose
// recovery timeout has elapsed transitions to HALF_OPEN here.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.config.RecoveryTimeout {
			logrus.Info("circuit breaker transitioning to half_open")
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.halfOpenAttempts < cb.config.HalfOpenMaxAttempts
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		logrus.Info("circuit breaker closed after successful probe")
		cb.state = CircuitClosed
		cb.failureCount = 0
		cb.halfOpenAttempts = 0
	case CircuitClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenAttempts++
		if cb.halfOpenAttempts >= cb.config.HalfOpenMaxAttempts {
			logrus.Warn("circuit breaker reopened after failed probes")
			cb.state = CircuitOpen
		}
	case CircuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			logrus.WithField("failures", cb.failureCount).Warn("circuit breaker opened")
			cb.state = CircuitOpen
		}
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
