package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the breaker refuses an attempt.
var ErrCircuitOpen = errors.New("circuit breaker open")

type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Retrier runs operations through exponential-backoff retry guarded by a
// shared circuit breaker. Both publish and connect paths use the same
// instance so the breaker sees every failure.
type Retrier struct {
	config  RetryConfig
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
	randFn  func() float64
}

func NewRetrier(config RetryConfig, breaker *CircuitBreaker) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if config.ExponentialBase < 1 {
		config.ExponentialBase = DefaultRetryConfig().ExponentialBase
	}
	return &Retrier{
		config:  config,
		breaker: breaker,
		sleep:   sleepContext,
		randFn:  rand.Float64,
	}
}

// WithSleep overrides the inter-attempt sleep, for deterministic tests.
func (r *Retrier) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = sleep
	return r
}

// Do executes operation until it succeeds, the breaker refuses it, the
// context is cancelled, or attempts are exhausted. The last error is
// propagated after exhaustion.
func (r *Retrier) Do(ctx context.Context, operationName string, operation func(ctx context.Context) error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.breaker != nil && !r.breaker.CanExecute() {
			lastErr = ErrCircuitOpen
		} else if err := operation(ctx); err != nil {
			lastErr = err
			if r.breaker != nil {
				r.breaker.RecordFailure()
			}
		} else {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			return nil
		}

		if attempt == r.config.MaxAttempts {
			logrus.WithFields(logrus.Fields{
				"operation": operationName,
				"attempts":  attempt,
			}).Errorf("operation failed after all attempts: %v", lastErr)
			break
		}

		sleepFor := delay
		if r.config.Jitter {
			sleepFor = time.Duration(float64(delay) * (0.5 + r.randFn()))
		}
		logrus.WithFields(logrus.Fields{
			"operation": operationName,
			"attempt":   attempt,
			"retry_in":  sleepFor.String(),
		}).Warnf("operation failed: %v", lastErr)

		if err := r.sleep(ctx, sleepFor); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * r.config.ExponentialBase)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%s failed", operationName)
	}
	return lastErr
}

// Breaker exposes the shared breaker for state reporting.
func (r *Retrier) Breaker() *CircuitBreaker {
	return r.breaker
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
