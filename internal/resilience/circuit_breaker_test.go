package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     time.Second,
		HalfOpenMaxAttempts: 2,
	})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed before threshold, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}
	if cb.CanExecute() {
		t.Error("expected CanExecute false while open")
	}
}

func TestCircuitBreaker_RecoveryToHalfOpenAndClose(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewCircuitBreakerWithClock(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     time.Second,
		HalfOpenMaxAttempts: 2,
	}, func() time.Time { return clock() })

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Within the recovery window the breaker stays open.
	if cb.CanExecute() {
		t.Error("expected CanExecute false before recovery timeout")
	}

	now = now.Add(1500 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("expected CanExecute true after recovery timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open after recovery, got %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after half-open success, got %s", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.FailureCount())
	}
}

func TestCircuitBreaker_ReopensAfterHalfOpenFailures(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreakerWithClock(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     time.Second,
		HalfOpenMaxAttempts: 2,
	}, func() time.Time { return now })

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if !cb.CanExecute() {
		t.Fatal("expected half-open probe permitted")
	}

	cb.RecordFailure()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected still half_open after one probe failure, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopened after max probe failures, got %s", cb.State())
	}
}

func TestRetrier_CircuitOpenFailsFast(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     time.Hour,
		HalfOpenMaxAttempts: 1,
	})
	cb.RecordFailure()

	calls := 0
	retrier := NewRetrier(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2}, cb).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	err := retrier.Do(context.Background(), "probe", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no operation calls while open, got %d", calls)
	}
}

func TestRetrier_RetriesThenSucceeds(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	var slept []time.Duration
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
		Jitter:          false,
	}, cb).WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	calls := 0
	err := retrier.Do(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(slept))
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected breaker closed after success, got %s", cb.State())
	}
}

func TestRetrier_PropagatesLastErrorAfterExhaustion(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:     2,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		ExponentialBase: 2,
	}, NewCircuitBreaker(DefaultCircuitBreakerConfig())).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	boom := errors.New("boom")
	err := retrier.Do(context.Background(), "publish", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error propagated, got %v", err)
	}
}

func TestRetryPolicy_BackoffSequence(t *testing.T) {
	policy := RetryPolicy{
		BaseBackoff: 500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  2 * time.Second,
		MaxRetries:  3,
	}

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, expected := range want {
		got := policy.Backoff(i + 1)
		if got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}

	// The cap holds beyond max retries as well.
	if got := policy.Backoff(10); got != 2*time.Second {
		t.Errorf("expected capped backoff 2s, got %v", got)
	}
}
