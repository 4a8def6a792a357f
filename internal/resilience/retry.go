package resilience

import (
	"math"
	"time"
)

// RetryPolicy is the immutable backoff configuration for supervised
// vendor-session restarts.
type RetryPolicy struct {
	BaseBackoff time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
	MaxRetries  int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff: 500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  2 * time.Second,
		MaxRetries:  3,
	}
}

// Backoff returns the sleep before retry number attempt (1-based):
// min(base * multiplier^(attempt-1), cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// Exhausted reports whether the policy allows no further retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}
