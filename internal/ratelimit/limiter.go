// Package ratelimit provides sliding-window admission control shared by the
// control-plane RPC handlers and the bulk subscription workflow.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited tags admission failures so callers can tell throttling
// apart from other subscription errors.
var ErrRateLimited = errors.New("rate limited")

const minWait = 10 * time.Millisecond

// Limiter admits at most maxPerWindow operations inside a trailing window.
// Acquire never rejects a caller; it suspends until capacity frees up.
// Admission order under contention is first-come-first-eligible, not strict
// FIFO.
type Limiter struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	timestamps []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLimiter(maxPerWindow int, window time.Duration) *Limiter {
	return &Limiter{
		max:    maxPerWindow,
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// WithClock injects now/sleep functions for deterministic tests.
func (l *Limiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	if now != nil {
		l.now = now
	}
	if sleep != nil {
		l.sleep = sleep
	}
	return l
}

// Enabled reports whether the limiter actually throttles.
func (l *Limiter) Enabled() bool {
	return l.max > 0 && l.window > 0
}

// CurrentLoad returns the number of admitted operations still inside the
// window.
func (l *Limiter) CurrentLoad() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.timestamps)
}

// Acquire blocks until count slots are available, then records them.
// Requests larger than the window capacity are admitted in window-sized
// chunks, so every caller is eventually admitted.
func (l *Limiter) Acquire(ctx context.Context, count int) error {
	if !l.Enabled() || count <= 0 {
		return nil
	}

	for count > 0 {
		chunk := count
		if chunk > l.max {
			chunk = l.max
		}
		if err := l.acquireChunk(ctx, chunk); err != nil {
			return err
		}
		count -= chunk
	}
	return nil
}

func (l *Limiter) acquireChunk(ctx context.Context, count int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.timestamps)+count <= l.max {
			for i := 0; i < count; i++ {
				l.timestamps = append(l.timestamps, now)
			}
			l.mu.Unlock()
			return nil
		}
		wait := l.timestamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < minWait {
			wait = minWait
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Release gives back up to count most-recently-recorded slots, for
// operations that were reserved but not consumed downstream.
func (l *Limiter) Release(count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if count > len(l.timestamps) {
		count = len(l.timestamps)
	}
	l.timestamps = l.timestamps[:len(l.timestamps)-count]
}

func (l *Limiter) prune(now time.Time) {
	if !l.Enabled() {
		l.timestamps = l.timestamps[:0]
		return
	}
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.timestamps) && !l.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[idx:]...)
	}
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
