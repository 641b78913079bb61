// Package admission gates triggered job submissions: a sliding-window rate
// limiter per schedule key, an execution optimizer that coalesces duplicate
// triggers and caps concurrency, a four-tier priority queue and a pool of
// limited resource permits.
package admission

import (
	"sync"
	"time"
)

// RateLimiter counts executions per key within a trailing window. Expired
// timestamps are pruned lazily on each call.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	windows map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter allows up to max executions per key within window
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// CanExecute reports whether key has fewer than max executions in the window
func (l *RateLimiter) CanExecute(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, l.now())) < l.max
}

// RecordExecution appends an execution for key at the current time
func (l *RateLimiter) RecordExecution(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.windows[key] = append(l.prune(key, now), now)
}

// TryAcquire records an execution if the window has room. Otherwise it
// returns how long until a slot frees.
func (l *RateLimiter) TryAcquire(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	ts := l.prune(key, now)
	if len(ts) >= l.max {
		return l.waitLocked(ts, now), false
	}
	l.windows[key] = append(ts, now)
	return 0, true
}

// WaitTime returns how long until key can execute again, or zero
func (l *RateLimiter) WaitTime(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.waitLocked(l.prune(key, now), now)
}

// Reset forgets all executions of key
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// waitLocked is the time until the oldest timestamp leaves the window.
func (l *RateLimiter) waitLocked(ts []time.Time, now time.Time) time.Duration {
	if len(ts) < l.max {
		return 0
	}
	exit := ts[0].Add(l.window)
	if wait := exit.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// prune drops timestamps at or before now-window. Caller holds l.mu.
func (l *RateLimiter) prune(key string, now time.Time) []time.Time {
	ts := trimCutoff(l.windows[key], now.Add(-l.window))
	if len(ts) == 0 {
		delete(l.windows, key)
		return nil
	}
	l.windows[key] = ts
	return ts
}

func trimCutoff(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}
