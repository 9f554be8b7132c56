package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding window every key is measured over.
const Window = 60 * time.Second

// Limiter implements per-subject per-action in-memory rate limiting.
// State is process-local and resets on restart.
type Limiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
	now   func() time.Time
}

func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{calls: make(map[string][]time.Time), now: now}
}

// Check admits the call when fewer than max calls for (subject, action) fall inside
// the window, and records it. Denied calls are not recorded.
func (l *Limiter) Check(subject, action string, max int) bool {
	key := subject + ":" + action
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	recent := prune(l.calls[key], now)
	if len(recent) >= max {
		l.calls[key] = recent
		return false
	}
	l.calls[key] = append(recent, now)
	return true
}

// Cleanup drops keys with no calls inside the window.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, ts := range l.calls {
		recent := prune(ts, now)
		if len(recent) == 0 {
			delete(l.calls, key)
			removed++
			continue
		}
		l.calls[key] = recent
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
