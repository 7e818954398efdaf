package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked devices to prevent memory
// exhaustion from rotating device ids.
const maxTrackedKeys = 4096

type windowEntry struct {
	windowStart time.Time
	count       int
}

// SlidingLimiter is a fixed-window-per-key limiter. One instance guards one
// concern (pair attempts, messages) with its own window and budget. Safe for
// concurrent use.
type SlidingLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*windowEntry
	sweep   rate.Sometimes
}

// NewSlidingLimiter allows max hits per key within window.
func NewSlidingLimiter(max int, window time.Duration) *SlidingLimiter {
	return &SlidingLimiter{
		window:  window,
		max:     max,
		entries: make(map[string]*windowEntry),
		sweep:   rate.Sometimes{Interval: window},
	}
}

// Allow records an attempt for key and reports whether it is within budget.
func (l *SlidingLimiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.sweep.Do(func() { l.pruneLocked(now) })

	if len(l.entries) >= maxTrackedKeys {
		l.pruneLocked(now)
		for len(l.entries) >= maxTrackedKeys {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[key] = &windowEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= l.max
}

func (l *SlidingLimiter) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, k)
		}
	}
}

// Forget drops the tracked state for a key.
func (l *SlidingLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}
