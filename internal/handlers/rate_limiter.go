package handlers

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter throttles requests per caller key.
type RateLimiter interface {
	Allow(key string) bool
}

// fixedWindowLimiter counts hits per key inside a fixed window. Good enough
// for webhook burst protection on a single instance; anything multi-instance
// needs a shared store instead.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

type window struct {
	hits    int
	expires time.Time
}

// NewSimpleRateLimiter builds an in-memory fixed-window limiter. A nil clock
// defaults to time.Now; non-positive limits disable throttling.
func NewSimpleRateLimiter(limit int, windowSize time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || windowSize <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  windowSize,
		clock:   clock,
		windows: make(map[string]window),
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || now.After(current.expires) {
		l.dropExpiredLocked(now)
		l.windows[key] = window{hits: 1, expires: now.Add(l.window)}
		return true
	}
	if current.hits >= l.limit {
		return false
	}
	current.hits++
	l.windows[key] = current
	return true
}

// dropExpiredLocked keeps the map from accumulating one entry per caller
// forever. Called only when a new window opens, so the common path stays
// a single map lookup.
func (l *fixedWindowLimiter) dropExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.expires) {
			delete(l.windows, key)
		}
	}
}
