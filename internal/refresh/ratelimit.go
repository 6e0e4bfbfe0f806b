package refresh

import (
	"context"
	"sync"
	"time"
)

// entry tracks the token-bucket state for a single key.
type entry struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter implements an in-memory token-bucket rate limiter keyed by
// source. Tokens refill continuously at limit-per-window; the limiting
// resource is the external API's quota, so one limiter instance is shared by
// every in-flight worker for a source.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
}

// NewRateLimiter creates a rate limiter with the given refill window. Each
// key gets `limit` tokens per window, refilled continuously.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*entry),
		window:  window,
	}
}

// Allow checks whether the given key has remaining capacity. It consumes one
// token on success and returns true; false when the budget is exhausted.
func (l *RateLimiter) Allow(key string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, exists := l.entries[key]
	if !exists {
		l.entries[key] = &entry{
			tokens:    float64(limit - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(e.lastCheck)
	e.lastCheck = now

	// Refill tokens proportionally to elapsed time.
	rate := float64(limit) / l.window.Seconds()
	e.tokens += elapsed.Seconds() * rate
	if e.tokens > float64(limit) {
		e.tokens = float64(limit)
	}

	if e.tokens < 1 {
		return false
	}

	e.tokens--
	return true
}

// Wait blocks until a token is available for key or ctx is cancelled.
func (l *RateLimiter) Wait(ctx context.Context, key string, limit int) error {
	retry := l.window / time.Duration(maxInt(limit, 1))
	if retry < 10*time.Millisecond {
		retry = 10 * time.Millisecond
	}
	for {
		if l.Allow(key, limit) {
			return nil
		}
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset clears the rate-limit state for a specific key.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
