// Package ratelimit limits API requests per user over a one-minute window.
// The in-memory backend serves a single instance; the Redis backend shares
// the window across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether the request is allowed, the remaining quota and
// when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	w, ok := r.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		r.windows[userID] = w
	}

	if limit <= 0 {
		return true, 0, w.resetAt, nil
	}
	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// Sweep drops expired windows.
func (r *InMemoryRateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, id)
			removed++
		}
	}
	return removed
}
