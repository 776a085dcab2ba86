package hub

import (
	"sync"
	"time"
)

// RateLimiter allows at most limit events per key in each fixed window
type RateLimiter[K comparable] struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[K]*clientLimit
}

// clientLimit is the window of one key
type clientLimit struct {
	count       int
	windowStart time.Time
	dropping    bool
}

// NewRateLimiter creates a limiter; now defaults to time.Now
func NewRateLimiter[K comparable](limit int, window time.Duration, now func() time.Time) *RateLimiter[K] {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter[K]{
		limit:   limit,
		window:  window,
		now:     now,
		clients: make(map[K]*clientLimit),
	}
}

// Allow counts one event for key. firstDrop is true for the first rejected event
// of a window so callers can report the suppression once.
func (rl *RateLimiter[K]) Allow(key K) (allowed, firstDrop bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[key]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true, false
	}

	if limit.count >= rl.limit {
		first := !limit.dropping
		limit.dropping = true
		return false, first
	}
	limit.count++
	return true, false
}

// Forget drops the state of key
func (rl *RateLimiter[K]) Forget(key K) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Len is the number of tracked keys
func (rl *RateLimiter[K]) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
