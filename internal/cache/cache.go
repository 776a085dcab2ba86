// Package cache provides a generic key/value store with per-entry expiry.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	ttl       time.Duration
}

// Cache is a thread-safe map whose entries expire after a TTL.
// Every removed entry (expired, deleted, replaced or cleared) is passed to the
// removal callback exactly once, outside the cache lock.
type Cache[K comparable, V any] struct {
	mu           sync.Mutex
	entries      map[K]*entry[V]
	pending      map[K]*creation[V]
	ttl          time.Duration
	onRemove     func(K, V)
	now          func() time.Time
	refreshOnGet bool
}

type creation[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Option configures a Cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnRemove sets the removal callback
func WithOnRemove[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onRemove = fn }
}

// WithClock replaces time.Now, mostly for tests
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// WithRefreshOnGet makes every successful Get push the expiry forward (idle TTL)
func WithRefreshOnGet[K comparable, V any](refresh bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.refreshOnGet = refresh }
}

// New creates a cache whose entries live for ttl by default
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		pending: make(map[K]*creation[V]),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value for key. An expired entry counts as a miss and is evicted.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	v, ok, evicted := c.getLocked(key)
	c.mu.Unlock()

	if evicted != nil {
		c.notify(key, evicted.value)
	}
	return v, ok
}

func (c *Cache[K, V]) getLocked(key K) (V, bool, *entry[V]) {
	var zero V
	e, exists := c.entries[key]
	if !exists {
		return zero, false, nil
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return zero, false, e
	}
	if c.refreshOnGet {
		e.expiresAt = now.Add(e.ttl)
	}
	return e.value, true, nil
}

// Set stores value under key with the default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with its own TTL
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	old, replaced := c.entries[key]
	c.entries[key] = &entry[V]{value: value, expiresAt: c.now().Add(ttl), ttl: ttl}
	c.mu.Unlock()

	if replaced {
		c.notify(key, old.value)
	}
}

// GetOrCreate returns the cached value or builds it with create.
// Concurrent callers for the same key share a single create call.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()
	v, ok, evicted := c.getLocked(key)
	if ok {
		c.mu.Unlock()
		return v, nil
	}
	if p, inFlight := c.pending[key]; inFlight {
		c.mu.Unlock()
		if evicted != nil {
			c.notify(key, evicted.value)
		}
		<-p.done
		return p.value, p.err
	}
	p := &creation[V]{done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()

	if evicted != nil {
		c.notify(key, evicted.value)
	}

	p.value, p.err = create()

	c.mu.Lock()
	delete(c.pending, key)
	if p.err == nil {
		c.entries[key] = &entry[V]{value: p.value, expiresAt: c.now().Add(c.ttl), ttl: c.ttl}
	}
	c.mu.Unlock()
	close(p.done)

	return p.value, p.err
}

// Delete removes key, reporting whether it was present
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.notify(key, e.value)
	}
	return ok
}

// Cleanup evicts every expired entry and returns how many were removed
func (c *Cache[K, V]) Cleanup() int {
	type removed struct {
		key   K
		value V
	}

	c.mu.Lock()
	now := c.now()
	var expired []removed
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			expired = append(expired, removed{key: k, value: e.value})
		}
	}
	c.mu.Unlock()

	for _, r := range expired {
		c.notify(r.key, r.value)
	}
	return len(expired)
}

// Clear removes every entry
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[K]*entry[V])
	c.mu.Unlock()

	for k, e := range old {
		c.notify(k, e.value)
	}
}

// Len returns the number of stored entries, including not-yet-collected expired ones
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartJanitor runs Cleanup every interval until ctx is cancelled
func (c *Cache[K, V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache[K, V]) notify(key K, value V) {
	if c.onRemove != nil {
		c.onRemove(key, value)
	}
}
