// Package cache provides a small in-memory TTL cache. Instances are owned
// and injected by their callers; nothing in this package is process-global.
package cache

import (
	"sync"
	"time"
)

// Clock abstracts time for tests
type Clock func() time.Time

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a bounded-lifetime key/value cache safe for concurrent use
type TTL[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   Clock
	items map[string]item[V]
}

// NewTTL creates a cache whose entries expire after ttl
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return NewTTLWithClock[V](ttl, time.Now)
}

// NewTTLWithClock creates a cache with an injected clock
func NewTTLWithClock[V any](ttl time.Duration, now Clock) *TTL[V] {
	return &TTL[V]{
		ttl:   ttl,
		now:   now,
		items: make(map[string]item[V]),
	}
}

// Get returns the cached value if present and not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.now().After(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores a value under key with the cache's TTL
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = item[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes a key
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Purge drops every expired entry
func (c *TTL[V]) Purge() {
	now := c.now()
	c.mu.Lock()
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
