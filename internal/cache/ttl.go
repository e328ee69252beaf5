package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is an in-process map with lazy expiry. Expired entries are dropped
// on read and on every Set that finds the map over its soft size.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]entry[V]
	now     func() time.Time
	maxSize int
}

type Option func(*ttlOptions)

type ttlOptions struct {
	now     func() time.Time
	maxSize int
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *ttlOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxSize bounds the number of live entries; 0 means unbounded.
func WithMaxSize(n int) Option {
	return func(o *ttlOptions) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

func NewTTLCache[K comparable, V any](opts ...Option) *TTLCache[K, V] {
	o := ttlOptions{now: time.Now, maxSize: 10000}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[K, V]{
		items:   make(map[K]entry[V]),
		now:     o.now,
		maxSize: o.maxSize,
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// Set stores value; a non-positive ttl means no expiry.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLocked()
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictLocked drops expired entries, then arbitrary ones until below maxSize.
func (c *TTLCache[K, V]) evictLocked() {
	now := c.now()
	for k, item := range c.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
	for k := range c.items {
		if len(c.items) < c.maxSize {
			return
		}
		delete(c.items, k)
	}
}
