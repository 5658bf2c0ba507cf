// Package cache provides a bounded, expiring in-process cache.
//
// The implicit relation resolver keeps two of these: one for module
// contexts and one mapping entity IDs to the modules that contain them.
// Both are rebuilt from storage on a miss, so losing an entry is never an
// error.
//
// Features:
//   - LRU eviction for bounded memory
//   - Lazy TTL expiry checked on read (no timers or goroutines)
//   - Thread-safe operations
//   - Hit/miss statistics
//
// Usage:
//
//	contexts := cache.New[*ModuleContext](1000, 5*time.Minute)
//
//	if ctx, ok := contexts.Get(moduleID); ok {
//		return ctx
//	}
//	ctx := buildContext(moduleID)
//	contexts.Put(moduleID, ctx)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a thread-safe LRU cache with an optional per-entry TTL.
type Cache[V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	now     func() time.Time

	list  *list.List
	items map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most maxSize entries, each living for ttl.
// A maxSize <= 0 falls back to 1000; a ttl of 0 disables expiry.
func New[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Get returns the value for key if present and not expired.
// An expired entry is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if c.expired(e) {
		c.removeElement(elem)
		c.misses.Add(1)
		return zero, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key, refreshing its TTL. The least recently used
// entry is evicted when the cache is full.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = c.expiry()
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}

	elem := c.list.PushFront(&entry[V]{key: key, value: value, expiresAt: c.expiry()})
	c.items[key] = elem
}

// Remove deletes key from the cache.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries. Statistics are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Prune drops every expired entry and returns how many were removed.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.list.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*entry[V])) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet read.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

func (c *Cache[V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}

// removeElement removes an element. Caller must hold the lock.
func (c *Cache[V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}
