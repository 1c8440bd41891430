// Package cache provides the gateway's two-tier caching primitives.
//
// The in-process tier is a size-bounded LRU with per-entry TTL used for
// provider configurations, templates, and execution results. An optional
// Redis-backed tier (ExecutionCache in redis.go) shares execution results
// across replicas; the in-process tier needs no external dependencies.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached value with its lifecycle timestamps.
type Entry[T any] struct {
	Data      T
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Stats tracks cache effectiveness counters.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"maxSize"`
	HitCount  int64 `json:"hitCount"`
	MissCount int64 `json:"missCount"`
	Evictions int64 `json:"evictions"`
}

type lruItem[T any] struct {
	key   string
	entry Entry[T]
}

// LRU is a size-bounded cache with per-entry TTL and strict LRU eviction.
// Every Get moves the key to the most-recently-used position; when the
// cache is full the least-recently-used entry is evicted. Safe for
// concurrent use.
type LRU[T any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = MRU, back = LRU
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64
}

// NewLRU creates an LRU holding at most maxSize entries, each expiring
// ttl after insertion.
func NewLRU[T any](maxSize int, ttl time.Duration) *LRU[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRU[T]{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value for key. Expired entries are removed on
// access and count as misses. A hit promotes the key to MRU.
func (c *LRU[T]) Get(key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}

	item := el.Value.(*lruItem[T])
	if time.Now().After(item.entry.ExpiresAt) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return item.entry.Data, true
}

// Set stores value under key, replacing any existing entry. When the cache
// is full the LRU entry is evicted first.
func (c *LRU[T]) Set(key string, value T) {
	now := time.Now()
	entry := Entry[T]{Data: value, CreatedAt: now, ExpiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem[T]).entry = entry
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if back := c.order.Back(); back != nil {
			c.removeElement(back)
			c.evictions++
		}
	}

	c.items[key] = c.order.PushFront(&lruItem[T]{key: key, entry: entry})
}

// Delete removes key. Returns true when the key was present.
func (c *LRU[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// DeleteFunc removes every entry whose value matches pred and returns the
// number removed. Used for targeted invalidation (e.g. all execution
// results produced by one template).
func (c *LRU[T]) DeleteFunc(pred func(key string, value T) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*lruItem[T])
		if pred(item.key, item.entry.Data) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Cleanup removes all expired entries and returns the number removed.
func (c *LRU[T]) Cleanup() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*lruItem[T]).entry.ExpiresAt) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Clear removes every entry.
func (c *LRU[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Len returns the current number of entries (including not-yet-evicted
// expired ones).
func (c *LRU[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the effectiveness counters.
func (c *LRU[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
		HitCount:  c.hits,
		MissCount: c.misses,
		Evictions: c.evictions,
	}
}

// removeElement must be called with the lock held.
func (c *LRU[T]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*lruItem[T]).key)
}
