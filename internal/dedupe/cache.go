// ABOUTME: Thread-safe TTL cache remembering the latest fingerprint per scope.
// ABOUTME: Used by the fleet manager to skip re-applying an unchanged MCP tool list.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the fingerprint, when it was remembered, and the list
// element for its scope.
type cacheEntry struct {
	fingerprint string
	timestamp   time.Time
	element     *list.Element
}

// Cache remembers one fingerprint per scope for a limited time. Remembering
// a new fingerprint for a scope replaces the old one. The least recently
// remembered scope is evicted when the cache is full.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // scopes, least recently remembered at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum number of scopes.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Matches reports whether fingerprint is the unexpired fingerprint last
// remembered for scope.
func (c *Cache) Matches(scope, fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[scope]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return false
	}
	return entry.fingerprint == fingerprint
}

// Remember records fingerprint as the latest for scope.
func (c *Cache) Remember(scope, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[scope]; ok {
		entry.fingerprint = fingerprint
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[scope] = &cacheEntry{
		fingerprint: fingerprint,
		timestamp:   now,
		element:     c.order.PushBack(scope),
	}
}

// Forget drops whatever is remembered for scope.
func (c *Cache) Forget(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[scope]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, scope)
	}
}

// Len returns the number of scopes held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest removes the least recently remembered scope. Must be called
// with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	scope, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, scope)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for scope, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, scope)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
