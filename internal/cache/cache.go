// Package cache holds short-lived answers from the primary, keyed by
// replicable, so repeated sync attempts do not re-ask for data that cannot
// have changed.
//
// Entries expire after a ttl and are dropped explicitly whenever the local
// copy of their replicable changes.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/roach88/replicant/internal/registry"
)

type entry struct {
	value   any
	expires time.Time
}

// Cache is a ttl map scoped by replicable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a Cache. A nil now means time.Now.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]entry), ttl: ttl, now: now}
}

func entryKey(key registry.Key, name string) string {
	return key.String() + "/" + name
}

// Get returns the live value stored under name for key.
func (c *Cache) Get(key registry.Key, name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[entryKey(key, name)]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, entryKey(key, name))
		return nil, false
	}
	return e.value, true
}

// Set stores value under name for key.
func (c *Cache) Set(key registry.Key, name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entryKey(key, name)] = entry{value: value, expires: c.now().Add(c.ttl)}
}

// Expire drops every entry for key.
func (c *Cache) Expire(_ context.Context, key registry.Key) {
	c.ExpirePrefix(key.String() + "/")
}

// ExpirePrefix drops every entry whose name starts with prefix. An empty
// prefix clears the cache.
func (c *Cache) ExpirePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, live or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
