// Package memorycache is the in-process dedup.Cache used by default in the
// single-node gateway.
package memorycache

import (
	"context"
	"sync"
	"time"

	"github.com/lumenforge/gengateway/dedup"
)

// Cache is a TTL map. Expired entries are purged opportunistically on each
// insert; the key space is tiny (one entry per recent disconnect) so a
// background janitor isn't worth its goroutine.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

var _ dedup.Cache = (*Cache)(nil)

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]time.Time)}
}

// ShouldProcess implements dedup.Cache. It never returns an error.
func (c *Cache) ShouldProcess(_ context.Context, key string) (bool, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}

	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = now.Add(c.ttl)
	return true, nil
}

// Len reports the number of live entries, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
