// Package querycache holds query results that change events invalidate.
// It is the cache collaborator of feed: Invalidate drops entries by key.
package querycache

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Cache is a size-bounded, optionally expiring map of query results
type Cache struct {
	store *expirable.LRU[string, any]

	// epoch advances on every invalidation so loads that raced one are not stored
	epoch atomic.Uint64
}

// New creates a cache holding at most size entries. ttl <= 0 disables expiry.
func New(size int, ttl time.Duration) *Cache {
	if size < 1 {
		size = 1
	}
	return &Cache{
		store: expirable.NewLRU[string, any](size, nil, ttl),
	}
}

// Get retrieves a value from the cache
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Set stores a value
func (c *Cache) Set(key string, value any) {
	c.store.Add(key, value)
}

// Delete removes a value
func (c *Cache) Delete(key string) {
	c.store.Remove(key)
}

// Invalidate removes every listed key
func (c *Cache) Invalidate(keys ...string) {
	c.epoch.Add(1)
	removed := 0
	for _, key := range keys {
		if c.store.Remove(key) {
			removed++
		}
	}
	log.Debug().Strs("keys", keys).Int("removed", removed).Msg("Invalidated query cache")
}

// InvalidatePrefix removes every key starting with prefix and returns the count
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.epoch.Add(1)
	removed := 0
	for _, key := range c.store.Keys() {
		if strings.HasPrefix(key, prefix) && c.store.Remove(key) {
			removed++
		}
	}
	return removed
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. A result is not cached when an invalidation ran during the load.
func (c *Cache) GetOrLoad(key string, load func() (any, error)) (any, error) {
	if v, ok := c.store.Get(key); ok {
		return v, nil
	}

	epoch := c.epoch.Load()
	v, err := load()
	if err != nil {
		return nil, err
	}
	if c.epoch.Load() == epoch {
		c.store.Add(key, v)
	}
	return v, nil
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.store.Len()
}

// Purge removes every entry
func (c *Cache) Purge() {
	c.epoch.Add(1)
	c.store.Purge()
}
