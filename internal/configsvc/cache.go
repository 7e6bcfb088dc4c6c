package configsvc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched snapshot stays fresh.
const DefaultTTL = 60 * time.Second

// Fetcher is the function the cache falls back to on a miss. *Client
// satisfies it; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID, userID string) *Snapshot
}

type cacheEntry struct {
	snap      *Snapshot
	expiresAt time.Time
}

// Cache keeps the last-fetched snapshot per tenant+user with a freshness
// window. Concurrent misses for the same key are collapsed into a single
// upstream fetch.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache creates a snapshot cache. ttl <= 0 selects DefaultTTL.
func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached snapshot for tenant+user, fetching a fresh one if
// the cached entry is missing or stale.
func (c *Cache) Get(ctx context.Context, tenantID, userID string) *Snapshot {
	key := tenantID + "\x00" + userID

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.snap
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		snap := c.fetcher.Fetch(ctx, tenantID, userID)
		c.mu.Lock()
		c.entries[key] = cacheEntry{snap: snap, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return snap, nil
	})
	return v.(*Snapshot)
}

// Invalidate drops the cached snapshot for tenant+user, forcing the next
// Get to hit the configuration service.
func (c *Cache) Invalidate(tenantID, userID string) {
	c.mu.Lock()
	delete(c.entries, tenantID+"\x00"+userID)
	c.mu.Unlock()
}
