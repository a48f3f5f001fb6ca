package data

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// SnapshotCache is a TTL cache of encoded snapshots keyed by coin and
// target currency. Values are stored and returned as raw bytes.
type SnapshotCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheEntry
	now func() time.Time
}

// NewSnapshotCache creates a cache whose entries live for ttl.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		ttl: ttl,
		m:   make(map[string]cacheEntry),
		now: time.Now,
	}
}

// Get returns a copy of the bytes stored under key if they have not
// expired.
func (c *SnapshotCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	now := c.now()
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !now.Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.m[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Set stores a copy of value under key for the cache TTL.
func (c *SnapshotCache) Set(key string, value []byte) {
	stored := append([]byte(nil), value...)
	c.mu.Lock()
	c.m[key] = cacheEntry{value: stored, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Clear drops every entry.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	c.m = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// SetClock replaces the time source used for expiry.
func (c *SnapshotCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
