package license

import (
	"sync"
	"time"
)

// cacheEntry is one cached successful validation.
type cacheEntry struct {
	validation Validation
	cachedAt   time.Time
	expiresAt  time.Time
}

// validationCache avoids re-verifying signatures on every call. It is
// advisory only: revocation and expiry are always re-checked against the
// authoritative record, and a revoke busts the entry synchronously.
type validationCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
}

func newValidationCache(ttl time.Duration, maxSize int) *validationCache {
	return &validationCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *validationCache) get(licenseKey string, now time.Time) (Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[licenseKey]
	if !ok || now.After(entry.expiresAt) {
		c.missCount++
		return Validation{}, false
	}
	c.hitCount++
	return entry.validation, true
}

func (c *validationCache) set(licenseKey string, v Validation, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[licenseKey] = cacheEntry{
		validation: v,
		cachedAt:   now,
		expiresAt:  now.Add(c.ttl),
	}
}

func (c *validationCache) invalidate(licenseKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, licenseKey)
}

func (c *validationCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// stats returns hit/miss counters for diagnostics.
func (c *validationCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount, c.missCount, len(c.entries)
}
