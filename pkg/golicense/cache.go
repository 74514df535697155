package golicense

import (
	"sync"
	"time"
)

// Cache holds resolved entitlements for a short time so that repeated
// feature checks within a burst of requests avoid storage round trips.
// Entries must be invalidated whenever a user's licenses change.
type Cache interface {
	// GetEntitlement retrieves a cached entitlement
	// Returns the entitlement and true if found, nil and false otherwise
	GetEntitlement(userID string) (*Entitlement, bool)

	// SetEntitlement stores an entitlement in the cache with TTL
	SetEntitlement(userID string, ent *Entitlement, ttl time.Duration)

	// InvalidateEntitlement removes an entitlement from the cache
	InvalidateEntitlement(userID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      *Entitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetEntitlement(_ string) (*Entitlement, bool) {
	return nil, false
}

func (c *NoopCache) SetEntitlement(_ string, _ *Entitlement, _ time.Duration) {}

func (c *NoopCache) InvalidateEntitlement(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements Cache using an in-memory LRU map with TTL support
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxEntries entitlements
func NewLRUCache(maxEntries int) *LRUCache {
	return newLRUCache(maxEntries, time.Now)
}

func newLRUCache(maxEntries int, now func() time.Time) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        now,
	}
}

func (c *LRUCache) GetEntitlement(userID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[userID]
	if !exists || now.After(entry.expiration) {
		if exists {
			delete(c.entries, userID)
		}
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	entry.sequence = c.nextSequence()
	c.hits++
	return copyEntitlement(entry.value), true
}

func (c *LRUCache) SetEntitlement(userID string, ent *Entitlement, ttl time.Duration) {
	if ent == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[userID] = &cacheEntry{
		value:      copyEntitlement(ent),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.nextSequence(),
	}
}

func (c *LRUCache) InvalidateEntitlement(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// evictOldest removes the least recently used entry. Callers hold c.mu.
func (c *LRUCache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) nextSequence() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}

// copyEntitlement returns a copy so callers cannot mutate cached state
func copyEntitlement(ent *Entitlement) *Entitlement {
	out := *ent
	out.OwnedProductIDs = append([]ProductID(nil), ent.OwnedProductIDs...)
	out.Features = ent.Features.clone()
	out.Orphaned = append([]ProductID(nil), ent.Orphaned...)
	return &out
}
