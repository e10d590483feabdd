package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pageflow/pageflow/pkg/types"
)

// Recorder receives cache events for metrics export. Implementations must be
// cheap; calls happen under the cache lock.
type Recorder interface {
	CacheHit(tier string)
	CacheMiss(tier string)
	CacheEviction(tier string)
}

// PageCache is the bounded in-memory page asset cache with a
// frequency-weighted LRU eviction policy: the entry with the highest
// age/accessCount score goes first, so a frequently revisited page outlives
// a single-hit stale one of the same age.
type PageCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	logger   *log.Logger
	recorder Recorder
	stats    types.CacheStats
	bytes    int64
	maxBytes int64
}

type cacheEntry struct {
	key            string
	asset          *types.PageAsset
	lastAccessTime time.Time
	accessCount    int64
}

// PageCacheConfig configures a PageCache.
type PageCacheConfig struct {
	// Capacity is the entry bound; must be positive.
	Capacity int
	// MaxBytes optionally bounds total asset bytes; 0 disables.
	MaxBytes int64
	// Logger receives release-failure and eviction debug logs.
	Logger *log.Logger
	// Recorder optionally receives hit/miss/eviction events.
	Recorder Recorder
}

// Key derives the cache key for a page and rendering variant (zoom/quality).
func Key(pageNumber int, variant string) string {
	if variant == "" {
		return fmt.Sprintf("page:%d", pageNumber)
	}
	return fmt.Sprintf("page:%d:%s", pageNumber, variant)
}

// NewPageCache creates a page cache. A non-positive capacity falls back to
// the medium-tier default.
func NewPageCache(cfg PageCacheConfig) *PageCache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = types.TierConfigs[types.TierMedium].CacheCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &PageCache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry, capacity),
		logger:   logger.With("component", "pagecache"),
		recorder: cfg.Recorder,
		maxBytes: cfg.MaxBytes,
		stats:    types.CacheStats{Capacity: capacity},
	}
}

// Get returns the cached asset for key. On a hit it bumps the entry's access
// count and recency; lastAccessTime never moves backwards.
func (c *PageCache) Get(key string) (*types.PageAsset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		if c.recorder != nil {
			c.recorder.CacheMiss("memory")
		}
		return nil, false
	}

	now := time.Now()
	if now.After(entry.lastAccessTime) {
		entry.lastAccessTime = now
	}
	entry.accessCount++
	c.stats.Hits++
	if c.recorder != nil {
		c.recorder.CacheHit("memory")
	}
	return entry.asset, true
}

// Peek returns the asset for key without recording a hit or a miss and
// without bumping access state. Internal re-checks use it so one logical
// lookup never counts twice in the stats.
func (c *PageCache) Peek(key string) (*types.PageAsset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.asset, true
}

// Contains reports whether key is cached without bumping access state.
func (c *PageCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put inserts an asset, evicting synchronously first when the cache is full
// so the capacity invariant holds after every insert. Re-putting an existing
// key replaces the asset and releases the old one.
func (c *PageCache) Put(key string, asset *types.PageAsset) {
	if asset == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if existing, ok := c.entries[key]; ok {
		c.bytes -= existing.asset.ByteSize
		c.release(existing.asset)
		existing.asset = asset
		existing.lastAccessTime = now
		existing.accessCount++
		c.bytes += asset.ByteSize
		c.evictLocked(now)
		return
	}

	for len(c.entries) >= c.capacity {
		if !c.evictOneLocked(now) {
			break
		}
	}

	c.entries[key] = &cacheEntry{
		key:            key,
		asset:          asset,
		lastAccessTime: now,
		accessCount:    1,
	}
	c.bytes += asset.ByteSize
	c.evictLocked(now)
}

// Delete removes a single entry and releases its asset.
func (c *PageCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.removeLocked(entry)
}

// Clear retains the keepCount entries with the lowest eviction score and
// releases everything else. Used under memory pressure.
func (c *PageCache) Clear(keepCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keepCount < 0 {
		keepCount = 0
	}
	now := time.Now()
	for len(c.entries) > keepCount {
		if !c.evictOneLocked(now) {
			break
		}
	}
}

// Resize changes the capacity at runtime. Shrinking evicts immediately down
// to the new bound; applying the current capacity is a no-op.
func (c *PageCache) Resize(capacity int) {
	if capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if capacity == c.capacity {
		return
	}
	c.capacity = capacity
	c.stats.Capacity = capacity

	now := time.Now()
	for len(c.entries) > c.capacity {
		if !c.evictOneLocked(now) {
			break
		}
	}
}

// Capacity returns the current entry bound.
func (c *PageCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Len returns the current entry count.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics.
func (c *PageCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Bytes = c.bytes
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(len(c.entries)) / float64(c.capacity)
	}
	return stats
}

// evictionScore ranks entries for removal: age divided by popularity.
func evictionScore(e *cacheEntry, now time.Time) float64 {
	age := now.Sub(e.lastAccessTime).Seconds()
	count := e.accessCount
	if count < 1 {
		count = 1
	}
	return age / float64(count)
}

// evictLocked enforces the byte bound after an insert.
func (c *PageCache) evictLocked(now time.Time) {
	if c.maxBytes <= 0 {
		return
	}
	for c.bytes > c.maxBytes && len(c.entries) > 1 {
		if !c.evictOneLocked(now) {
			return
		}
	}
}

// evictOneLocked removes the entry with the highest eviction score. Ties
// break deterministically toward the lowest access count, then the
// lexically smallest key.
func (c *PageCache) evictOneLocked(now time.Time) bool {
	if len(c.entries) == 0 {
		return false
	}

	var victim *cacheEntry
	var victimScore float64
	for _, entry := range c.entries {
		score := evictionScore(entry, now)
		if victim == nil {
			victim, victimScore = entry, score
			continue
		}
		switch {
		case score > victimScore:
			victim, victimScore = entry, score
		case score == victimScore:
			if entry.accessCount < victim.accessCount ||
				(entry.accessCount == victim.accessCount && entry.key < victim.key) {
				victim, victimScore = entry, score
			}
		}
	}

	c.removeLocked(victim)
	return true
}

func (c *PageCache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.bytes -= entry.asset.ByteSize
	c.stats.Evictions++
	if c.recorder != nil {
		c.recorder.CacheEviction("memory")
	}
	c.release(entry.asset)
}

// release frees the asset's backing resource. Release failures are swallowed
// and logged; they must never block a subsequent insert.
func (c *PageCache) release(asset *types.PageAsset) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("asset release failed", "page", asset.PageNumber, "panic", r)
		}
	}()
	asset.Release()
}
