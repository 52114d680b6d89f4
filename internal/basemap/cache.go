package basemap

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TileKey addresses one slippy-map tile.
type TileKey struct {
	Z, X, Y int
}

// TileCache is a concurrent-safe LRU cache for encoded tiles with TTL expiration.
type TileCache struct {
	entries    *expirable.LRU[TileKey, []byte]
	maxEntries int
	hits       atomic.Int64
	misses     atomic.Int64
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewTileCache creates a new TileCache with the given capacity and TTL.
func NewTileCache(maxEntries int, ttl time.Duration) *TileCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &TileCache{
		entries:    expirable.NewLRU[TileKey, []byte](maxEntries, nil, ttl),
		maxEntries: maxEntries,
	}
}

// Get retrieves a cached tile. Returns nil on miss or expiration.
func (c *TileCache) Get(k TileKey) []byte {
	data, ok := c.entries.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return data
}

// Put stores a tile, evicting the least recently used entry at capacity.
func (c *TileCache) Put(k TileKey, data []byte) {
	c.entries.Add(k, data)
}

// Purge drops every cached tile.
func (c *TileCache) Purge() {
	c.entries.Purge()
}

// Stats returns cache performance statistics.
func (c *TileCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    c.entries.Len(),
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}
