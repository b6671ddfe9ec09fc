// Package cache holds the in-memory quote cache consulted by the
// pre-trade checks and the unrealized PnL sweep. Keys are scoped per
// exchange so the same symbol on two venues never collides.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Key builds the cache key for a symbol on one exchange.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// QuoteCache is a sharded last-price cache.
type QuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	price     float64
	updatedAt time.Time
}

func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := range c.shards {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) shard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the last price under key.
func (c *QuoteCache) Set(key string, price float64) {
	s := c.shard(key)
	s.mu.Lock()
	s.items[key] = quoteEntry{price: price, updatedAt: time.Now()}
	s.mu.Unlock()
}

// SetAll stores a quote map under one exchange prefix.
func (c *QuoteCache) SetAll(exchange string, prices map[string]float64) {
	for sym, p := range prices {
		c.Set(Key(exchange, sym), p)
	}
}

// Get returns the cached price regardless of age.
func (c *QuoteCache) Get(key string) (float64, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	return entry.price, ok
}

// Fresh returns the cached price only when it is younger than maxAge.
func (c *QuoteCache) Fresh(key string, maxAge time.Duration) (float64, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return 0, false
	}
	return entry.price, true
}

// Age returns how long ago the key was last written.
func (c *QuoteCache) Age(key string) (time.Duration, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(entry.updatedAt), true
}

func (c *QuoteCache) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (c *QuoteCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Prune removes entries older than maxAge and reports how many went.
func (c *QuoteCache) Prune(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.items {
			if entry.updatedAt.Before(cutoff) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Retain drops every key not in keep.
func (c *QuoteCache) Retain(keep []string) int {
	valid := make(map[string]bool, len(keep))
	for _, k := range keep {
		valid[k] = true
	}
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.items {
			if !valid[key] {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot copies all cached prices, for the admin surface.
func (c *QuoteCache) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for key, entry := range s.items {
			out[key] = entry.price
		}
		s.mu.RUnlock()
	}
	return out
}

// Stats summarizes cache occupancy.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

func (c *QuoteCache) Stats() Stats {
	var stats Stats
	var oldest time.Time
	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, entry := range s.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
