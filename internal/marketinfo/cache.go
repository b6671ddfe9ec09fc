// Package marketinfo keeps venue precision rules in memory so the order
// path never calls an exchange for metadata. A miss on the order path is a
// bug signal, not a reason to fetch.
package marketinfo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

// ErrCacheMiss means the order path asked for a symbol the warmup never
// loaded.
var ErrCacheMiss = errors.New("market metadata missing on order path")

// RuleTick derives the price tick from the price itself, for venues whose
// listing payload carries no tick (Upbit-class).
type RuleTick func(price float64) decimal.Decimal

// PrecisionCache stores per-venue market listings keyed by
// (exchange, market type).
type PrecisionCache struct {
	mu        sync.RWMutex
	markets   map[string]map[string]common.MarketInfo
	loadedAt  map[string]time.Time
	ruleTicks map[string]RuleTick
}

func NewPrecisionCache() *PrecisionCache {
	return &PrecisionCache{
		markets:   make(map[string]map[string]common.MarketInfo),
		loadedAt:  make(map[string]time.Time),
		ruleTicks: make(map[string]RuleTick),
	}
}

func cacheKey(exchange string, market common.MarketType) string {
	return exchange + ":" + string(market)
}

// SetRuleTick registers a computed-tick rule for one exchange.
func (c *PrecisionCache) SetRuleTick(exchange string, fn RuleTick) {
	c.mu.Lock()
	c.ruleTicks[exchange] = fn
	c.mu.Unlock()
}

// Store replaces one venue's listing wholesale.
func (c *PrecisionCache) Store(exchange string, market common.MarketType, infos map[string]common.MarketInfo) {
	key := cacheKey(exchange, market)
	cp := make(map[string]common.MarketInfo, len(infos))
	for sym, info := range infos {
		cp[sym] = info
	}
	c.mu.Lock()
	c.markets[key] = cp
	c.loadedAt[key] = time.Now()
	c.mu.Unlock()
}

// Lookup returns one symbol's rules or ErrCacheMiss.
func (c *PrecisionCache) Lookup(exchange string, market common.MarketType, symbol string) (common.MarketInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos, ok := c.markets[cacheKey(exchange, market)]
	if !ok {
		return common.MarketInfo{}, fmt.Errorf("%w: %s %s not warmed", ErrCacheMiss, exchange, market)
	}
	info, ok := infos[symbol]
	if !ok {
		return common.MarketInfo{}, fmt.Errorf("%w: %s on %s %s", ErrCacheMiss, symbol, exchange, market)
	}
	return info, nil
}

func (c *PrecisionCache) ruleTick(exchange string) RuleTick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ruleTicks[exchange]
}

// LoadedAt reports when one venue's listing was last stored.
func (c *PrecisionCache) LoadedAt(exchange string, market common.MarketType) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.loadedAt[cacheKey(exchange, market)]
	return at, ok
}

// Clear drops one venue's listing, or everything when exchange is empty.
func (c *PrecisionCache) Clear(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exchange == "" {
		c.markets = make(map[string]map[string]common.MarketInfo)
		c.loadedAt = make(map[string]time.Time)
		return
	}
	for _, market := range []common.MarketType{common.MarketSpot, common.MarketFutures} {
		key := cacheKey(exchange, market)
		delete(c.markets, key)
		delete(c.loadedAt, key)
	}
}

// Stats summarizes cache occupancy per venue for the admin surface.
func (c *PrecisionCache) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.markets))
	for key, infos := range c.markets {
		out[key] = map[string]any{
			"symbols":   len(infos),
			"loaded_at": c.loadedAt[key],
		}
	}
	return out
}
