package marketinfo

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/pkg/exchanges/common"
)

const (
	perExchangeTimeout = 60 * time.Second
	totalWarmupTimeout = 120 * time.Second
	// refreshInterval is prime-ish so reloads drift against other periodic
	// work instead of aligning with it.
	refreshInterval = 317 * time.Second
)

// Source is one venue listing to keep warm.
type Source struct {
	Exchange string
	Market   common.MarketType
	Client   common.Client
}

// Warmup loads every source in parallel. A failing venue logs and is skipped
// so the engine starts degraded rather than not at all. Returns how many
// sources loaded.
func (c *PrecisionCache) Warmup(ctx context.Context, sources []Source) int {
	ctx, cancel := context.WithTimeout(ctx, totalWarmupTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	loaded := 0
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if c.load(ctx, src) {
				mu.Lock()
				loaded++
				mu.Unlock()
			}
		}(src)
	}
	wg.Wait()

	log.Info().Int("loaded", loaded).Int("total", len(sources)).Msg("market warmup finished")
	return loaded
}

func (c *PrecisionCache) load(ctx context.Context, src Source) bool {
	ctx, cancel := context.WithTimeout(ctx, perExchangeTimeout)
	defer cancel()

	start := time.Now()
	infos, err := src.Client.LoadMarkets(ctx)
	if err != nil {
		log.Error().Err(err).
			Str("exchange", src.Exchange).
			Str("market", string(src.Market)).
			Msg("market load failed, serving stale metadata")
		return false
	}
	c.Store(src.Exchange, src.Market, infos)
	log.Info().
		Str("exchange", src.Exchange).
		Str("market", string(src.Market)).
		Int("symbols", len(infos)).
		Dur("took", time.Since(start)).
		Msg("market listing loaded")
	return true
}

// StartRefresher reloads API-sourced listings every refresh interval.
// Venues with rule-based precision keep their static rules and are skipped.
func (c *PrecisionCache) StartRefresher(ctx context.Context, sources []Source) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, src := range sources {
					if src.Client.Features().RuleBasedPrecision {
						continue
					}
					c.load(ctx, src)
				}
			}
		}
	}()
}
