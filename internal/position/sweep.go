package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/gateway"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

const defaultSweepInterval = time.Minute

// Sweeper recomputes unrealized PnL for every non-flat position and writes
// the per-binding total into strategy_capital.current_pnl. Symbols are
// priced with one batched quote fetch per (account, market) pair, so the
// venue call count stays flat as symbols accumulate. Fetched quotes also
// land in the shared quote cache.
type Sweeper struct {
	store    *db.Database
	gateways *gateway.Pool
	quotes   *cache.QuoteCache
	interval time.Duration
}

func NewSweeper(store *db.Database, gateways *gateway.Pool, quotes *cache.QuoteCache, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{store: store, gateways: gateways, quotes: quotes, interval: interval}
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := s.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("unrealized pnl sweep failed")
				}
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Msg("pnl sweeper started")
}

type venueKey struct {
	accountID string
	market    string
}

// Sweep prices all open positions once and refreshes the capital rows.
func (s *Sweeper) Sweep(ctx context.Context) error {
	positions, err := s.store.ListPositionsForSweep(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	symbols := make(map[venueKey][]string)
	seen := make(map[venueKey]map[string]bool)
	exchange := make(map[venueKey]string)
	for _, p := range positions {
		k := venueKey{p.AccountID, p.MarketType}
		exchange[k] = p.Exchange
		if seen[k] == nil {
			seen[k] = make(map[string]bool)
		}
		if !seen[k][p.Symbol] {
			seen[k][p.Symbol] = true
			symbols[k] = append(symbols[k], p.Symbol)
		}
	}

	quotes := make(map[venueKey]map[string]float64, len(symbols))
	for k, syms := range symbols {
		client, err := s.gateways.ClientFor(ctx, k.accountID, common.MarketType(k.market))
		if err != nil {
			log.Warn().Err(err).Str("account_id", k.accountID).Msg("pnl sweep skipping account")
			continue
		}
		prices, err := client.FetchPriceQuotes(ctx, syms)
		if err != nil {
			log.Warn().Err(err).Str("account_id", k.accountID).Int("symbols", len(syms)).
				Msg("quote batch failed")
			continue
		}
		quotes[k] = prices
		if s.quotes != nil {
			s.quotes.SetAll(exchange[k], prices)
		}
	}

	// A binding with any unpriced symbol keeps its previous snapshot rather
	// than writing a partial total.
	totals := make(map[string]float64)
	partial := make(map[string]bool)
	for _, p := range positions {
		mark, ok := quotes[venueKey{p.AccountID, p.MarketType}][p.Symbol]
		if !ok {
			partial[p.StrategyAccountID] = true
			continue
		}
		totals[p.StrategyAccountID] += Unrealized(p.Quantity, p.EntryPrice, mark)
	}

	for said, pnl := range totals {
		if partial[said] {
			continue
		}
		if err := s.store.UpdateCapitalPnl(ctx, said, pnl); err != nil {
			log.Error().Err(err).Str("strategy_account_id", said).Msg("capital pnl write failed")
		}
	}
	return nil
}
