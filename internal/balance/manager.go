// Package balance resolves capital-relative order sizes into absolute
// quantities and runs the pre-trade checks that gate new symbols.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/gateway"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// quoteTTL bounds how stale a cached price may be when converting notional
// into quantity for MARKET orders.
const quoteTTL = 10 * time.Second

var (
	// ErrNoQuantity means the order carried neither qty nor a usable qty_per.
	ErrNoQuantity = errors.New("order needs qty or qty_per")

	// ErrNoAllocation means qty_per cannot resolve because the binding has
	// no capital base on the venue.
	ErrNoAllocation = errors.New("no capital allocated")

	// ErrNoQuote means no price was available to convert notional into
	// quantity.
	ErrNoQuote = errors.New("no price available")

	// ErrMaxSymbols is the symbol budget violation. Permanent, never
	// retried.
	ErrMaxSymbols = errors.New("max symbols reached")
)

// Manager owns the binding capital bases and the quote lookups that turn
// qty_per fractions into base-asset quantities.
type Manager struct {
	store    *db.Database
	gateways *gateway.Pool
	quotes   *cache.QuoteCache
}

func NewManager(store *db.Database, gateways *gateway.Pool, quotes *cache.QuoteCache) *Manager {
	return &Manager{store: store, gateways: gateways, quotes: quotes}
}

// QuantitySpec carries the sizing fields of one normalized order.
type QuantitySpec struct {
	Symbol    string
	Type      common.OrderType
	Qty       float64
	QtyPer    float64
	Price     float64
	StopPrice float64
}

// ResolveQuantity turns the spec into an absolute base quantity. An
// absolute qty wins over qty_per when both are set. qty_per is a fraction
// in (0,1] of the binding's allocated capital; the notional prices against
// the order's own resting price, or the live quote for MARKET orders.
// Precision snapping happens later on the order path.
func (m *Manager) ResolveQuantity(ctx context.Context, b *db.StrategyBinding, spec QuantitySpec) (float64, error) {
	if spec.Qty > 0 {
		if spec.QtyPer > 0 {
			log.Warn().Str("symbol", spec.Symbol).Str("group", b.GroupName).
				Msg("both qty and qty_per set, using qty")
		}
		return spec.Qty, nil
	}
	if spec.QtyPer <= 0 {
		return 0, ErrNoQuantity
	}
	if spec.QtyPer > 1 {
		return 0, fmt.Errorf("%w: qty_per %v out of range (0,1]", ErrNoQuantity, spec.QtyPer)
	}

	allocated, err := m.allocation(ctx, b, quoteAsset(spec.Symbol))
	if err != nil {
		return 0, err
	}
	ref, err := m.referencePrice(ctx, b, spec)
	if err != nil {
		return 0, err
	}
	return spec.QtyPer * allocated / ref, nil
}

// allocation returns the binding's capital base, refreshing it from the
// venue when no usable row exists.
func (m *Manager) allocation(ctx context.Context, b *db.StrategyBinding, asset string) (float64, error) {
	row, err := m.store.GetCapital(ctx, b.ID)
	if err != nil {
		return 0, fmt.Errorf("read capital: %w", err)
	}
	if row != nil && row.Allocated > 0 {
		return row.Allocated, nil
	}
	return m.RefreshAllocation(ctx, b, asset)
}

// RefreshAllocation recomputes the capital base as weight times the
// binding's equity in asset (free plus locked) and persists it, so the
// order path normally resolves qty_per without a venue call.
func (m *Manager) RefreshAllocation(ctx context.Context, b *db.StrategyBinding, asset string) (float64, error) {
	client, err := m.gateways.ClientFor(ctx, b.AccountID, common.MarketType(b.MarketType))
	if err != nil {
		return 0, err
	}
	balances, err := client.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}

	var equity float64
	for _, bal := range balances {
		if bal.Asset == asset {
			equity = bal.Free + bal.Locked
			break
		}
	}
	allocated := equity * b.Weight
	if allocated <= 0 {
		return 0, fmt.Errorf("%w: %s equity %v, weight %v", ErrNoAllocation, asset, equity, b.Weight)
	}

	if err := m.store.UpsertCapital(ctx, db.StrategyCapital{
		StrategyAccountID: b.ID,
		Allocated:         allocated,
	}); err != nil {
		return 0, fmt.Errorf("persist allocation: %w", err)
	}
	log.Info().Str("strategy_account_id", b.ID).Str("asset", asset).
		Float64("allocated", allocated).Msg("allocation refreshed")
	return allocated, nil
}

// referencePrice picks the price the notional converts against. Resting
// orders use their own price; MARKET orders use the live quote. A resting
// order missing its price also falls to the quote here and gets rejected
// by parameter validation afterwards.
func (m *Manager) referencePrice(ctx context.Context, b *db.StrategyBinding, spec QuantitySpec) (float64, error) {
	switch spec.Type {
	case common.OrderTypeLimit, common.OrderTypeStopLimit:
		if spec.Price > 0 {
			return spec.Price, nil
		}
	case common.OrderTypeStopMarket:
		if spec.StopPrice > 0 {
			return spec.StopPrice, nil
		}
	}

	key := cache.Key(b.Exchange, spec.Symbol)
	if price, ok := m.quotes.Fresh(key, quoteTTL); ok {
		return price, nil
	}
	client, err := m.gateways.ClientFor(ctx, b.AccountID, common.MarketType(b.MarketType))
	if err != nil {
		return 0, err
	}
	tick, err := client.FetchTicker(ctx, spec.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNoQuote, spec.Symbol, err)
	}
	m.quotes.Set(key, tick.Last)
	return tick.Last, nil
}

func quoteAsset(symbol string) string {
	_, quote, _ := strings.Cut(symbol, "/")
	return quote
}
