package balance

import (
	"context"
	"fmt"

	"exec-engine/pkg/db"
)

// CheckSymbolBudget enforces max_symbols before an order is submitted or
// parked. A symbol the binding already touches always passes; only opening
// a new symbol consumes budget. Violations are permanent failures.
func (m *Manager) CheckSymbolBudget(ctx context.Context, b *db.StrategyBinding, symbol string) error {
	if b.MaxSymbols <= 0 {
		return nil
	}
	active, err := m.store.IsSymbolActive(ctx, b.ID, symbol)
	if err != nil {
		return fmt.Errorf("symbol budget read: %w", err)
	}
	if active {
		return nil
	}
	n, err := m.store.CountActiveSymbols(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("symbol budget read: %w", err)
	}
	if n >= b.MaxSymbols {
		return fmt.Errorf("%w: %d of %d in use, %s would exceed the budget",
			ErrMaxSymbols, n, b.MaxSymbols, symbol)
	}
	return nil
}
