package db

import (
	"context"
	"database/sql"
)

// InsertTrade records one fill. Callers must treat a unique violation on
// (strategy_account_id, exchange_order_id) as "already recorded", not as an
// error. See IsUniqueViolation.
func (q *Queries) InsertTrade(ctx context.Context, t Trade) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, strategy_account_id, exchange_order_id, symbol, side,
			price, quantity, pnl, fee, is_entry, executed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		t.ID, t.StrategyAccountID, t.ExchangeOrderID, t.Symbol, t.Side,
		t.Price, t.Quantity, t.Pnl, t.Fee, t.IsEntry, nullTime(t.ExecutedAt), nullTime(t.CreatedAt),
	)
	return err
}

// ListTrades returns recent fills of one binding, newest first.
func (q *Queries) ListTrades(ctx context.Context, strategyAccountID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, strategy_account_id, exchange_order_id, symbol, side,
		       price, quantity, pnl, fee, is_entry, executed_at, created_at
		FROM trades WHERE strategy_account_id = ?
		ORDER BY executed_at DESC, created_at DESC
		LIMIT ?
	`, strategyAccountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.StrategyAccountID, &t.ExchangeOrderID, &t.Symbol, &t.Side,
			&t.Price, &t.Quantity, &t.Pnl, &t.Fee, &t.IsEntry, &t.ExecutedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetPosition returns the position row for (binding, symbol), or nil when
// the book has never touched the symbol.
func (q *Queries) GetPosition(ctx context.Context, strategyAccountID, symbol string) (*StrategyPosition, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT strategy_account_id, symbol, quantity, entry_price, updated_at
		FROM strategy_positions WHERE strategy_account_id = ? AND symbol = ?
	`, strategyAccountID, symbol)
	var p StrategyPosition
	if err := row.Scan(&p.StrategyAccountID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpsertPosition stores the signed net position for (binding, symbol).
func (q *Queries) UpsertPosition(ctx context.Context, p StrategyPosition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_account_id, symbol, quantity, entry_price, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			entry_price = excluded.entry_price,
			updated_at = CURRENT_TIMESTAMP
	`, p.StrategyAccountID, p.Symbol, p.Quantity, p.EntryPrice)
	return err
}

// ListPositions returns the positions of one binding, flat rows included.
func (q *Queries) ListPositions(ctx context.Context, strategyAccountID string) ([]StrategyPosition, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT strategy_account_id, symbol, quantity, entry_price, updated_at
		FROM strategy_positions WHERE strategy_account_id = ?
		ORDER BY symbol
	`, strategyAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []StrategyPosition
	for rows.Next() {
		var p StrategyPosition
		if err := rows.Scan(&p.StrategyAccountID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListPositionsForSweep returns every non-flat position joined with the
// account fields needed to price it.
func (q *Queries) ListPositionsForSweep(ctx context.Context) ([]SweepPosition, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT p.strategy_account_id, sa.account_id, a.exchange, s.market_type,
		       p.symbol, p.quantity, p.entry_price
		FROM strategy_positions p
		JOIN strategy_accounts sa ON sa.id = p.strategy_account_id
		JOIN accounts a ON a.id = sa.account_id
		JOIN strategies s ON s.id = sa.strategy_id
		WHERE p.quantity != 0
		ORDER BY a.exchange, p.symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SweepPosition
	for rows.Next() {
		var p SweepPosition
		if err := rows.Scan(&p.StrategyAccountID, &p.AccountID, &p.Exchange, &p.MarketType,
			&p.Symbol, &p.Quantity, &p.EntryPrice); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetCapital returns the capital row of a binding, or nil.
func (q *Queries) GetCapital(ctx context.Context, strategyAccountID string) (*StrategyCapital, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT strategy_account_id, allocated, current_pnl, updated_at
		FROM strategy_capital WHERE strategy_account_id = ?
	`, strategyAccountID)
	var c StrategyCapital
	if err := row.Scan(&c.StrategyAccountID, &c.Allocated, &c.CurrentPnl, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// UpsertCapital sets the allocation for a binding, preserving current_pnl.
func (q *Queries) UpsertCapital(ctx context.Context, c StrategyCapital) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_capital (strategy_account_id, allocated, current_pnl, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id) DO UPDATE SET
			allocated = excluded.allocated,
			updated_at = CURRENT_TIMESTAMP
	`, c.StrategyAccountID, c.Allocated, c.CurrentPnl)
	return err
}

// UpdateCapitalPnl writes the latest unrealized PnL snapshot.
func (q *Queries) UpdateCapitalPnl(ctx context.Context, strategyAccountID string, pnl float64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_capital (strategy_account_id, allocated, current_pnl, updated_at)
		VALUES (?, 0, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id) DO UPDATE SET
			current_pnl = excluded.current_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, strategyAccountID, pnl)
	return err
}
