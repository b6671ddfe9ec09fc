package db

import (
	"context"
	"database/sql"
	"time"
)

const openOrderCols = `id, strategy_account_id, account_id, exchange_order_id, symbol,
       side, order_type, price, stop_price, quantity, filled_quantity,
       average_price, fee, status, market_type, webhook_received_at, created_at, filled_at`

func scanOpenOrder(row interface{ Scan(...any) error }) (OpenOrder, error) {
	var o OpenOrder
	err := row.Scan(&o.ID, &o.StrategyAccountID, &o.AccountID, &o.ExchangeOrderID, &o.Symbol,
		&o.Side, &o.OrderType, &o.Price, &o.StopPrice, &o.Quantity, &o.FilledQuantity,
		&o.AveragePrice, &o.Fee, &o.Status, &o.MarketType, &o.WebhookReceivedAt, &o.CreatedAt, &o.FilledAt)
	return o, err
}

// InsertOpenOrder records an order that reached the exchange. Returns the
// new row id.
func (q *Queries) InsertOpenOrder(ctx context.Context, o OpenOrder) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO open_orders (
			strategy_account_id, account_id, exchange_order_id, symbol, side,
			order_type, price, stop_price, quantity, filled_quantity,
			average_price, fee, status, market_type, webhook_received_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.StrategyAccountID, o.AccountID, o.ExchangeOrderID, o.Symbol, o.Side,
		o.OrderType, o.Price, o.StopPrice, o.Quantity, o.FilledQuantity,
		o.AveragePrice, o.Fee, o.Status, o.MarketType, o.WebhookReceivedAt, nullTime(o.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetOpenOrder returns one order row by id, or nil.
func (q *Queries) GetOpenOrder(ctx context.Context, id int64) (*OpenOrder, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+openOrderCols+` FROM open_orders WHERE id = ?`, id)
	o, err := scanOpenOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// GetOrderByExchangeID resolves an exchange order id under one account, or nil.
func (q *Queries) GetOrderByExchangeID(ctx context.Context, accountID, exchangeOrderID string) (*OpenOrder, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+openOrderCols+` FROM open_orders
		WHERE account_id = ? AND exchange_order_id = ?
	`, accountID, exchangeOrderID)
	o, err := scanOpenOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// ListLiveOrders returns the non-terminal orders of one (account, symbol)
// queue, oldest webhook first.
func (q *Queries) ListLiveOrders(ctx context.Context, accountID, symbol string) ([]OpenOrder, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+openOrderCols+` FROM open_orders
		WHERE account_id = ? AND symbol = ? AND status IN ('OPEN','PARTIALLY_FILLED')
		ORDER BY webhook_received_at, id
	`, accountID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOpenOrders(rows)
}

// ListActiveOrders returns every non-terminal order across all accounts.
func (q *Queries) ListActiveOrders(ctx context.Context) ([]OpenOrder, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+openOrderCols+` FROM open_orders
		WHERE status IN ('OPEN','PARTIALLY_FILLED')
		ORDER BY account_id, symbol, webhook_received_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOpenOrders(rows)
}

// ListOrdersByStrategyAccount returns non-terminal orders of one binding.
func (q *Queries) ListOrdersByStrategyAccount(ctx context.Context, strategyAccountID string) ([]OpenOrder, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+openOrderCols+` FROM open_orders
		WHERE strategy_account_id = ? AND status IN ('OPEN','PARTIALLY_FILLED')
		ORDER BY webhook_received_at, id
	`, strategyAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOpenOrders(rows)
}

func collectOpenOrders(rows *sql.Rows) ([]OpenOrder, error) {
	var res []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrderStatus sets a non-terminal status.
func (q *Queries) UpdateOrderStatus(ctx context.Context, id int64, status string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE open_orders SET status = ? WHERE id = ?`, status, id)
	return err
}

// UpdateOrderFill records partial progress without closing the order.
func (q *Queries) UpdateOrderFill(ctx context.Context, id int64, status string, filledQty, avgPrice, fee float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE open_orders
		SET status = ?, filled_quantity = ?, average_price = ?, fee = ?
		WHERE id = ?
	`, status, filledQty, avgPrice, fee, id)
	return err
}

// MarkOrderTerminal closes the order and stamps filled_at.
func (q *Queries) MarkOrderTerminal(ctx context.Context, id int64, status string, filledQty, avgPrice, fee float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE open_orders
		SET status = ?, filled_quantity = ?, average_price = ?, fee = ?,
		    filled_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, avgPrice, fee, id)
	return err
}

// DeleteOpenOrder removes an order row. Used when a live order is parked
// back to pending inside the same transaction.
func (q *Queries) DeleteOpenOrder(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM open_orders WHERE id = ?`, id)
	return err
}

// DeleteTerminalOrdersBefore removes terminal rows older than cutoff and
// reports how many were swept.
func (q *Queries) DeleteTerminalOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM open_orders
		WHERE status IN ('FILLED','CANCELED','REJECTED') AND filled_at IS NOT NULL AND filled_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListQueuePairs returns every (account, symbol) that currently has live or
// pending orders.
func (q *Queries) ListQueuePairs(ctx context.Context) ([]AccountSymbol, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, symbol FROM open_orders WHERE status IN ('OPEN','PARTIALLY_FILLED')
		UNION
		SELECT account_id, symbol FROM pending_orders
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []AccountSymbol
	for rows.Next() {
		var p AccountSymbol
		if err := rows.Scan(&p.AccountID, &p.Symbol); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const pendingOrderCols = `id, strategy_account_id, account_id, symbol, side, order_type,
       price, stop_price, quantity, market_type, priority, sort_price,
       retry_count, reason, webhook_received_at, created_at`

func scanPendingOrder(row interface{ Scan(...any) error }) (PendingOrder, error) {
	var p PendingOrder
	err := row.Scan(&p.ID, &p.StrategyAccountID, &p.AccountID, &p.Symbol, &p.Side, &p.OrderType,
		&p.Price, &p.StopPrice, &p.Quantity, &p.MarketType, &p.Priority, &p.SortPrice,
		&p.RetryCount, &p.Reason, &p.WebhookReceivedAt, &p.CreatedAt)
	return p, err
}

// InsertPendingOrder parks an order. webhook_received_at carries over from
// the originating signal so age-based priority survives the park.
func (q *Queries) InsertPendingOrder(ctx context.Context, p PendingOrder) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_orders (
			strategy_account_id, account_id, symbol, side, order_type,
			price, stop_price, quantity, market_type, priority, sort_price,
			retry_count, reason, webhook_received_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		p.StrategyAccountID, p.AccountID, p.Symbol, p.Side, p.OrderType,
		p.Price, p.StopPrice, p.Quantity, p.MarketType, p.Priority, p.SortPrice,
		p.RetryCount, p.Reason, p.WebhookReceivedAt, nullTime(p.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListPendingOrders returns the parked orders of one (account, symbol) queue.
func (q *Queries) ListPendingOrders(ctx context.Context, accountID, symbol string) ([]PendingOrder, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+pendingOrderCols+` FROM pending_orders
		WHERE account_id = ? AND symbol = ?
		ORDER BY priority, sort_price DESC, webhook_received_at, id
	`, accountID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PendingOrder
	for rows.Next() {
		p, err := scanPendingOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeletePendingOrder removes one parked order.
func (q *Queries) DeletePendingOrder(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id)
	return err
}

// DeletePendingBySymbol purges a whole queue's parked orders. Used by
// cancel-all.
func (q *Queries) DeletePendingBySymbol(ctx context.Context, accountID, symbol string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM pending_orders WHERE account_id = ? AND symbol = ?
	`, accountID, symbol)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BumpPendingRetry increments the promotion failure counter.
func (q *Queries) BumpPendingRetry(ctx context.Context, id int64, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_orders SET retry_count = retry_count + 1, reason = ? WHERE id = ?
	`, reason, id)
	return err
}

// ListPendingDepths returns the backlog size of every queue that has parked
// orders.
func (q *Queries) ListPendingDepths(ctx context.Context) ([]QueueDepth, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, symbol, COUNT(*) FROM pending_orders
		GROUP BY account_id, symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []QueueDepth
	for rows.Next() {
		var d QueueDepth
		if err := rows.Scan(&d.AccountID, &d.Symbol, &d.Count); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountActiveSymbols counts the distinct symbols a binding currently touches
// through live orders, parked orders, or non-flat positions.
func (q *Queries) CountActiveSymbols(ctx context.Context, strategyAccountID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT symbol FROM open_orders
			WHERE strategy_account_id = ? AND status IN ('OPEN','PARTIALLY_FILLED')
			UNION
			SELECT symbol FROM pending_orders WHERE strategy_account_id = ?
			UNION
			SELECT symbol FROM strategy_positions
			WHERE strategy_account_id = ? AND quantity != 0
		)
	`, strategyAccountID, strategyAccountID, strategyAccountID).Scan(&n)
	return n, err
}

// IsSymbolActive reports whether a binding already touches one symbol
// through a live order, a parked order, or a non-flat position.
func (q *Queries) IsSymbolActive(ctx context.Context, strategyAccountID, symbol string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM open_orders
			WHERE strategy_account_id = ? AND symbol = ? AND status IN ('OPEN','PARTIALLY_FILLED')
			UNION
			SELECT 1 FROM pending_orders WHERE strategy_account_id = ? AND symbol = ?
			UNION
			SELECT 1 FROM strategy_positions
			WHERE strategy_account_id = ? AND symbol = ? AND quantity != 0
		)
	`, strategyAccountID, symbol, strategyAccountID, symbol, strategyAccountID, symbol).Scan(&n)
	return n > 0, err
}
