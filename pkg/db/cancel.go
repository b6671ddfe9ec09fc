package db

import (
	"context"
	"time"
)

// EnqueueCancel records a cancel that must eventually land on the exchange.
func (q *Queries) EnqueueCancel(ctx context.Context, c CancelRequest) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO cancel_queue (
			account_id, strategy_account_id, exchange_order_id, symbol,
			market_type, status, retry_count, next_retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		c.AccountID, c.StrategyAccountID, c.ExchangeOrderID, c.Symbol,
		c.MarketType, CancelStatusPending, c.RetryCount, nullTime(c.NextRetryAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDueCancels returns pending cancels whose retry time has arrived.
func (q *Queries) ListDueCancels(ctx context.Context, now time.Time, limit int) ([]CancelRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, strategy_account_id, exchange_order_id, symbol,
		       market_type, status, retry_count, last_error, next_retry_at,
		       created_at, updated_at
		FROM cancel_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?
	`, CancelStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []CancelRequest
	for rows.Next() {
		var c CancelRequest
		if err := rows.Scan(&c.ID, &c.AccountID, &c.StrategyAccountID, &c.ExchangeOrderID, &c.Symbol,
			&c.MarketType, &c.Status, &c.RetryCount, &c.LastError, &c.NextRetryAt,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCancelStatus moves a cancel entry through its state machine.
func (q *Queries) UpdateCancelStatus(ctx context.Context, id int64, status string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE cancel_queue SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}

// RescheduleCancel puts a failed attempt back in the queue with a new due
// time and the last error for diagnosis.
func (q *Queries) RescheduleCancel(ctx context.Context, id int64, nextRetryAt time.Time, retryCount int, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE cancel_queue
		SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, CancelStatusPending, retryCount, nextRetryAt, lastError, id)
	return err
}

// DeleteFinishedCancelsBefore sweeps terminal cancel entries.
func (q *Queries) DeleteFinishedCancelsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM cancel_queue
		WHERE status IN (?, ?) AND updated_at < ?
	`, CancelStatusSuccess, CancelStatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
