package db

import (
	"context"
	"time"
)

// InsertEventLog appends one audit row with the emit-time timestamp.
func (q *Queries) InsertEventLog(ctx context.Context, e EventLogEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO event_log (event, payload, created_at) VALUES (?, ?, ?)
	`, e.Event, e.Payload, e.CreatedAt)
	return err
}

// ListRecentEventLog returns the newest rows first.
func (q *Queries) ListRecentEventLog(ctx context.Context, limit int) ([]EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, event, payload, created_at FROM event_log
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEventLogBefore prunes audit rows older than cutoff and reports how
// many were removed.
func (q *Queries) DeleteEventLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM event_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
