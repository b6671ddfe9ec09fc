package db

import (
	"database/sql"
	"fmt"
	"strings"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    exchange TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL DEFAULT '',
    api_secret_encrypted TEXT NOT NULL DEFAULT '',
    key_version INTEGER DEFAULT 1,
    is_testnet BOOLEAN DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    group_name TEXT NOT NULL UNIQUE,
    webhook_token TEXT NOT NULL,
    market_type TEXT NOT NULL CHECK (market_type IN ('SPOT','FUTURES')),
    description TEXT DEFAULT '',
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    weight REAL DEFAULT 1.0,
    leverage INTEGER DEFAULT 1,
    max_symbols INTEGER DEFAULT 0,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(strategy_id, account_id),
    FOREIGN KEY (strategy_id) REFERENCES strategies(id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS open_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_account_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    quantity REAL NOT NULL,
    filled_quantity REAL DEFAULT 0,
    average_price REAL DEFAULT 0,
    fee REAL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OPEN',
    market_type TEXT NOT NULL,
    webhook_received_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    filled_at DATETIME
);

CREATE INDEX IF NOT EXISTS ix_open_orders_account_symbol ON open_orders(account_id, symbol);
CREATE INDEX IF NOT EXISTS ix_open_orders_status ON open_orders(status);

CREATE TABLE IF NOT EXISTS pending_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_account_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    quantity REAL NOT NULL,
    market_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    sort_price REAL NOT NULL DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    reason TEXT DEFAULT '',
    webhook_received_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS ix_pending_orders_account_symbol ON pending_orders(account_id, symbol);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    strategy_account_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    quantity REAL NOT NULL,
    pnl REAL DEFAULT 0,
    fee REAL DEFAULT 0,
    is_entry BOOLEAN DEFAULT 1,
    executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity REAL DEFAULT 0,
    entry_price REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (strategy_account_id, symbol)
);

CREATE TABLE IF NOT EXISTS strategy_capital (
    strategy_account_id TEXT PRIMARY KEY,
    allocated REAL DEFAULT 0,
    current_pnl REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cancel_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    strategy_account_id TEXT NOT NULL DEFAULT '',
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    market_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    retry_count INTEGER DEFAULT 0,
    last_error TEXT DEFAULT '',
    next_retry_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS event_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// TradeDedupSQL keeps the earliest row of each duplicated
// (strategy_account_id, exchange_order_id) group. Operators run it by hand
// before the unique-index migration will pass; see scripts/trade_dedup_check.
const TradeDedupSQL = `DELETE FROM trades WHERE rowid NOT IN (
    SELECT MIN(rowid) FROM trades GROUP BY strategy_account_id, exchange_order_id
);`

// ApplyMigrations creates tables and applies additive schema changes.
func (d *Database) ApplyMigrations() error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the initial release. The ALTER is skipped on fresh
	// databases because the column already exists in the base schema.
	migrations := []struct {
		table, column, ddl string
	}{
		{"open_orders", "fee", "ALTER TABLE open_orders ADD COLUMN fee REAL DEFAULT 0"},
		{"open_orders", "average_price", "ALTER TABLE open_orders ADD COLUMN average_price REAL DEFAULT 0"},
		{"pending_orders", "reason", "ALTER TABLE pending_orders ADD COLUMN reason TEXT DEFAULT ''"},
		{"accounts", "key_version", "ALTER TABLE accounts ADD COLUMN key_version INTEGER DEFAULT 1"},
		{"cancel_queue", "last_error", "ALTER TABLE cancel_queue ADD COLUMN last_error TEXT DEFAULT ''"},
	}
	for _, m := range migrations {
		if err := d.ensureColumn(m.table, m.column, m.ddl); err != nil {
			return err
		}
	}

	return d.ensureTradeUniqueIndex()
}

// ensureColumn adds a column if the table does not have it yet.
func (d *Database) ensureColumn(table, column, ddl string) error {
	rows, err := d.DB.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		if name == column {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := d.DB.Exec(ddl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// ensureTradeUniqueIndex installs the fill-idempotency index. Databases that
// already hold duplicate fills must be cleaned by an operator first, so the
// migration aborts with the cleanup statement instead of guessing which row
// to keep.
func (d *Database) ensureTradeUniqueIndex() error {
	var dups int
	err := d.DB.QueryRow(`SELECT COUNT(*) FROM (
        SELECT strategy_account_id, exchange_order_id
        FROM trades
        GROUP BY strategy_account_id, exchange_order_id
        HAVING COUNT(*) > 1
    )`).Scan(&dups)
	if err != nil {
		return fmt.Errorf("check trade duplicates: %w", err)
	}
	if dups > 0 {
		return fmt.Errorf("trades table has %d duplicated (strategy_account_id, exchange_order_id) groups; run the cleanup below and restart:\n%s", dups, TradeDedupSQL)
	}
	if _, err := d.DB.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_trades_account_order
        ON trades(strategy_account_id, exchange_order_id)`); err != nil {
		return fmt.Errorf("create trade unique index: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
