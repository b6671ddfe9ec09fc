package db

import (
	"context"
	"database/sql"
)

// CreateAccount inserts a new account row.
func (q *Queries) CreateAccount(ctx context.Context, a Account) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, name, exchange, api_key_encrypted, api_secret_encrypted,
			key_version, is_testnet, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		a.ID, a.Name, a.Exchange, a.APIKeyEncrypted, a.APISecretEncrypted,
		a.KeyVersion, a.IsTestnet, a.IsActive, nullTime(a.CreatedAt),
	)
	return err
}

// GetAccount returns an account by id, or nil if not found.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, exchange, api_key_encrypted, api_secret_encrypted,
		       key_version, is_testnet, is_active, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	var a Account
	if err := row.Scan(&a.ID, &a.Name, &a.Exchange, &a.APIKeyEncrypted, &a.APISecretEncrypted,
		&a.KeyVersion, &a.IsTestnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListActiveAccounts returns all active accounts.
func (q *Queries) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, exchange, api_key_encrypted, api_secret_encrypted,
		       key_version, is_testnet, is_active, created_at, updated_at
		FROM accounts WHERE is_active = 1
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Exchange, &a.APIKeyEncrypted, &a.APISecretEncrypted,
			&a.KeyVersion, &a.IsTestnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAccountCredentials replaces the stored ciphertexts for an account.
func (q *Queries) UpdateAccountCredentials(ctx context.Context, id, keyEnc, secretEnc string, keyVersion int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET api_key_encrypted = ?, api_secret_encrypted = ?, key_version = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, keyEnc, secretEnc, keyVersion, id)
	return err
}

// CreateStrategy inserts a new strategy row.
func (q *Queries) CreateStrategy(ctx context.Context, s Strategy) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategies (
			id, group_name, webhook_token, market_type, description, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.ID, s.GroupName, s.WebhookToken, s.MarketType, s.Description, s.IsActive, nullTime(s.CreatedAt))
	return err
}

// GetStrategyByGroup returns the strategy addressed by group name, or nil.
func (q *Queries) GetStrategyByGroup(ctx context.Context, group string) (*Strategy, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, group_name, webhook_token, market_type, description, is_active, created_at
		FROM strategies WHERE group_name = ?
	`, group)
	var s Strategy
	if err := row.Scan(&s.ID, &s.GroupName, &s.WebhookToken, &s.MarketType,
		&s.Description, &s.IsActive, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// CreateStrategyAccount binds a strategy to an account.
func (q *Queries) CreateStrategyAccount(ctx context.Context, sa StrategyAccount) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_accounts (
			id, strategy_id, account_id, weight, leverage, max_symbols, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, sa.ID, sa.StrategyID, sa.AccountID, sa.Weight, sa.Leverage, sa.MaxSymbols, sa.IsActive, nullTime(sa.CreatedAt))
	return err
}

// GetStrategyAccount returns one binding by id, or nil.
func (q *Queries) GetStrategyAccount(ctx context.Context, id string) (*StrategyAccount, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, account_id, weight, leverage, max_symbols, is_active, created_at
		FROM strategy_accounts WHERE id = ?
	`, id)
	var sa StrategyAccount
	if err := row.Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight,
		&sa.Leverage, &sa.MaxSymbols, &sa.IsActive, &sa.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &sa, nil
}

// ListStrategyBindings returns the active bindings of a strategy joined with
// the account and strategy fields execution needs.
func (q *Queries) ListStrategyBindings(ctx context.Context, strategyID string) ([]StrategyBinding, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.leverage,
		       sa.max_symbols, sa.is_active, sa.created_at,
		       a.exchange, a.is_testnet, s.market_type, s.group_name
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		JOIN strategies s ON s.id = sa.strategy_id
		WHERE sa.strategy_id = ? AND sa.is_active = 1 AND a.is_active = 1
		ORDER BY sa.created_at
	`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []StrategyBinding
	for rows.Next() {
		var b StrategyBinding
		if err := rows.Scan(&b.ID, &b.StrategyID, &b.AccountID, &b.Weight, &b.Leverage,
			&b.MaxSymbols, &b.IsActive, &b.CreatedAt,
			&b.Exchange, &b.IsTestnet, &b.MarketType, &b.GroupName); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListActiveAccountMarkets returns the distinct (account, market) pairs that
// have at least one active binding on an active account and strategy.
func (q *Queries) ListActiveAccountMarkets(ctx context.Context) ([]AccountMarket, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT sa.account_id, a.exchange, s.market_type
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		JOIN strategies s ON s.id = sa.strategy_id
		WHERE sa.is_active = 1 AND a.is_active = 1 AND s.is_active = 1
		ORDER BY sa.account_id, s.market_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []AccountMarket
	for rows.Next() {
		var am AccountMarket
		if err := rows.Scan(&am.AccountID, &am.Exchange, &am.MarketType); err != nil {
			return nil, err
		}
		res = append(res, am)
	}
	return res, rows.Err()
}

// GetStrategyBinding returns one binding joined with account and strategy
// fields, or nil.
func (q *Queries) GetStrategyBinding(ctx context.Context, strategyAccountID string) (*StrategyBinding, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.leverage,
		       sa.max_symbols, sa.is_active, sa.created_at,
		       a.exchange, a.is_testnet, s.market_type, s.group_name
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		JOIN strategies s ON s.id = sa.strategy_id
		WHERE sa.id = ?
	`, strategyAccountID)
	var b StrategyBinding
	if err := row.Scan(&b.ID, &b.StrategyID, &b.AccountID, &b.Weight, &b.Leverage,
		&b.MaxSymbols, &b.IsActive, &b.CreatedAt,
		&b.Exchange, &b.IsTestnet, &b.MarketType, &b.GroupName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}
