package db

import (
	"database/sql"
	"time"
)

// Order row statuses. Terminal rows keep their final status until the
// retention sweep removes them.
const (
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
)

// Cancel queue statuses.
const (
	CancelStatusPending    = "PENDING"
	CancelStatusProcessing = "PROCESSING"
	CancelStatusSuccess    = "SUCCESS"
	CancelStatusFailed     = "FAILED"
)

// Account holds one exchange credential set.
type Account struct {
	ID                 string
	Name               string
	Exchange           string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsTestnet          bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Strategy is a signal source addressed by group name.
type Strategy struct {
	ID           string
	GroupName    string
	WebhookToken string
	MarketType   string
	Description  string
	IsActive     bool
	CreatedAt    time.Time
}

// StrategyAccount binds a strategy to one account.
type StrategyAccount struct {
	ID         string
	StrategyID string
	AccountID  string
	Weight     float64
	Leverage   int
	MaxSymbols int
	IsActive   bool
	CreatedAt  time.Time
}

// StrategyBinding is a strategy_account joined with the fields of its
// account and strategy that execution needs.
type StrategyBinding struct {
	StrategyAccount
	Exchange   string
	IsTestnet  bool
	MarketType string
	GroupName  string
}

// AccountMarket is one distinct (account, market) pair with at least one
// active binding. Each pair gets its own user-data stream.
type AccountMarket struct {
	AccountID  string
	Exchange   string
	MarketType string
}

// OpenOrder is an order that reached the exchange. account_id is
// denormalized from strategy_accounts so queue scans skip the join.
type OpenOrder struct {
	ID                int64
	StrategyAccountID string
	AccountID         string
	ExchangeOrderID   string
	Symbol            string
	Side              string
	OrderType         string
	Price             float64
	StopPrice         float64
	Quantity          float64
	FilledQuantity    float64
	AveragePrice      float64
	Fee               float64
	Status            string
	MarketType        string
	WebhookReceivedAt time.Time
	CreatedAt         time.Time
	FilledAt          sql.NullTime
}

// PendingOrder is a parked order waiting for a live slot.
type PendingOrder struct {
	ID                int64
	StrategyAccountID string
	AccountID         string
	Symbol            string
	Side              string
	OrderType         string
	Price             float64
	StopPrice         float64
	Quantity          float64
	MarketType        string
	Priority          int
	SortPrice         float64
	RetryCount        int
	Reason            string
	WebhookReceivedAt time.Time
	CreatedAt         time.Time
}

// Trade is one recorded fill. (strategy_account_id, exchange_order_id)
// is unique, which is what makes double-observed fills harmless.
type Trade struct {
	ID                string
	StrategyAccountID string
	ExchangeOrderID   string
	Symbol            string
	Side              string
	Price             float64
	Quantity          float64
	Pnl               float64
	Fee               float64
	IsEntry           bool
	ExecutedAt        time.Time
	CreatedAt         time.Time
}

// StrategyPosition is the signed net position per (strategy_account, symbol).
type StrategyPosition struct {
	StrategyAccountID string
	Symbol            string
	Quantity          float64
	EntryPrice        float64
	UpdatedAt         time.Time
}

// StrategyCapital tracks allocation and unrealized PnL per strategy_account.
type StrategyCapital struct {
	StrategyAccountID string
	Allocated         float64
	CurrentPnl        float64
	UpdatedAt         time.Time
}

// CancelRequest is a durable cancel retry entry.
type CancelRequest struct {
	ID                int64
	AccountID         string
	StrategyAccountID string
	ExchangeOrderID   string
	Symbol            string
	MarketType        string
	Status            string
	RetryCount        int
	LastError         string
	NextRetryAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AccountSymbol identifies one order queue.
type AccountSymbol struct {
	AccountID string
	Symbol    string
}

// QueueDepth is the pending backlog of one queue.
type QueueDepth struct {
	AccountID string
	Symbol    string
	Count     int
}

// SweepPosition is a non-flat position joined with the account fields the
// unrealized PnL sweep needs to price it.
type SweepPosition struct {
	StrategyAccountID string
	AccountID         string
	Exchange          string
	MarketType        string
	Symbol            string
	Quantity          float64
	EntryPrice        float64
}

// EventLogEntry is one audit-trail row. Payload is the emitted event's
// JSON snapshot.
type EventLogEntry struct {
	ID        int64
	Event     string
	Payload   string
	CreatedAt time.Time
}
