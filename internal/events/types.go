package events

import "time"

// Event enumerates the topics the engine emits after commits.
type Event string

const (
	EventOrderCreated        Event = "order_created"
	EventOrderCancelled      Event = "order_cancelled"
	EventOrderFilled         Event = "order_filled"
	EventOrderListUpdate     Event = "order_list_update"
	EventPendingOrderChanged Event = "pending_order_changed"
	EventPositionUpdated     Event = "position_updated"
	EventBatchSummary        Event = "batch_summary"
)

// Envelope is the wire form of one emitted event, shared by the websocket
// stream and the Redis mirror.
type Envelope struct {
	Event   Event     `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// OrderPayload describes one order for order_created and order_cancelled.
type OrderPayload struct {
	OrderID           int64   `json:"order_id"`
	ExchangeOrderID   string  `json:"exchange_order_id,omitempty"`
	StrategyAccountID string  `json:"strategy_account_id"`
	AccountID         string  `json:"account_id"`
	Exchange          string  `json:"exchange,omitempty"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	OrderType         string  `json:"order_type"`
	Status            string  `json:"status"`
	Price             float64 `json:"price,omitempty"`
	StopPrice         float64 `json:"stop_price,omitempty"`
	Quantity          float64 `json:"quantity"`
}

// FillPayload describes one recorded fill.
type FillPayload struct {
	OrderID           int64   `json:"order_id"`
	TradeID           string  `json:"trade_id"`
	StrategyAccountID string  `json:"strategy_account_id"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Price             float64 `json:"price"`
	Quantity          float64 `json:"quantity"`
	Fee               float64 `json:"fee,omitempty"`
	IsEntry           bool    `json:"is_entry"`
}

// OrderListPayload tells subscribers which live list changed.
type OrderListPayload struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
}

// PendingPayload reports the queue depth after a pending-set change.
type PendingPayload struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Depth     int    `json:"depth"`
}

// PositionPayload is the ledger row after a fill was applied.
type PositionPayload struct {
	StrategyAccountID string  `json:"strategy_account_id"`
	Symbol            string  `json:"symbol"`
	Quantity          float64 `json:"quantity"`
	EntryPrice        float64 `json:"entry_price"`
	RealizedPnl       float64 `json:"realized_pnl"`
}

// BatchPayload summarizes one create_batch_orders round trip.
type BatchPayload struct {
	AccountID      string `json:"account_id"`
	Exchange       string `json:"exchange"`
	Implementation string `json:"implementation"`
	Total          int    `json:"total"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
}
