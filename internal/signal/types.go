// Package signal turns raw webhook payloads into canonical order intents
// and fans them out to every account bound to the signal's strategy.
package signal

import (
	"exec-engine/internal/events"
	"exec-engine/internal/order"
	"exec-engine/pkg/exchanges/common"
)

// Order is the per-order slice of a webhook payload. In a batch signal each
// element of the orders array carries this shape; a single-order signal
// carries it inline at the top level.
type Order struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
	Qty       float64 `json:"qty,omitempty"`
	QtyPer    float64 `json:"qty_per,omitempty"`
}

// Signal is one decoded webhook payload. The presence of the orders array
// is the only thing that makes a signal a batch; there is no flag.
type Signal struct {
	GroupName string `json:"group_name"`
	Token     string `json:"token"`
	Order
	Orders []Order `json:"orders,omitempty"`
}

// Intent is one canonical order after normalization. CancelAll intents
// carry only the symbol; every other field is zero.
type Intent struct {
	Symbol    string
	Side      common.Side
	Type      common.OrderType
	Price     float64
	StopPrice float64
	Qty       float64
	QtyPer    float64
	CancelAll bool
}

// AccountResult is the outcome of one account's slice of the fan-out.
// Results are index-aligned with the signal's intents.
type AccountResult struct {
	StrategyAccountID string         `json:"strategy_account_id"`
	AccountID         string         `json:"account_id"`
	Exchange          string         `json:"exchange"`
	Results           []order.Result `json:"results"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
}

// Outcome aggregates a whole dispatch. Total counts intents times accounts,
// so a two-account batch of three orders reports six.
type Outcome struct {
	GroupName  string             `json:"group_name"`
	Accounts   []AccountResult    `json:"accounts"`
	Toasts     []events.ToastLine `json:"toasts,omitempty"`
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
}

// OK reports whether every dispatched intent succeeded.
func (o *Outcome) OK() bool {
	return o.Failed == 0
}

// Partial reports a mixed outcome, which maps to HTTP 207 at the edge.
func (o *Outcome) Partial() bool {
	return o.Successful > 0 && o.Failed > 0
}
