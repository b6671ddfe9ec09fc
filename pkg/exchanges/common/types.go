package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// IsStop reports whether the type carries a trigger price.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopMarket || t == OrderTypeStopLimit
}

// NeedsLimitPrice reports whether the type carries a limit price.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// OrderRequest captures an order intent to be sent to an exchange. Symbol is
// the normalized BASE/QUOTE form; prices and quantities are already snapped
// to the venue's precision rules.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64 // LIMIT and STOP_LIMIT
	StopPrice   float64 // STOP_MARKET and STOP_LIMIT
	TimeInForce TimeInForce
	ClientID    string // optional client order id
	ReduceOnly  bool
	Market      MarketType
}

// Order is the exchange's view of one order.
type Order struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	StopPrice       float64
	Quantity        float64
	FilledQuantity  float64
	AveragePrice    float64
	Fee             float64
	FeeAsset        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BatchImplementation tags how a batch reached the venue.
type BatchImplementation string

const (
	BatchNative     BatchImplementation = "NATIVE_BATCH"
	BatchSequential BatchImplementation = "SEQUENTIAL_FALLBACK"
)

// BatchOutcome is the per-request result of a batch, index-aligned with the
// submitted slice.
type BatchOutcome struct {
	Order *Order
	Err   error
}

// BatchSummary aggregates a batch result.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
}

// BatchResult is the outcome of a create_batch_orders call.
type BatchResult struct {
	Results        []BatchOutcome
	Summary        BatchSummary
	Implementation BatchImplementation
}

// Summarize recounts the summary from the outcomes.
func (r *BatchResult) Summarize() {
	r.Summary = BatchSummary{Total: len(r.Results)}
	for _, out := range r.Results {
		if out.Err != nil {
			r.Summary.Failed++
		} else {
			r.Summary.Succeeded++
		}
	}
}

// MarketInfo holds the precision and size rules of one symbol. Decimal
// fields keep tick arithmetic exact.
type MarketInfo struct {
	Symbol      string
	Base        string
	Quote       string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQuantity decimal.Decimal
	MinNotional decimal.Decimal
}

// Ticker is a point-in-time quote.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	At     time.Time
}

// Balance is one asset's balance on the venue.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Features describes venue capabilities the engine branches on.
type Features struct {
	// NativeBatch means create_batch_orders maps to one venue call.
	NativeBatch bool
	// RuleBasedPrecision means tick rules are computed, not fetched, so the
	// market refresher can skip the venue.
	RuleBasedPrecision bool
}
