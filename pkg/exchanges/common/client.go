package common

import "context"

// RequestKind classifies a venue call for pacing. Order placements count
// against both the request window and the tighter order window.
type RequestKind int

const (
	KindRequest RequestKind = iota
	KindOrder
)

// Pacer gates outbound venue calls. Acquire blocks until a slot is free in
// every window the kind counts against, or returns the context error.
type Pacer interface {
	Acquire(ctx context.Context, kind RequestKind) error
}

// NopPacer never blocks.
type NopPacer struct{}

func (NopPacer) Acquire(context.Context, RequestKind) error { return nil }

// Client abstracts a trading venue for one account's credentials.
type Client interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string
	// Features reports venue capabilities.
	Features() Features

	// LoadMarkets fetches the precision and size rules for every symbol.
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	// FetchBalance returns the account's asset balances.
	FetchBalance(ctx context.Context) ([]Balance, error)

	// CreateOrder places one order.
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// CreateBatchOrders places several orders, natively when the venue
	// supports it, otherwise sequentially. Results are index-aligned with
	// reqs and partial failure is not an error.
	CreateBatchOrders(ctx context.Context, reqs []OrderRequest) (*BatchResult, error)
	// CancelOrder cancels by exchange order id. Returns ErrOrderNotFound
	// when the venue no longer knows the id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// FetchOrder returns the venue's view of one order.
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*Order, error)
	// FetchOpenOrders lists the venue's open orders, optionally filtered by
	// symbol ("" for all).
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// FetchTicker returns the current quote for one symbol.
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	// FetchPriceQuotes returns last prices for many symbols in as few venue
	// calls as the API allows.
	FetchPriceQuotes(ctx context.Context, symbols []string) (map[string]float64, error)

	// Ping verifies connectivity and credentials cheaply.
	Ping(ctx context.Context) error
}
