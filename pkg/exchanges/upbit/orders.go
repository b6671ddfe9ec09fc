package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

type orderPayload struct {
	UUID            string `json:"uuid"`
	Market          string `json:"market"`
	Side            string `json:"side"`
	OrdType         string `json:"ord_type"`
	State           string `json:"state"`
	Price           string `json:"price"`
	Volume          string `json:"volume"`
	ExecutedVolume  string `json:"executed_volume"`
	RemainingVolume string `json:"remaining_volume"`
	PaidFee         string `json:"paid_fee"`
	CreatedAt       string `json:"created_at"`
	Trades          []struct {
		Price  string `json:"price"`
		Volume string `json:"volume"`
		Funds  string `json:"funds"`
	} `json:"trades"`
}

func engineSide(venue string) common.Side {
	if venue == "bid" {
		return common.SideBuy
	}
	return common.SideSell
}

func venueSide(side common.Side) string {
	if side == common.SideBuy {
		return "bid"
	}
	return "ask"
}

func engineStatus(state, executed string) common.OrderStatus {
	switch state {
	case "wait", "watch":
		if parseFloat(executed) > 0 {
			return common.StatusPartiallyFilled
		}
		return common.StatusOpen
	case "done":
		return common.StatusFilled
	case "cancel":
		return common.StatusCanceled
	}
	return common.StatusUnknown
}

func toOrder(p orderPayload) *common.Order {
	o := &common.Order{
		ExchangeOrderID: p.UUID,
		Symbol:          normalizedSymbol(p.Market),
		Side:            engineSide(p.Side),
		Status:          engineStatus(p.State, p.ExecutedVolume),
		Price:           parseFloat(p.Price),
		Quantity:        parseFloat(p.Volume),
		FilledQuantity:  parseFloat(p.ExecutedVolume),
		Fee:             parseFloat(p.PaidFee),
		FeeAsset:        "KRW",
	}
	switch p.OrdType {
	case "limit":
		o.Type = common.OrderTypeLimit
	default:
		o.Type = common.OrderTypeMarket
	}
	if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		o.CreatedAt = t
	}

	// Volume-weighted average over the fill trades.
	if len(p.Trades) > 0 {
		var funds, volume float64
		for _, tr := range p.Trades {
			funds += parseFloat(tr.Funds)
			volume += parseFloat(tr.Volume)
		}
		if volume > 0 {
			o.AveragePrice = funds / volume
		}
	}
	return o
}

// CreateOrder implements common.Client. Upbit has no stop orders, and a
// market buy is expressed as a total KRW spend (ord_type=price) rather than
// a volume, so the client prices the requested quantity off the live ticker.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (*common.Order, error) {
	if req.Type.IsStop() {
		return nil, fmt.Errorf("upbit: %s orders: %w", req.Type, common.ErrNotSupported)
	}

	params := url.Values{}
	params.Set("market", venueSymbol(req.Symbol))
	params.Set("side", venueSide(req.Side))

	switch {
	case req.Type == common.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("volume", formatFloat(req.Quantity))
		params.Set("price", formatFloat(req.Price))
	case req.Side == common.SideSell:
		params.Set("ord_type", "market")
		params.Set("volume", formatFloat(req.Quantity))
	default:
		ticker, err := c.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("price market buy: %w", err)
		}
		total := decimal.NewFromFloat(ticker.Last).
			Mul(decimal.NewFromFloat(req.Quantity)).
			RoundDown(0)
		params.Set("ord_type", "price")
		params.Set("price", total.String())
	}

	body, err := c.signed(ctx, common.KindOrder, "POST", "/v1/orders", params)
	if err != nil {
		return nil, err
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return toOrder(p), nil
}

// CreateBatchOrders implements common.Client. No native batch; orders go
// out as bounded-concurrency singles, results index-aligned.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (*common.BatchResult, error) {
	result := &common.BatchResult{
		Results:        make([]common.BatchOutcome, len(reqs)),
		Implementation: common.BatchSequential,
	}

	sem := make(chan struct{}, batchWorkers)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req common.OrderRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			order, err := c.CreateOrder(ctx, req)
			result.Results[i] = common.BatchOutcome{Order: order, Err: err}
		}(i, req)
	}
	wg.Wait()

	result.Summarize()
	return result, nil
}

// CancelOrder implements common.Client.
func (c *Client) CancelOrder(ctx context.Context, _ string, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	_, err := c.signed(ctx, common.KindRequest, "DELETE", "/v1/order", params)
	return err
}

// FetchOrder implements common.Client.
func (c *Client) FetchOrder(ctx context.Context, _ string, exchangeOrderID string) (*common.Order, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	body, err := c.signed(ctx, common.KindRequest, "GET", "/v1/order", params)
	if err != nil {
		return nil, err
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return toOrder(p), nil
}

// FetchOpenOrders implements common.Client.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	params := url.Values{}
	params.Set("state", "wait")
	if symbol != "" {
		params.Set("market", venueSymbol(symbol))
	}
	body, err := c.signed(ctx, common.KindRequest, "GET", "/v1/orders", params)
	if err != nil {
		return nil, err
	}
	var payloads []orderPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]common.Order, len(payloads))
	for i, p := range payloads {
		orders[i] = *toOrder(p)
	}
	return orders, nil
}

// FetchBalance implements common.Client.
func (c *Client) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	body, err := c.signed(ctx, common.KindRequest, "GET", "/v1/accounts", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	var rows []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	out := make([]common.Balance, 0, len(rows))
	for _, r := range rows {
		free, locked := parseFloat(r.Balance), parseFloat(r.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: r.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
