package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"exec-engine/pkg/exchanges/common"
)

// venueOrderType maps the engine's order types onto the venue's. Spot and
// futures name their stop types differently.
func (c *Client) venueOrderType(t common.OrderType) (string, error) {
	if c.cfg.Market == common.MarketFutures {
		switch t {
		case common.OrderTypeMarket:
			return "MARKET", nil
		case common.OrderTypeLimit:
			return "LIMIT", nil
		case common.OrderTypeStopMarket:
			return "STOP_MARKET", nil
		case common.OrderTypeStopLimit:
			return "STOP", nil
		}
	} else {
		switch t {
		case common.OrderTypeMarket:
			return "MARKET", nil
		case common.OrderTypeLimit:
			return "LIMIT", nil
		case common.OrderTypeStopMarket:
			return "STOP_LOSS", nil
		case common.OrderTypeStopLimit:
			return "STOP_LOSS_LIMIT", nil
		}
	}
	return "", fmt.Errorf("binance: unsupported order type %q", t)
}

func engineOrderType(venue string) common.OrderType {
	switch venue {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP_MARKET", "STOP_LOSS":
		return common.OrderTypeStopMarket
	case "STOP", "STOP_LOSS_LIMIT":
		return common.OrderTypeStopLimit
	}
	return common.OrderType(venue)
}

func engineStatus(venue string) common.OrderStatus {
	switch venue {
	case "NEW", "PARTIALLY_CANCELED":
		return common.StatusOpen
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

// orderParams builds the signed parameter set for one order.
func (c *Client) orderParams(req common.OrderRequest) (url.Values, error) {
	venueType, err := c.venueOrderType(req.Type)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", venueType)
	params.Set("quantity", formatFloat(req.Quantity))

	if req.Type.NeedsLimitPrice() {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type.IsStop() {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly && c.cfg.Market == common.MarketFutures {
		params.Set("reduceOnly", "true")
	}
	return params, nil
}

type orderPayload struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`            // futures
	CumQuote      string `json:"cummulativeQuoteQty"` // spot
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`

	// Error envelope fields for batch elements.
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) toOrder(p orderPayload) *common.Order {
	o := &common.Order{
		ExchangeOrderID: strconv.FormatInt(p.OrderID, 10),
		ClientID:        p.ClientOrderID,
		Symbol:          c.normalizedSymbol(p.Symbol),
		Side:            common.Side(p.Side),
		Type:            engineOrderType(p.Type),
		Status:          engineStatus(p.Status),
		Price:           parseFloat(p.Price),
		StopPrice:       parseFloat(p.StopPrice),
		Quantity:        parseFloat(p.OrigQty),
		FilledQuantity:  parseFloat(p.ExecutedQty),
	}
	switch {
	case p.AvgPrice != "":
		o.AveragePrice = parseFloat(p.AvgPrice)
	case o.FilledQuantity > 0 && p.CumQuote != "":
		o.AveragePrice = parseFloat(p.CumQuote) / o.FilledQuantity
	}
	if p.Time > 0 {
		o.CreatedAt = time.UnixMilli(p.Time)
	}
	if p.UpdateTime > 0 {
		o.UpdatedAt = time.UnixMilli(p.UpdateTime)
	}
	return o
}

// CreateOrder implements common.Client.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (*common.Order, error) {
	params, err := c.orderParams(req)
	if err != nil {
		return nil, err
	}
	body, err := c.signed(ctx, common.KindOrder, "POST", c.path("/order"), params)
	if err != nil {
		return nil, err
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return c.toOrder(p), nil
}

// CreateBatchOrders implements common.Client. Futures uses the native
// batchOrders endpoint in venue-sized chunks; spot has no batch endpoint so
// orders go out as bounded-concurrency singles. Either way results stay
// index-aligned with reqs.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (*common.BatchResult, error) {
	if c.cfg.Market == common.MarketFutures {
		return c.createBatchNative(ctx, reqs)
	}
	return c.createBatchSequential(ctx, reqs)
}

type batchOrderItem struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	Quantity         string `json:"quantity"`
	Price            string `json:"price,omitempty"`
	StopPrice        string `json:"stopPrice,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	NewClientOrderID string `json:"newClientOrderId,omitempty"`
	ReduceOnly       string `json:"reduceOnly,omitempty"`
}

func (c *Client) createBatchNative(ctx context.Context, reqs []common.OrderRequest) (*common.BatchResult, error) {
	result := &common.BatchResult{
		Results:        make([]common.BatchOutcome, len(reqs)),
		Implementation: common.BatchNative,
	}

	for start := 0; start < len(reqs); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		items := make([]batchOrderItem, 0, len(chunk))
		for i, req := range chunk {
			venueType, err := c.venueOrderType(req.Type)
			if err != nil {
				result.Results[start+i] = common.BatchOutcome{Err: err}
				continue
			}
			item := batchOrderItem{
				Symbol:   venueSymbol(req.Symbol),
				Side:     string(req.Side),
				Type:     venueType,
				Quantity: formatFloat(req.Quantity),
			}
			if req.Type.NeedsLimitPrice() {
				item.Price = formatFloat(req.Price)
				item.TimeInForce = string(common.TIFGTC)
				if req.TimeInForce != "" {
					item.TimeInForce = string(req.TimeInForce)
				}
			}
			if req.Type.IsStop() {
				item.StopPrice = formatFloat(req.StopPrice)
			}
			if req.ClientID != "" {
				item.NewClientOrderID = req.ClientID
			}
			if req.ReduceOnly {
				item.ReduceOnly = "true"
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			continue
		}

		encoded, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
		params := url.Values{}
		params.Set("batchOrders", string(encoded))

		body, err := c.signed(ctx, common.KindOrder, "POST", c.path("/batchOrders"), params)
		if err != nil {
			// Whole-chunk failure lands on each request in the chunk.
			for i := range chunk {
				if result.Results[start+i].Err == nil {
					result.Results[start+i] = common.BatchOutcome{Err: err}
				}
			}
			continue
		}

		var payloads []orderPayload
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, fmt.Errorf("decode batch response: %w", err)
		}

		// The venue response is index-aligned with the submitted items,
		// which excludes requests rejected before send.
		itemIdx := 0
		for i := range chunk {
			if result.Results[start+i].Err != nil {
				continue
			}
			if itemIdx >= len(payloads) {
				result.Results[start+i] = common.BatchOutcome{Err: fmt.Errorf("binance: batch response short: %d results for %d orders", len(payloads), len(items))}
				continue
			}
			p := payloads[itemIdx]
			itemIdx++
			if p.Code != 0 {
				result.Results[start+i] = common.BatchOutcome{Err: &common.APIError{
					Exchange: "binance", Code: p.Code, Message: p.Msg,
				}}
				continue
			}
			result.Results[start+i] = common.BatchOutcome{Order: c.toOrder(p)}
		}
	}

	result.Summarize()
	return result, nil
}

func (c *Client) createBatchSequential(ctx context.Context, reqs []common.OrderRequest) (*common.BatchResult, error) {
	result := &common.BatchResult{
		Results:        make([]common.BatchOutcome, len(reqs)),
		Implementation: common.BatchSequential,
	}

	sem := make(chan struct{}, spotBatchWorkers)
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
