package dryrun

import (
	"context"
	"fmt"
	"time"

	"exec-engine/pkg/exchanges/common"
)

// CreateOrder places one simulated order. MARKET fills at the mark with
// slippage applied against the order. A marketable LIMIT fills at its limit
// price; everything else rests until SetPrice crosses it.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (*common.Order, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &common.APIError{Exchange: c.Name(), HTTPStatus: 400, Message: "bad_quantity: quantity must be positive"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mark, known := c.marks[req.Symbol]
	if !known && req.Type == common.OrderTypeMarket {
		return nil, fmt.Errorf("dryrun: no mark price for %s", req.Symbol)
	}

	c.nextID++
	now := time.Now()
	o := &common.Order{
		ExchangeOrderID: fmt.Sprintf("DRY-%d", c.nextID),
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          common.StatusOpen,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Quantity:        req.Quantity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch req.Type {
	case common.OrderTypeMarket:
		price := c.slip(req.Side, mark)
		if req.Side == common.SideBuy {
			if need := price * req.Quantity; need > c.balances[quoteAsset(req.Symbol)] {
				return nil, &common.APIError{
					Exchange: c.Name(), HTTPStatus: 400,
					Message: fmt.Sprintf("insufficient balance: need %.2f, have %.2f", need, c.balances[quoteAsset(req.Symbol)]),
				}
			}
		}
		c.fill(o, price)
	case common.OrderTypeLimit:
		if known && crossesLimit(req.Side, req.Price, mark) {
			c.fill(o, req.Price)
		}
	case common.OrderTypeStopMarket, common.OrderTypeStopLimit:
		c.stops[o.ExchangeOrderID] = req.StopPrice
	default:
		return nil, &common.APIError{Exchange: c.Name(), HTTPStatus: 400, Message: "invalid order type " + string(req.Type)}
	}

	c.orders[o.ExchangeOrderID] = o
	cp := *o
	return &cp, nil
}

// CreateBatchOrders fills the batch in one pass; partial failure is reported
// per slot like the real venues do.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (*common.BatchResult, error) {
	res := &common.BatchResult{
		Results:        make([]common.BatchOutcome, len(reqs)),
		Implementation: common.BatchNative,
	}
	for i, req := range reqs {
		order, err := c.CreateOrder(ctx, req)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Results[i] = common.BatchOutcome{Order: order, Err: err}
	}
	res.Summarize()
	return res, nil
}

// CancelOrder cancels a resting order. Terminal or unknown ids report
// ErrOrderNotFound, matching how real venues answer late cancels.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.latency(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[exchangeOrderID]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("dryrun: %w", common.ErrOrderNotFound)
	}
	o.Status = common.StatusCanceled
	o.UpdatedAt = time.Now()
	delete(c.stops, exchangeOrderID)
	return nil
}

func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*common.Order, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("dryrun: %w", common.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.Order
	for _, o := range c.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// slip drifts a market fill against the order by up to SlippageBps.
func (c *Client) slip(side common.Side, mark float64) float64 {
	frac := c.cfg.SlippageBps / 10_000
	if frac <= 0 {
		return mark
	}
	noise := c.rng.Float64() * frac
	if side == common.SideBuy {
		return mark * (1 + noise)
	}
	return mark * (1 - noise)
}
