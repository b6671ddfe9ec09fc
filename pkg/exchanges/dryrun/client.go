// Package dryrun is an in-process venue used when an account runs with
// DRY_RUN enabled. MARKET orders fill immediately at the mark price, LIMIT
// and STOP orders rest until SetPrice moves the mark across them, so the
// queue, cancel and reconciliation paths observe the same state transitions
// a real venue produces without any network traffic.
package dryrun

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

// Config tunes the simulation.
type Config struct {
	Market common.MarketType

	// FeeRate is the taker fee fraction charged on fills, e.g. 0.0004.
	FeeRate float64
	// SlippageBps drifts market fills against the order by up to this many
	// basis points.
	SlippageBps float64
	// LatencyMin and LatencyMax bound the simulated gateway latency applied
	// to every call. Zero disables it.
	LatencyMin time.Duration
	LatencyMax time.Duration

	// Balances seeds free balances by asset. Defaults to a funded account.
	Balances map[string]float64
	// Prices seeds mark prices by normalized symbol.
	Prices map[string]float64
}

// Client implements the venue port entirely in memory.
type Client struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	nextID   int64
	marks    map[string]float64
	orders   map[string]*common.Order
	stops    map[string]float64 // exchange order id -> trigger price
	balances map[string]float64
}

// New returns a funded simulated venue.
func New(cfg Config) *Client {
	if cfg.Market == "" {
		cfg.Market = common.MarketSpot
	}
	c := &Client{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		marks:    make(map[string]float64),
		orders:   make(map[string]*common.Order),
		stops:    make(map[string]float64),
		balances: map[string]float64{"USDT": 100_000, "KRW": 100_000_000},
	}
	for sym, p := range cfg.Prices {
		c.marks[sym] = p
	}
	if len(c.marks) == 0 {
		c.marks["BTC/USDT"] = 50_000
		c.marks["ETH/USDT"] = 3_000
		c.marks["BTC/KRW"] = 70_000_000
	}
	for asset, v := range cfg.Balances {
		c.balances[asset] = v
	}
	return c
}

func (c *Client) Name() string { return "dryrun" }

func (c *Client) Features() common.Features {
	return common.Features{NativeBatch: true}
}

// latency sleeps a random duration inside the configured band.
func (c *Client) latency(ctx context.Context) error {
	if c.cfg.LatencyMax <= 0 {
		return nil
	}
	min, max := c.cfg.LatencyMin, c.cfg.LatencyMax
	if min < 0 {
		min = 0
	}
	if min > max {
		min, max = max, min
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(c.rng.Int63n(int64(span) + 1))
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.latency(ctx)
}

// LoadMarkets returns synthetic precision rules for every seeded symbol.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]common.MarketInfo, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]common.MarketInfo, len(c.marks))
	for sym := range c.marks {
		base, quote, _ := strings.Cut(sym, "/")
		out[sym] = common.MarketInfo{
			Symbol:      sym,
			Base:        base,
			Quote:       quote,
			TickSize:    decimal.New(1, -2),
			StepSize:    decimal.New(1, -4),
			MinQuantity: decimal.New(1, -4),
			MinNotional: decimal.NewFromInt(10),
		}
	}
	return out, nil
}

func (c *Client) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Balance, 0, len(c.balances))
	for asset, free := range c.balances {
		out = append(out, common.Balance{Asset: asset, Free: free})
	}
	return out, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (*common.Ticker, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	mark, ok := c.marks[symbol]
	if !ok {
		return nil, fmt.Errorf("dryrun: no mark price for %s", symbol)
	}
	return &common.Ticker{
		Symbol: symbol,
		Last:   mark,
		Bid:    mark * 0.9999,
		Ask:    mark * 1.0001,
		At:     time.Now(),
	}, nil
}

func (c *Client) FetchPriceQuotes(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if mark, ok := c.marks[sym]; ok {
			out[sym] = mark
		}
	}
	return out, nil
}

// SetPrice moves the mark and fills any resting order the move crosses.
func (c *Client) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[symbol] = price
	for id, o := range c.orders {
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		switch o.Type {
		case common.OrderTypeLimit:
			if crossesLimit(o.Side, o.Price, price) {
				c.fill(o, o.Price)
			}
		case common.OrderTypeStopMarket, common.OrderTypeStopLimit:
			if crossesStop(o.Side, c.stops[id], price) {
				fillPrice := c.stops[id]
				if o.Type == common.OrderTypeStopLimit {
					fillPrice = o.Price
				}
				c.fill(o, fillPrice)
			}
		}
	}
}

// crossesLimit reports whether the mark makes a resting limit marketable.
func crossesLimit(side common.Side, limit, mark float64) bool {
	if side == common.SideBuy {
		return mark <= limit
	}
	return mark >= limit
}

// crossesStop reports whether the mark triggers a stop.
func crossesStop(side common.Side, stop, mark float64) bool {
	if side == common.SideBuy {
		return mark >= stop
	}
	return mark <= stop
}

// fill marks an order filled at price and settles the quote leg. Callers
// hold c.mu.
func (c *Client) fill(o *common.Order, price float64) {
	value := price * o.Quantity
	fee := value * c.cfg.FeeRate
	quote := quoteAsset(o.Symbol)
	if o.Side == common.SideBuy {
		c.balances[quote] -= value + fee
	} else {
		c.balances[quote] += value - fee
	}
	now := time.Now()
	o.Status = common.StatusFilled
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price
	o.Fee = fee
	o.FeeAsset = quote
	o.UpdatedAt = now
}

func quoteAsset(symbol string) string {
	_, quote, _ := strings.Cut(symbol, "/")
	return quote
}
