package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
			Notional    string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// LoadMarkets implements common.Client.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]common.MarketInfo, error) {
	body, err := c.public(ctx, c.path("/exchangeInfo"), nil)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	markets := make(map[string]common.MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		normalized := s.BaseAsset + "/" + s.QuoteAsset
		m := common.MarketInfo{
			Symbol: normalized,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = parseDecimal(f.TickSize)
			case "LOT_SIZE":
				m.StepSize = parseDecimal(f.StepSize)
				m.MinQuantity = parseDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				m.MinNotional = parseDecimal(f.MinNotional)
			case "NOTIONAL":
				m.MinNotional = parseDecimal(f.Notional)
			}
		}
		markets[normalized] = m
		c.symbols.Store(s.Symbol, normalized)
	}
	return markets, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// normalizedSymbol reverses venueSymbol using the map built by LoadMarkets,
// falling back to quote-suffix matching for symbols seen before markets load.
func (c *Client) normalizedSymbol(venue string) string {
	if v, ok := c.symbols.Load(venue); ok {
		return v.(string)
	}
	for _, quote := range []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB"} {
		if len(venue) > len(quote) && venue[len(venue)-len(quote):] == quote {
			return venue[:len(venue)-len(quote)] + "/" + quote
		}
	}
	return venue
}

// FetchTicker implements common.Client.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*common.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", venueSymbol(symbol))
	body, err := c.public(ctx, c.path("/ticker/24hr"), q)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}

	var out struct {
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	return &common.Ticker{
		Symbol: symbol,
		Last:   parseFloat(out.LastPrice),
		Bid:    parseFloat(out.BidPrice),
		Ask:    parseFloat(out.AskPrice),
		At:     time.Now(),
	}, nil
}

// FetchPriceQuotes implements common.Client. Spot supports a symbols array
// in one call; futures returns the whole book and is filtered locally.
func (c *Client) FetchPriceQuotes(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	type pricePoint struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}

	var body []byte
	var err error
	if c.cfg.Market == common.MarketFutures {
		body, err = c.public(ctx, c.path("/ticker/price"), nil)
	} else {
		list := make([]string, len(symbols))
		for i, s := range symbols {
			list[i] = venueSymbol(s)
		}
		encoded, _ := json.Marshal(list)
		q := url.Values{}
		q.Set("symbols", string(encoded))
		body, err = c.public(ctx, c.path("/ticker/price"), q)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch price quotes: %w", err)
	}

	var points []pricePoint
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("decode price quotes: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[venueSymbol(s)] = true
	}
	quotes := make(map[string]float64, len(symbols))
	for _, p := range points {
		if !wanted[p.Symbol] {
			continue
		}
		quotes[c.normalizedSymbol(p.Symbol)] = parseFloat(p.Price)
	}
	return quotes, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
