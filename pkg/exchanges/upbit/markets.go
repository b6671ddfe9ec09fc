package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

// krwTickBands maps a price floor to its tick size. Upbit publishes these
// bands instead of per-symbol precision.
var krwTickBands = []struct {
	floor float64
	tick  string
}{
	{2_000_000, "1000"},
	{1_000_000, "500"},
	{500_000, "100"},
	{100_000, "50"},
	{10_000, "10"},
	{1_000, "1"},
	{100, "0.1"},
	{10, "0.01"},
	{1, "0.001"},
	{0.1, "0.0001"},
	{0.01, "0.00001"},
	{0.001, "0.000001"},
	{0.0001, "0.0000001"},
}

// KRWTick returns the KRW tick size for a given price level.
func KRWTick(price float64) decimal.Decimal {
	for _, band := range krwTickBands {
		if price >= band.floor {
			return decimal.RequireFromString(band.tick)
		}
	}
	return decimal.RequireFromString("0.00000001")
}

// volumeStep is the order volume granularity (8 decimal places).
var volumeStep = decimal.New(1, -8)

// minNotionalKRW is the venue's minimum order total.
var minNotionalKRW = decimal.NewFromInt(5000)

// LoadMarkets implements common.Client. Only KRW markets are returned; the
// tick size is left zero because it depends on the price band at order time.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]common.MarketInfo, error) {
	q := url.Values{}
	q.Set("isDetails", "false")
	body, err := c.public(ctx, "/v1/market/all", q)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	var rows []struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	markets := make(map[string]common.MarketInfo)
	for _, r := range rows {
		if !strings.HasPrefix(r.Market, "KRW-") {
			continue
		}
		normalized := normalizedSymbol(r.Market)
		parts := strings.SplitN(normalized, "/", 2)
		markets[normalized] = common.MarketInfo{
			Symbol:      normalized,
			Base:        parts[0],
			Quote:       "KRW",
			StepSize:    volumeStep,
			MinNotional: minNotionalKRW,
		}
	}
	return markets, nil
}

type tickerRow struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
}

// FetchTicker implements common.Client.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*common.Ticker, error) {
	quotes, err := c.FetchPriceQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	last, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("upbit: no ticker for %s", symbol)
	}
	return &common.Ticker{Symbol: symbol, Last: last, At: time.Now()}, nil
}

// FetchPriceQuotes implements common.Client. The ticker endpoint accepts a
// comma-separated market list, so one call covers any number of symbols.
func (c *Client) FetchPriceQuotes(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	venues := make([]string, len(symbols))
	for i, s := range symbols {
		venues[i] = venueSymbol(s)
	}
	q := url.Values{}
	q.Set("markets", strings.Join(venues, ","))

	body, err := c.public(ctx, "/v1/ticker", q)
	if err != nil {
		return nil, fmt.Errorf("fetch price quotes: %w", err)
	}
	var rows []tickerRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	quotes := make(map[string]float64, len(rows))
	for _, r := range rows {
		quotes[normalizedSymbol(r.Market)] = r.TradePrice
	}
	return quotes, nil
}
