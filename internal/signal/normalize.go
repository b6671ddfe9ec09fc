package signal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"exec-engine/pkg/exchanges/common"
)

// ErrInvalidSignal marks payloads rejected before any account is touched.
// The edge maps it to HTTP 400.
var ErrInvalidSignal = errors.New("invalid signal")

// TypeCancelAll is the pseudo order type that wipes a symbol instead of
// placing on it.
const TypeCancelAll = "CANCEL_ALL_ORDER"

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{1,20}/[A-Z0-9]{1,20}$`)

var sides = map[string]common.Side{
	"buy":   common.SideBuy,
	"long":  common.SideBuy,
	"sell":  common.SideSell,
	"short": common.SideSell,
}

// orderTypes is exact match only. Aliases like "stop" or "trailing" are
// rejected so a typo never silently places the wrong kind of order.
var orderTypes = map[string]common.OrderType{
	"MARKET":      common.OrderTypeMarket,
	"LIMIT":       common.OrderTypeLimit,
	"STOP_MARKET": common.OrderTypeStopMarket,
	"STOP_LIMIT":  common.OrderTypeStopLimit,
}

// quoteAssets drives the did-you-mean hint for concatenated symbols.
// Longest first so ETHUSDT resolves against USDT, not USD.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "KRW", "USD", "EUR", "BTC", "ETH"}

// Normalize validates a decoded payload and returns its canonical intents.
// A signal is a batch exactly when the orders key is present; in a batch
// only the symbol falls back to the top level, every other field must be
// carried by the item itself. One bad item rejects the whole signal, so a
// batch never half-normalizes.
func Normalize(s Signal) ([]Intent, error) {
	if s.Orders == nil {
		intent, err := normalizeOrder(s.Order, "")
		if err != nil {
			return nil, err
		}
		return []Intent{intent}, nil
	}
	if len(s.Orders) == 0 {
		return nil, fmt.Errorf("%w: orders array is empty", ErrInvalidSignal)
	}
	intents := make([]Intent, 0, len(s.Orders))
	for i, o := range s.Orders {
		intent, err := normalizeOrder(o, s.Symbol)
		if err != nil {
			return nil, fmt.Errorf("orders[%d]: %w", i, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func normalizeOrder(o Order, fallbackSymbol string) (Intent, error) {
	raw := o.Symbol
	if strings.TrimSpace(raw) == "" {
		raw = fallbackSymbol
	}
	symbol, err := normalizeSymbol(raw)
	if err != nil {
		return Intent{}, err
	}

	typ := strings.ToUpper(strings.TrimSpace(o.OrderType))
	if typ == "" {
		return Intent{}, fmt.Errorf("%w: order_type is required", ErrInvalidSignal)
	}
	// Cancel-all needs no side and no size, just the symbol to wipe.
	if typ == TypeCancelAll {
		return Intent{Symbol: symbol, CancelAll: true}, nil
	}
	orderType, ok := orderTypes[typ]
	if !ok {
		return Intent{}, fmt.Errorf("%w: unknown order_type %q", ErrInvalidSignal, o.OrderType)
	}

	side, ok := sides[strings.ToLower(strings.TrimSpace(o.Side))]
	if !ok {
		return Intent{}, fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, o.Side)
	}

	if o.Qty < 0 || o.QtyPer < 0 {
		return Intent{}, fmt.Errorf("%w: qty and qty_per must be positive", ErrInvalidSignal)
	}
	if o.Qty == 0 && o.QtyPer == 0 {
		return Intent{}, fmt.Errorf("%w: qty or qty_per is required", ErrInvalidSignal)
	}
	if o.Qty == 0 && o.QtyPer > 1 {
		return Intent{}, fmt.Errorf("%w: qty_per %v out of range (0,1]", ErrInvalidSignal, o.QtyPer)
	}

	switch orderType {
	case common.OrderTypeLimit:
		if o.Price <= 0 {
			return Intent{}, fmt.Errorf("%w: limit order needs price", ErrInvalidSignal)
		}
	case common.OrderTypeStopMarket:
		if o.StopPrice <= 0 {
			return Intent{}, fmt.Errorf("%w: stop order needs stop_price", ErrInvalidSignal)
		}
	case common.OrderTypeStopLimit:
		if o.Price <= 0 || o.StopPrice <= 0 {
			return Intent{}, fmt.Errorf("%w: stop limit order needs price and stop_price", ErrInvalidSignal)
		}
	}

	return Intent{
		Symbol:    symbol,
		Side:      side,
		Type:      orderType,
		Price:     o.Price,
		StopPrice: o.StopPrice,
		Qty:       o.Qty,
		QtyPer:    o.QtyPer,
	}, nil
}

// normalizeSymbol upper-cases and checks the BASE/QUOTE form. Common venue
// spellings like BTCUSDT and KRW-BTC get a did-you-mean hint in the error.
func normalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if symbolRe.MatchString(s) {
		return s, nil
	}
	if hint := suggestSymbol(s); hint != "" {
		return "", fmt.Errorf("%w: symbol %q is not BASE/QUOTE, did you mean %q", ErrInvalidSignal, raw, hint)
	}
	return "", fmt.Errorf("%w: symbol %q is not BASE/QUOTE", ErrInvalidSignal, raw)
}

func suggestSymbol(s string) string {
	// Upbit market codes are QUOTE-BASE.
	if base, quote, ok := splitDashed(s); ok {
		return base + "/" + quote
	}
	for _, quote := range quoteAssets {
		base, found := strings.CutSuffix(s, quote)
		if found && base != "" && symbolRe.MatchString(base+"/"+quote) {
			return base + "/" + quote
		}
	}
	return ""
}

func splitDashed(s string) (base, quote string, ok bool) {
	quote, base, found := strings.Cut(s, "-")
	if !found || base == "" || quote == "" {
		return "", "", false
	}
	if !symbolRe.MatchString(base + "/" + quote) {
		return "", "", false
	}
	return base, quote, true
}
