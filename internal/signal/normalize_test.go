package signal

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"exec-engine/pkg/exchanges/common"
)

func TestNormalizeSingleOrder(t *testing.T) {
	intents, err := Normalize(Signal{
		GroupName: "alpha", Token: "tok",
		Order: Order{Symbol: "btc/usdt", Side: "Buy", OrderType: "market", Qty: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 {
		t.Fatalf("intents = %d", len(intents))
	}
	in := intents[0]
	if in.Symbol != "BTC/USDT" || in.Side != common.SideBuy || in.Type != common.OrderTypeMarket || in.Qty != 0.5 {
		t.Errorf("intent = %+v", in)
	}
	if in.CancelAll {
		t.Error("plain order flagged as cancel")
	}
}

func TestNormalizeSideWords(t *testing.T) {
	tests := []struct {
		side string
		want common.Side
	}{
		{"buy", common.SideBuy},
		{"long", common.SideBuy},
		{"LONG", common.SideBuy},
		{"sell", common.SideSell},
		{"short", common.SideSell},
		{"Sell", common.SideSell},
	}
	for _, tt := range tests {
		t.Run(tt.side, func(t *testing.T) {
			intents, err := Normalize(Signal{Order: Order{
				Symbol: "BTC/USDT", Side: tt.side, OrderType: "MARKET", Qty: 1,
			}})
			if err != nil {
				t.Fatal(err)
			}
			if intents[0].Side != tt.want {
				t.Errorf("side = %s, want %s", intents[0].Side, tt.want)
			}
		})
	}
}

func TestNormalizeSymbolHints(t *testing.T) {
	tests := []struct {
		symbol string
		hint   string
	}{
		{"BTCUSDT", "BTC/USDT"},
		{"ethusdt", "ETH/USDT"},
		{"KRW-BTC", "BTC/KRW"},
		{"usdt-sol", "SOL/USDT"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			_, err := Normalize(Signal{Order: Order{
				Symbol: tt.symbol, Side: "buy", OrderType: "MARKET", Qty: 1,
			}})
			if !errors.Is(err, ErrInvalidSignal) {
				t.Fatalf("err = %v", err)
			}
			if !strings.Contains(err.Error(), tt.hint) {
				t.Errorf("error %q carries no %q hint", err, tt.hint)
			}
		})
	}

	_, err := Normalize(Signal{Order: Order{Symbol: "@@", Side: "buy", OrderType: "MARKET", Qty: 1}})
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("unguessable symbol got a hint: %v", err)
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		o    Order
	}{
		{"missing symbol", Order{Side: "buy", OrderType: "MARKET", Qty: 1}},
		{"missing order_type", Order{Symbol: "BTC/USDT", Side: "buy", Qty: 1}},
		{"order_type alias", Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "stop", Qty: 1, StopPrice: 50_000}},
		{"unknown side", Order{Symbol: "BTC/USDT", Side: "hold", OrderType: "MARKET", Qty: 1}},
		{"no size at all", Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "MARKET"}},
		{"negative qty", Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "MARKET", Qty: -1}},
		{"qty_per above one", Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "MARKET", QtyPer: 1.5}},
		{"limit without price", Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "LIMIT", Qty: 1}},
		{"stop market without trigger", Order{Symbol: "BTC/USDT", Side: "sell", OrderType: "STOP_MARKET", Qty: 1}},
		{"stop limit without trigger", Order{Symbol: "BTC/USDT", Side: "sell", OrderType: "STOP_LIMIT", Qty: 1, Price: 50_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(Signal{Order: tt.o})
			if !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("err = %v, want ErrInvalidSignal", err)
			}
		})
	}
}

func TestNormalizeBatchSymbolFallback(t *testing.T) {
	intents, err := Normalize(Signal{
		Order: Order{Symbol: "BTC/USDT"},
		Orders: []Order{
			{Side: "buy", OrderType: "LIMIT", Price: 50_000, Qty: 0.1},
			{Symbol: "ETH/USDT", Side: "sell", OrderType: "MARKET", Qty: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 2 {
		t.Fatalf("intents = %d", len(intents))
	}
	if intents[0].Symbol != "BTC/USDT" {
		t.Errorf("fallback symbol = %s", intents[0].Symbol)
	}
	if intents[1].Symbol != "ETH/USDT" {
		t.Errorf("own symbol = %s", intents[1].Symbol)
	}
}

// Only the symbol falls back in a batch. A top-level side must not leak
// into items, so an item without its own side is rejected.
func TestNormalizeBatchItemsAreSelfSufficient(t *testing.T) {
	_, err := Normalize(Signal{
		Order: Order{Symbol: "BTC/USDT", Side: "buy", Price: 50_000, Qty: 1},
		Orders: []Order{
			{OrderType: "LIMIT", Price: 50_000, Qty: 0.1},
		},
	})
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "orders[0]") {
		t.Errorf("error does not name the bad item: %v", err)
	}
}

func TestNormalizeEmptyBatch(t *testing.T) {
	_, err := Normalize(Signal{
		Order:  Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "MARKET", Qty: 1},
		Orders: []Order{},
	})
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("empty orders array accepted: %v", err)
	}
}

func TestNormalizeCancelAllNeedsOnlySymbol(t *testing.T) {
	intents, err := Normalize(Signal{Order: Order{Symbol: "BTC/USDT", OrderType: "CANCEL_ALL_ORDER"}})
	if err != nil {
		t.Fatal(err)
	}
	in := intents[0]
	if !in.CancelAll || in.Symbol != "BTC/USDT" {
		t.Errorf("intent = %+v", in)
	}
	if in.Side != "" || in.Qty != 0 {
		t.Errorf("cancel intent carries order fields: %+v", in)
	}
}

// The top-level order fields and the orders array share one wire shape;
// this pins the embedded-struct decoding both ways.
func TestSignalDecoding(t *testing.T) {
	var single Signal
	err := json.Unmarshal([]byte(`{
		"group_name": "alpha", "token": "tok",
		"symbol": "BTC/USDT", "side": "buy", "order_type": "LIMIT",
		"price": 50000, "qty_per": 0.25
	}`), &single)
	if err != nil {
		t.Fatal(err)
	}
	if single.GroupName != "alpha" || single.Symbol != "BTC/USDT" || single.Price != 50_000 || single.QtyPer != 0.25 {
		t.Errorf("single = %+v", single)
	}
	if single.Orders != nil {
		t.Error("single payload decoded as batch")
	}

	var batch Signal
	err = json.Unmarshal([]byte(`{
		"group_name": "alpha", "token": "tok", "symbol": "BTC/USDT",
		"orders": [{"side": "buy", "order_type": "MARKET", "qty": 1}]
	}`), &batch)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Orders == nil || len(batch.Orders) != 1 || batch.Orders[0].Qty != 1 {
		t.Errorf("batch = %+v", batch)
	}
}
