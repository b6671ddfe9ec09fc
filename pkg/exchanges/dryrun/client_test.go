package dryrun

import (
	"context"
	"errors"
	"strings"
	"testing"

	"exec-engine/pkg/exchanges/common"
)

func TestMarketOrderFillsImmediately(t *testing.T) {
	c := New(Config{
		FeeRate:  0.001,
		Prices:   map[string]float64{"BTC/USDT": 50_000},
		Balances: map[string]float64{"USDT": 10_000},
	})

	o, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: 0.1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != common.StatusFilled {
		t.Fatalf("status = %s", o.Status)
	}
	if o.AveragePrice != 50_000 || o.FilledQuantity != 0.1 {
		t.Errorf("fill = %v @ %v", o.FilledQuantity, o.AveragePrice)
	}
	if o.Fee != 5 {
		t.Errorf("fee = %v", o.Fee)
	}

	balances, err := c.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" && b.Free != 10_000-5_000-5 {
			t.Errorf("USDT = %v", b.Free)
		}
	}
}

func TestMarketBuyRejectsOverdraw(t *testing.T) {
	c := New(Config{
		Prices:   map[string]float64{"BTC/USDT": 50_000},
		Balances: map[string]float64{"USDT": 100},
	})
	_, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: 1,
	})
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "insufficient balance") {
		t.Fatalf("err = %v", err)
	}
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	c := New(Config{Prices: map[string]float64{"BTC/USDT": 50_000}})

	o, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Quantity: 0.1, Price: 49_000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != common.StatusOpen {
		t.Fatalf("status = %s, want OPEN", o.Status)
	}

	open, _ := c.FetchOpenOrders(context.Background(), "BTC/USDT")
	if len(open) != 1 {
		t.Fatalf("open orders = %d", len(open))
	}

	c.SetPrice("BTC/USDT", 48_900)

	got, err := c.FetchOrder(context.Background(), "BTC/USDT", o.ExchangeOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Status != common.StatusFilled || got.AveragePrice != 49_000 {
		t.Errorf("after cross: %s @ %v", got.Status, got.AveragePrice)
	}
}

func TestMarketableLimitFillsOnArrival(t *testing.T) {
	c := New(Config{Prices: map[string]float64{"BTC/USDT": 50_000}})
	o, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Quantity: 0.1, Price: 51_000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != common.StatusFilled {
		t.Errorf("marketable limit status = %s", o.Status)
	}
}

func TestStopMarketTriggersOnCross(t *testing.T) {
	c := New(Config{Prices: map[string]float64{"BTC/USDT": 50_000}})

	o, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideSell, Type: common.OrderTypeStopMarket,
		Quantity: 0.1, StopPrice: 48_000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != common.StatusOpen {
		t.Fatalf("status = %s, want OPEN", o.Status)
	}

	c.SetPrice("BTC/USDT", 49_000) // above trigger, must not fill
	got, _ := c.FetchOrder(context.Background(), "BTC/USDT", o.ExchangeOrderID)
	if got.Status != common.StatusOpen {
		t.Fatalf("premature trigger at 49000: %s", got.Status)
	}

	c.SetPrice("BTC/USDT", 47_500)
	got, _ = c.FetchOrder(context.Background(), "BTC/USDT", o.ExchangeOrderID)
	if got.Status != common.StatusFilled || got.AveragePrice != 48_000 {
		t.Errorf("after trigger: %s @ %v", got.Status, got.AveragePrice)
	}
}

func TestCancelLifecycle(t *testing.T) {
	c := New(Config{Prices: map[string]float64{"BTC/USDT": 50_000}})
	ctx := context.Background()

	o, err := c.CreateOrder(ctx, common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideSell, Type: common.OrderTypeLimit,
		Quantity: 0.1, Price: 52_000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := c.CancelOrder(ctx, "BTC/USDT", o.ExchangeOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, _ := c.FetchOrder(ctx, "BTC/USDT", o.ExchangeOrderID)
	if got.Status != common.StatusCanceled {
		t.Errorf("status = %s", got.Status)
	}

	// Second cancel behaves like a venue that no longer knows the order.
	if err := c.CancelOrder(ctx, "BTC/USDT", o.ExchangeOrderID); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("repeat cancel: %v", err)
	}
	if err := c.CancelOrder(ctx, "BTC/USDT", "DRY-404"); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("unknown id: %v", err)
	}
}

func TestBatchReportsPerSlot(t *testing.T) {
	c := New(Config{Prices: map[string]float64{"BTC/USDT": 50_000}})

	res, err := c.CreateBatchOrders(context.Background(), []common.OrderRequest{
		{Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Quantity: 0.1, Price: 49_000},
		{Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Quantity: 0, Price: 49_500},
		{Symbol: "BTC/USDT", Side: common.SideSell, Type: common.OrderTypeLimit, Quantity: 0.1, Price: 52_000},
	})
	if err != nil {
		t.Fatalf("CreateBatchOrders: %v", err)
	}
	if res.Implementation != common.BatchNative {
		t.Errorf("implementation = %s", res.Implementation)
	}
	if res.Summary.Succeeded != 2 || res.Summary.Failed != 1 || res.Summary.Total != 3 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Results[1].Err == nil {
		t.Error("zero quantity slot must fail")
	}
	if res.Results[0].Order == nil || res.Results[2].Order == nil {
		t.Error("good slots must carry orders")
	}
}
