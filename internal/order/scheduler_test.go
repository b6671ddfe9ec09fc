package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

func TestSchedulerPassConvergesQueues(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	eng.exec.Execute(ctx, limitBuy(eng.binding, 50_000, base))
	eng.exec.Execute(ctx, limitBuy(eng.binding, 50_500, base.Add(time.Second)))
	if _, err := eng.store.InsertPendingOrder(ctx, parkedLimitBuy(eng.binding, 51_000, 0, base.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(eng.exec, time.Hour)
	s.Pass(ctx)

	if got := livePrices(t, eng); !samePrices(got, []float64{50_500, 51_000}) {
		t.Errorf("live = %v", got)
	}
	if got := pendingPrices(t, eng); !samePrices(got, []float64{50_000}) {
		t.Errorf("pending = %v", got)
	}
}

func TestSchedulerPassSkipsWhileRunning(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	eng.exec.Execute(ctx, limitBuy(eng.binding, 50_000, base))
	eng.exec.Execute(ctx, limitBuy(eng.binding, 50_500, base.Add(time.Second)))
	if _, err := eng.store.InsertPendingOrder(ctx, parkedLimitBuy(eng.binding, 51_000, 0, base.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(eng.exec, time.Hour)
	s.running.Store(true)
	s.Pass(ctx)
	if got := livePrices(t, eng); !samePrices(got, []float64{50_000, 50_500}) {
		t.Errorf("overlapping pass changed state: %v", got)
	}

	s.running.Store(false)
	s.Pass(ctx)
	if got := livePrices(t, eng); !samePrices(got, []float64{50_500, 51_000}) {
		t.Errorf("live = %v", got)
	}
}

func TestSchedulerAlertsOnWideBackpressure(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Ten symbols, each with a full live bucket and a backlog past the
	// warn threshold. The pass must escalate, not just log.
	for i := 0; i < PendingAlertSymbols; i++ {
		symbol := fmt.Sprintf("SYM%d/USDT", i)
		for j := 0; j < MaxOrdersPerBucket; j++ {
			price := 50_100 + float64(j)*100
			_, err := eng.store.InsertOpenOrder(ctx, db.OpenOrder{
				StrategyAccountID: eng.binding.ID,
				AccountID:         "acct-1",
				ExchangeOrderID:   fmt.Sprintf("DRY-L%d-%d", i, j),
				Symbol:            symbol,
				Side:              string(common.SideBuy),
				OrderType:         string(common.OrderTypeLimit),
				Price:             price,
				Quantity:          0.001,
				Status:            db.OrderStatusOpen,
				MarketType:        "FUTURES",
				WebhookReceivedAt: base,
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		for j := 0; j <= PendingWarnDepth; j++ {
			row := parkedLimitBuy(eng.binding, 50_000-float64(j), 0, base.Add(time.Duration(j)*time.Second))
			row.Symbol = symbol
			if _, err := eng.store.InsertPendingOrder(ctx, row); err != nil {
				t.Fatal(err)
			}
		}
	}

	NewScheduler(eng.exec, time.Hour).Pass(ctx)

	if !eng.alerts.has("Queue backpressure") {
		t.Error("wide backpressure did not alert")
	}
	// All parked orders are worse than the live set, so the pass promoted
	// nothing and the backlog is intact.
	pending, err := eng.store.ListPendingOrders(ctx, "acct-1", "SYM0/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != PendingWarnDepth+1 {
		t.Errorf("depth = %d", len(pending))
	}
}
