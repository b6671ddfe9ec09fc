package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"exec-engine/internal/events"
	"exec-engine/pkg/db"
)

type captureApplier struct {
	mu     sync.Mutex
	orders []*db.OpenOrder
}

func (a *captureApplier) ApplyFill(ctx context.Context, o *db.OpenOrder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = append(a.orders, o)
	return nil
}

func (a *captureApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

func newStore(t *testing.T) (*db.Database, int64) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "stream.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	id, err := store.InsertOpenOrder(context.Background(), db.OpenOrder{
		StrategyAccountID: "sa-1", AccountID: "acct-1", ExchangeOrderID: "123",
		Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Price: 50_000, Quantity: 0.5, Status: db.OrderStatusOpen,
		MarketType: "FUTURES", WebhookReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return store, id
}

const futuresFill = `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTC/USDT","S":"BUY","x":"TRADE","X":"FILLED","i":123,"z":"0.5","ap":"50000","L":"49990","n":"0.01"}}`

func TestFuturesFillMarksTerminalAndApplies(t *testing.T) {
	store, id := newStore(t)
	applier := &captureApplier{}
	l := NewListener("acct-1", nil, store, applier, nil)

	l.handle(context.Background(), []byte(futuresFill))

	o, err := store.GetOpenOrder(context.Background(), id)
	if err != nil || o == nil {
		t.Fatalf("readback: %v", err)
	}
	if o.Status != db.OrderStatusFilled || o.FilledQuantity != 0.5 || o.AveragePrice != 50_000 {
		t.Errorf("row = %s %v@%v", o.Status, o.FilledQuantity, o.AveragePrice)
	}
	if o.Fee != 0.01 {
		t.Errorf("fee = %v", o.Fee)
	}
	if !o.FilledAt.Valid {
		t.Error("filled_at not stamped")
	}

	if applier.count() != 1 {
		t.Fatalf("applier calls = %d", applier.count())
	}
	if got := applier.orders[0]; got.Status != db.OrderStatusFilled || got.AveragePrice != 50_000 {
		t.Errorf("applied order = %s @%v", got.Status, got.AveragePrice)
	}
}

func TestSpotPartialFillUpdatesRow(t *testing.T) {
	store, id := newStore(t)
	applier := &captureApplier{}
	bus := events.NewBus()
	emitter := events.NewEmitter(bus, events.EmitterConfig{})
	l := NewListener("acct-1", nil, store, applier, emitter)

	stream, unsub := bus.Subscribe(events.EventOrderListUpdate, 1)
	defer unsub()

	// Average derives from cumulative quote over cumulative quantity.
	msg := `{"e":"executionReport","s":"BTC/USDT","S":"BUY","x":"TRADE","X":"PARTIALLY_FILLED","i":123,"z":"0.2","Z":"10000","L":"49990","n":"0.004"}`
	l.handle(context.Background(), []byte(msg))

	o, err := store.GetOpenOrder(context.Background(), id)
	if err != nil || o == nil {
		t.Fatalf("readback: %v", err)
	}
	if o.Status != db.OrderStatusPartiallyFilled || o.FilledQuantity != 0.2 || o.AveragePrice != 50_000 {
		t.Errorf("row = %s %v@%v", o.Status, o.FilledQuantity, o.AveragePrice)
	}
	if applier.count() != 0 {
		t.Error("partial fill must not reach the applier")
	}

	select {
	case <-stream:
	case <-time.After(time.Second):
		t.Error("order_list_update not emitted")
	}
}

func TestNonTradeExecutionIgnored(t *testing.T) {
	store, id := newStore(t)
	applier := &captureApplier{}
	l := NewListener("acct-1", nil, store, applier, nil)

	msg := `{"e":"executionReport","s":"BTC/USDT","x":"NEW","X":"NEW","i":123,"z":"0","Z":"0","L":"0","n":"0"}`
	l.handle(context.Background(), []byte(msg))

	o, _ := store.GetOpenOrder(context.Background(), id)
	if o.Status != db.OrderStatusOpen {
		t.Errorf("status = %s, want untouched OPEN", o.Status)
	}
	if applier.count() != 0 {
		t.Error("applier called for non-trade execution")
	}
}

func TestFillForUnknownOrderIgnored(t *testing.T) {
	store, _ := newStore(t)
	applier := &captureApplier{}
	l := NewListener("acct-1", nil, store, applier, nil)

	msg := `{"e":"ORDER_TRADE_UPDATE","o":{"s":"ETH/USDT","x":"TRADE","X":"FILLED","i":999,"z":"1","ap":"3000","n":"0.1"}}`
	l.handle(context.Background(), []byte(msg))

	if applier.count() != 0 {
		t.Error("applier called for unknown order")
	}
}

type stubVenue struct {
	url string
}

func (s *stubVenue) CreateListenKey(ctx context.Context) (string, error) { return "LK-1", nil }
func (s *stubVenue) KeepAliveListenKey(ctx context.Context, key string) error {
	return nil
}
func (s *stubVenue) CloseListenKey(ctx context.Context, key string) error { return nil }
func (s *stubVenue) StreamURL(key string) string                          { return s.url + "/" + key }

func TestListenerConsumesLiveSession(t *testing.T) {
	store, id := newStore(t)
	applier := &captureApplier{}

	hold := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(futuresFill)); err != nil {
			return
		}
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	venue := &stubVenue{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewListener("acct-1", venue, store, applier, nil).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, err := store.GetOpenOrder(context.Background(), id)
		if err != nil {
			t.Fatalf("readback: %v", err)
		}
		if o.Status == db.OrderStatusFilled {
			if applier.count() != 1 {
				t.Errorf("applier calls = %d", applier.count())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fill never reached the store")
}
