package events

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderCreated, 4)
	defer unsub()

	bus.Publish(EventOrderCreated, OrderPayload{OrderID: 1, Symbol: "BTC/USDT"})

	select {
	case env := <-ch:
		if env.Event != EventOrderCreated {
			t.Errorf("event = %s", env.Event)
		}
		p, ok := env.Payload.(OrderPayload)
		if !ok || p.OrderID != 1 {
			t.Errorf("payload = %#v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestBusWildcardSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	all, unsub := bus.SubscribeAll(8)
	defer unsub()

	bus.Publish(EventOrderCreated, nil)
	bus.Publish(EventPositionUpdated, nil)

	got := map[Event]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-all:
			got[env.Event] = true
		case <-time.After(time.Second):
			t.Fatal("missing wildcard delivery")
		}
	}
	if !got[EventOrderCreated] || !got[EventPositionUpdated] {
		t.Errorf("topics seen = %v", got)
	}
}

func TestBusNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderFilled, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventOrderFilled, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	// The one buffered slot still holds the first message.
	select {
	case env := <-ch:
		if env.Payload.(int) != 0 {
			t.Errorf("first buffered payload = %v", env.Payload)
		}
	default:
		t.Error("buffered message lost")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventBatchSummary, 1)
	unsub()
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventBatchSummary, nil)
}

func TestToastsAggregatePerOrderType(t *testing.T) {
	toasts := NewToasts()
	toasts.Success("LIMIT")
	toasts.Success("LIMIT")
	toasts.Queued("LIMIT")
	toasts.Failure("MARKET")
	toasts.Success("STOP_MARKET")

	lines := toasts.Lines()
	if len(lines) != 3 {
		t.Fatalf("lines = %d", len(lines))
	}
	if lines[0].OrderType != "LIMIT" || lines[0].Succeeded != 2 || lines[0].Queued != 1 {
		t.Errorf("limit line = %+v", lines[0])
	}
	if lines[1].OrderType != "MARKET" || lines[1].Failed != 1 {
		t.Errorf("market line = %+v", lines[1])
	}
}
