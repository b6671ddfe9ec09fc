package events

import (
	"sync"
	"time"
)

// Bus is a channel pub/sub broker. Publish never blocks; a slow subscriber
// loses messages rather than stalling the trading path.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Event][]chan Envelope
	wildcard []chan Envelope
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for one event and returns the channel plus
// an unsubscribe function that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeAll registers a listener for every event. The websocket fan-out
// uses this.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.wildcard = append(b.wildcard, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.wildcard {
			if c == ch {
				close(c)
				b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers, dropping on full buffers.
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Event: e, At: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.wildcard {
		select {
		case ch <- env:
		default:
		}
	}
}
