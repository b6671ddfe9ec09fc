package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"exec-engine/internal/metrics"
)

const (
	// defaultChannel is the Redis pub/sub channel the mirror writes to.
	defaultChannel = "engine.events"
	mirrorBuffer   = 256
	publishTimeout = 5 * time.Second
)

// AuditWriter records an emitted event durably. Implementations enqueue and
// must not block.
type AuditWriter interface {
	Record(event string, payload any)
}

// EmitterConfig wires the optional sinks.
type EmitterConfig struct {
	Audit   AuditWriter
	Redis   *redis.Client
	Channel string
}

// Emitter is the single emission point. Callers emit only after their DB
// commit succeeded; every sink failure is logged and swallowed so emission
// can never abort a trading operation.
type Emitter struct {
	bus     *Bus
	audit   AuditWriter
	rdb     *redis.Client
	channel string
	mirror  chan Envelope
}

func NewEmitter(bus *Bus, cfg EmitterConfig) *Emitter {
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	e := &Emitter{
		bus:     bus,
		audit:   cfg.Audit,
		rdb:     cfg.Redis,
		channel: channel,
	}
	if e.rdb != nil {
		e.mirror = make(chan Envelope, mirrorBuffer)
	}
	return e
}

// Start runs the Redis forwarder until ctx is done. No-op without Redis.
func (e *Emitter) Start(ctx context.Context) {
	if e.rdb == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-e.mirror:
				e.forward(env)
			}
		}
	}()
}

// Emit publishes to the bus, records the audit row and queues the Redis
// mirror copy.
func (e *Emitter) Emit(event Event, payload any) {
	e.bus.Publish(event, payload)
	if e.audit != nil {
		e.audit.Record(string(event), payload)
	}
	if e.mirror != nil {
		select {
		case e.mirror <- Envelope{Event: event, At: time.Now(), Payload: payload}:
		default:
			metrics.EventEmitFailures.Inc()
			log.Warn().Str("event", string(event)).Msg("event mirror buffer full, dropping")
		}
	}
}

func (e *Emitter) forward(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.EventEmitFailures.Inc()
		log.Warn().Err(err).Str("event", string(env.Event)).Msg("event mirror marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.rdb.Publish(ctx, e.channel, data).Err(); err != nil {
		metrics.EventEmitFailures.Inc()
		log.Warn().Err(err).Str("event", string(env.Event)).Msg("event mirror publish failed")
	}
}

// Toasts aggregates user-facing outcomes of one webhook by order type. The
// response renders one line per type; the fine-grained events stream
// separately.
type Toasts struct {
	mu    sync.Mutex
	order []string
	lines map[string]*ToastLine
}

// ToastLine is one aggregated notification line.
type ToastLine struct {
	OrderType string `json:"order_type"`
	Succeeded int    `json:"succeeded"`
	Queued    int    `json:"queued"`
	Failed    int    `json:"failed"`
}

func NewToasts() *Toasts {
	return &Toasts{lines: make(map[string]*ToastLine)}
}

func (t *Toasts) line(orderType string) *ToastLine {
	l, ok := t.lines[orderType]
	if !ok {
		l = &ToastLine{OrderType: orderType}
		t.lines[orderType] = l
		t.order = append(t.order, orderType)
	}
	return l
}

func (t *Toasts) Success(orderType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.line(orderType).Succeeded++
}

func (t *Toasts) Queued(orderType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.line(orderType).Queued++
}

func (t *Toasts) Failure(orderType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.line(orderType).Failed++
}

// Lines returns the aggregated lines in first-seen order.
func (t *Toasts) Lines() []ToastLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToastLine, 0, len(t.order))
	for _, typ := range t.order {
		out = append(out, *t.lines[typ])
	}
	return out
}
