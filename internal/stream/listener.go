// Package stream mirrors venue fill notifications into the store so fills
// land seconds ahead of the reconcile poll. Cancels and expiries are left
// to the poller; only trade executions move rows here.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/pkg/db"
)

const (
	keepAliveInterval = 30 * time.Minute
	pongWait          = 60 * time.Second
	pingPeriod        = 25 * time.Second
	writeWait         = 10 * time.Second
	reconnectMin      = time.Second
	reconnectMax      = 30 * time.Second
	// A session that survived this long resets the reconnect backoff.
	stableSession = time.Minute
)

// VenueStream is the listen-key surface of a venue client. The binance
// client implements it for both markets; venues without a user stream
// simply never get a listener.
type VenueStream interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	StreamURL(listenKey string) string
}

// FillApplier records one filled order into the trade and position tables.
// The unique trade constraint makes a second observation of the same fill
// harmless, so the listener never coordinates with the poller.
type FillApplier interface {
	ApplyFill(ctx context.Context, o *db.OpenOrder) error
}

// Listener holds one account's user-data-stream connection.
type Listener struct {
	accountID string
	venue     VenueStream
	store     *db.Database
	applier   FillApplier
	emitter   *events.Emitter
	dial      func(ctx context.Context, url string) (*websocket.Conn, error)
}

func NewListener(accountID string, venue VenueStream, store *db.Database, applier FillApplier, emitter *events.Emitter) *Listener {
	return &Listener{
		accountID: accountID,
		venue:     venue,
		store:     store,
		applier:   applier,
		emitter:   emitter,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Start runs the connect loop until ctx is done.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	backoff := reconnectMin
	for ctx.Err() == nil {
		started := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("account_id", l.accountID).Msg("user stream session ended")
		}
		if time.Since(started) >= stableSession {
			backoff = reconnectMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// session opens one listen key and reads it until the connection drops.
func (l *Listener) session(ctx context.Context) error {
	key, err := l.venue.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.venue.CloseListenKey(closeCtx, key); err != nil {
			log.Debug().Err(err).Str("account_id", l.accountID).Msg("listen key close failed")
		}
	}()

	conn, err := l.dial(ctx, l.venue.StreamURL(key))
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()
	log.Info().Str("account_id", l.accountID).Msg("user stream connected")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.keepAlive(sessionCtx, conn, key)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		l.handle(ctx, msg)
	}
}

// keepAlive extends the listen key and pings the socket so the read
// deadline stays ahead of quiet periods.
func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn, key string) {
	extend := time.NewTicker(keepAliveInterval)
	ping := time.NewTicker(pingPeriod)
	defer extend.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-extend.C:
			if err := l.venue.KeepAliveListenKey(ctx, key); err != nil {
				log.Warn().Err(err).Str("account_id", l.accountID).Msg("listen key keepalive failed")
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// executionReport is the venue-neutral shape both message formats reduce to.
type executionReport struct {
	ExchangeOrderID string
	Symbol          string
	ExecType        string
	Status          string
	CumQty          float64
	CumQuote        float64
	AvgPrice        float64
	LastPrice       float64
	Fee             float64
}

func (l *Listener) handle(ctx context.Context, msg []byte) {
	// Futures payloads carry a numeric sibling "E" (event time); without an
	// exact-match sink, encoding/json's case-insensitive fallback lands it
	// in the string "e" field and the whole unmarshal fails.
	var peek struct {
		Event     string          `json:"e"`
		EventTime json.RawMessage `json:"E"`
	}
	if err := json.Unmarshal(msg, &peek); err != nil {
		log.Debug().Err(err).Msg("user stream message not json")
		return
	}

	switch peek.Event {
	case "executionReport":
		var m spotReport
		if err := json.Unmarshal(msg, &m); err != nil {
			log.Warn().Err(err).Msg("spot execution report parse failed")
			return
		}
		l.apply(ctx, m.report())
	case "ORDER_TRADE_UPDATE":
		var m futuresReport
		if err := json.Unmarshal(msg, &m); err != nil {
			log.Warn().Err(err).Msg("futures order update parse failed")
			return
		}
		l.apply(ctx, m.report())
	default:
		// Balance and account events are covered by the PnL sweep.
	}
}

type spotReport struct {
	Symbol    string `json:"s"`
	ExecType  string `json:"x"`
	Status    string `json:"X"`
	OrderID   int64  `json:"i"`
	CumQty    string `json:"z"`
	CumQuote  string `json:"Z"`
	LastPrice string `json:"L"`
	Fee       string `json:"n"`
}

func (m spotReport) report() executionReport {
	return executionReport{
		ExchangeOrderID: strconv.FormatInt(m.OrderID, 10),
		Symbol:          m.Symbol,
		ExecType:        strings.ToUpper(m.ExecType),
		Status:          strings.ToUpper(m.Status),
		CumQty:          toFloat(m.CumQty),
		CumQuote:        toFloat(m.CumQuote),
		LastPrice:       toFloat(m.LastPrice),
		Fee:             toFloat(m.Fee),
	}
}

type futuresReport struct {
	Order struct {
		Symbol    string `json:"s"`
		ExecType  string `json:"x"`
		Status    string `json:"X"`
		OrderID   int64  `json:"i"`
		CumQty    string `json:"z"`
		AvgPrice  string `json:"ap"`
		LastPrice string `json:"L"`
		Fee       string `json:"n"`
	} `json:"o"`
}

func (m futuresReport) report() executionReport {
	return executionReport{
		ExchangeOrderID: strconv.FormatInt(m.Order.OrderID, 10),
		Symbol:          m.Order.Symbol,
		ExecType:        strings.ToUpper(m.Order.ExecType),
		Status:          strings.ToUpper(m.Order.Status),
		CumQty:          toFloat(m.Order.CumQty),
		AvgPrice:        toFloat(m.Order.AvgPrice),
		LastPrice:       toFloat(m.Order.LastPrice),
		Fee:             toFloat(m.Order.Fee),
	}
}

func (l *Listener) apply(ctx context.Context, r executionReport) {
	if r.ExecType != "TRADE" {
		return
	}

	o, err := l.store.GetOrderByExchangeID(ctx, l.accountID, r.ExchangeOrderID)
	if err != nil {
		log.Error().Err(err).Str("exchange_order_id", r.ExchangeOrderID).Msg("user stream order lookup failed")
		return
	}
	if o == nil {
		// Not ours: manual order or a row the retention sweep already took.
		log.Debug().Str("exchange_order_id", r.ExchangeOrderID).Msg("user stream fill for unknown order")
		return
	}

	price := r.AvgPrice
	if price == 0 && r.CumQty > 0 && r.CumQuote > 0 {
		price = r.CumQuote / r.CumQty
	}
	if price == 0 {
		price = r.LastPrice
	}
	// The report carries only this execution's commission.
	fee := o.Fee + r.Fee

	switch r.Status {
	case db.OrderStatusFilled:
		if err := l.store.MarkOrderTerminal(ctx, o.ID, db.OrderStatusFilled, r.CumQty, price, fee); err != nil {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("user stream fill update failed")
			return
		}
		o.Status = db.OrderStatusFilled
		o.FilledQuantity = r.CumQty
		o.AveragePrice = price
		o.Fee = fee
		o.FilledAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		if err := l.applier.ApplyFill(ctx, o); err != nil {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("user stream fill apply failed")
		}
	case db.OrderStatusPartiallyFilled:
		if err := l.store.UpdateOrderFill(ctx, o.ID, db.OrderStatusPartiallyFilled, r.CumQty, price, fee); err != nil {
			log.Error().Err(err).Int64("order_id", o.ID).Msg("user stream partial update failed")
			return
		}
		if l.emitter != nil {
			l.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
				AccountID: o.AccountID,
				Symbol:    o.Symbol,
			})
		}
	}
}

func toFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
