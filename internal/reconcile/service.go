// Package reconcile keeps local order rows in sync with venue reality and
// turns observed fills into trades and position updates, at most once per
// order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/internal/gateway"
	"exec-engine/internal/metrics"
	"exec-engine/internal/position"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

const defaultInterval = 15 * time.Second

// errDuplicateFill aborts the fill transaction when the trade row already
// exists. Callers treat it as success.
var errDuplicateFill = errors.New("fill already recorded")

// Service polls venues for the truth about live orders. It is also the
// single entry point for recording fills, shared with the user-data-stream
// listener; the trade UNIQUE constraint arbitrates when both observe the
// same fill.
type Service struct {
	store    *db.Database
	gateways *gateway.Pool
	emitter  *events.Emitter
	interval time.Duration

	running atomic.Bool
}

func New(store *db.Database, gateways *gateway.Pool, emitter *events.Emitter, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{store: store, gateways: gateways, emitter: emitter, interval: interval}
}

// Start runs the poll loop until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go func() {
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if _, err := s.Pass(ctx); err != nil {
					log.Error().Err(err).Msg("reconcile pass failed")
				}
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Msg("reconciler started")
}

// Report counts what one pass touched.
type Report struct {
	Checked   int
	Updated   int
	Filled    int
	Cancelled int
	Missing   int
}

// Pass fetches the venue state of every live order and applies the
// differences. One client per (account, market) serves the whole pass. At
// most one pass runs at a time.
func (s *Service) Pass(ctx context.Context) (Report, error) {
	var rep Report
	if !s.running.CompareAndSwap(false, true) {
		return rep, nil
	}
	defer s.running.Store(false)

	orders, err := s.store.ListActiveOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active orders: %w", err)
	}

	clients := make(map[string]common.Client)
	skip := make(map[string]bool)
	for i := range orders {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		o := &orders[i]
		key := o.AccountID + ":" + o.MarketType
		if skip[key] {
			continue
		}
		client := clients[key]
		if client == nil {
			client, err = s.gateways.ClientFor(ctx, o.AccountID, common.MarketType(o.MarketType))
			if err != nil {
				log.Warn().Err(err).Str("account_id", o.AccountID).
					Str("market_type", o.MarketType).Msg("reconcile skipping account")
				skip[key] = true
				continue
			}
			clients[key] = client
		}

		rep.Checked++
		if err := s.reconcileOrder(ctx, client, o, &rep); err != nil {
			log.Error().Err(err).Int64("order_id", o.ID).Str("symbol", o.Symbol).
				Msg("order reconcile failed")
		}
	}

	metrics.ReconcilePasses.Inc()
	if rep.Updated > 0 || rep.Missing > 0 {
		log.Info().Int("checked", rep.Checked).Int("updated", rep.Updated).
			Int("filled", rep.Filled).Int("cancelled", rep.Cancelled).
			Int("missing", rep.Missing).Msg("reconcile pass")
	}
	return rep, nil
}

func (s *Service) reconcileOrder(ctx context.Context, client common.Client, o *db.OpenOrder, rep *Report) error {
	v, err := client.FetchOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if errors.Is(err, common.ErrOrderNotFound) {
		// The venue has no record: cancelled out of band, or a row a failed
		// demotion left behind. Close it out locally.
		rep.Missing++
		rep.Cancelled++
		if err := s.store.MarkOrderTerminal(ctx, o.ID, db.OrderStatusCanceled,
			o.FilledQuantity, o.AveragePrice, o.Fee); err != nil {
			return err
		}
		o.Status = db.OrderStatusCanceled
		log.Warn().Int64("order_id", o.ID).Str("exchange_order_id", o.ExchangeOrderID).
			Str("symbol", o.Symbol).Msg("order unknown to venue, closed as cancelled")
		s.emitCancelled(o)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", o.ExchangeOrderID, err)
	}
	if v.Status == common.StatusUnknown {
		log.Warn().Int64("order_id", o.ID).Str("symbol", o.Symbol).
			Msg("venue reported unknown status, leaving row untouched")
		return nil
	}

	status := string(v.Status)
	if status == o.Status && v.FilledQuantity == o.FilledQuantity {
		return nil
	}
	rep.Updated++

	if !v.Status.Terminal() {
		if err := s.store.UpdateOrderFill(ctx, o.ID, status, v.FilledQuantity, v.AveragePrice, v.Fee); err != nil {
			return err
		}
		s.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
			AccountID: o.AccountID, Symbol: o.Symbol,
		})
		return nil
	}

	if err := s.store.MarkOrderTerminal(ctx, o.ID, status, v.FilledQuantity, v.AveragePrice, v.Fee); err != nil {
		return err
	}
	o.Status = status
	o.FilledQuantity = v.FilledQuantity
	o.AveragePrice = v.AveragePrice
	o.Fee = v.Fee

	switch v.Status {
	case common.StatusFilled:
		rep.Filled++
		return s.ApplyFill(ctx, o)
	case common.StatusCanceled, common.StatusRejected:
		rep.Cancelled++
		s.emitCancelled(o)
	}
	return nil
}

// ApplyFill records the trade for a filled order and advances the position
// ledger in one transaction. The row's fill fields must be persisted before
// the call. A second observation of the same fill hits the trade UNIQUE
// constraint and is dropped without touching the ledger.
func (s *Service) ApplyFill(ctx context.Context, o *db.OpenOrder) error {
	qty := o.FilledQuantity
	if qty <= 0 {
		return nil
	}
	price := o.AveragePrice
	if price == 0 {
		price = o.Price
	}

	fill := position.Fill{Side: common.Side(o.Side), Quantity: qty, Price: price}
	tradeID := uuid.NewString()
	var change position.Change

	err := s.store.WithTx(ctx, func(q *db.Queries) error {
		pos, err := q.GetPosition(ctx, o.StrategyAccountID, o.Symbol)
		if err != nil {
			return err
		}
		var prevQty, prevEntry float64
		if pos != nil {
			prevQty, prevEntry = pos.Quantity, pos.EntryPrice
		}
		change = position.Apply(prevQty, prevEntry, fill)

		executedAt := time.Now()
		if o.FilledAt.Valid {
			executedAt = o.FilledAt.Time
		}
		if err := q.InsertTrade(ctx, db.Trade{
			ID:                tradeID,
			StrategyAccountID: o.StrategyAccountID,
			ExchangeOrderID:   o.ExchangeOrderID,
			Symbol:            o.Symbol,
			Side:              o.Side,
			Price:             price,
			Quantity:          qty,
			Pnl:               change.RealizedPnl,
			Fee:               o.Fee,
			IsEntry:           change.IsEntry,
			ExecutedAt:        executedAt,
		}); err != nil {
			if db.IsUniqueViolation(err) {
				return errDuplicateFill
			}
			return fmt.Errorf("insert trade: %w", err)
		}

		return q.UpsertPosition(ctx, db.StrategyPosition{
			StrategyAccountID: o.StrategyAccountID,
			Symbol:            o.Symbol,
			Quantity:          change.Quantity,
			EntryPrice:        change.EntryPrice,
		})
	})
	if errors.Is(err, errDuplicateFill) {
		metrics.DuplicateFills.Inc()
		log.Debug().Int64("order_id", o.ID).Str("exchange_order_id", o.ExchangeOrderID).
			Msg("fill already recorded, dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}

	metrics.TradesRecorded.Inc()
	s.emitter.Emit(events.EventOrderFilled, events.FillPayload{
		OrderID:           o.ID,
		TradeID:           tradeID,
		StrategyAccountID: o.StrategyAccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		Price:             price,
		Quantity:          qty,
		Fee:               o.Fee,
		IsEntry:           change.IsEntry,
	})
	s.emitter.Emit(events.EventPositionUpdated, events.PositionPayload{
		StrategyAccountID: o.StrategyAccountID,
		Symbol:            o.Symbol,
		Quantity:          change.Quantity,
		EntryPrice:        change.EntryPrice,
		RealizedPnl:       change.RealizedPnl,
	})
	return nil
}

func (s *Service) emitCancelled(o *db.OpenOrder) {
	s.emitter.Emit(events.EventOrderCancelled, events.OrderPayload{
		OrderID:           o.ID,
		ExchangeOrderID:   o.ExchangeOrderID,
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Status:            o.Status,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		Quantity:          o.Quantity,
	})
	s.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
		AccountID: o.AccountID, Symbol: o.Symbol,
	})
}
