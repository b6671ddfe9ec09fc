package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/internal/metrics"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// cancelBackoff spaces the three venue retries after a failed first attempt.
var cancelBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

const (
	cancelWorkerInterval = 30 * time.Second
	cancelWorkerBatch    = 20
	maxCancelAttempts    = 5
)

// CancelByID cancels one live order by row id.
func (e *Executor) CancelByID(ctx context.Context, orderID int64) Result {
	o, err := e.store.GetOpenOrder(ctx, orderID)
	if err != nil {
		return failureKind(KindInternal, fmt.Errorf("load order: %w", err))
	}
	if o == nil {
		return failureKind(KindNotFound, fmt.Errorf("order %d: %w", orderID, common.ErrOrderNotFound))
	}
	if common.OrderStatus(o.Status).Terminal() {
		return failureKind(KindNotFound, fmt.Errorf("order %d already %s: %w", orderID, o.Status, common.ErrOrderNotFound))
	}
	return e.cancelOpen(ctx, o)
}

// cancelOpen drives one cancel to completion: an attempt plus up to three
// retries backed off 1/2/4 s for network-class failures. OrderNotFound
// normalizes to success after a defensive re-fetch; finding the order alive
// on the opposite market type reports market_type_mismatch instead.
// Exhausted retries hand the cancel to the durable mop-up queue.
func (e *Executor) cancelOpen(ctx context.Context, o *db.OpenOrder) Result {
	client, err := e.gateways.ClientFor(ctx, o.AccountID, common.MarketType(o.MarketType))
	if err != nil {
		return failure(fmt.Errorf("gateway: %w", err))
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := client.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
		if err == nil {
			return e.finishCancel(ctx, o)
		}
		if errors.Is(err, common.ErrOrderNotFound) {
			if res, mismatch := e.refetchOtherMarket(ctx, o); mismatch {
				return res
			}
			// The venue already dropped it; whether it filled or was
			// cancelled externally is the reconciler's call, but the cancel
			// itself is done.
			return e.finishCancel(ctx, o)
		}
		kind := Classify(err)
		if !kind.Retryable() {
			log.Error().Err(err).
				Int64("order_id", o.ID).
				Str("kind", string(kind)).
				Msg("cancel failed")
			return failureKind(kind, err)
		}
		lastErr = err
		if attempt >= len(cancelBackoff) {
			break
		}
		metrics.CancelRetries.Inc()
		log.Warn().Err(err).
			Int64("order_id", o.ID).
			Int("attempt", attempt+1).
			Msg("cancel retrying")
		timer := time.NewTimer(cancelBackoff[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return failureKind(KindTemporary, ctx.Err())
		case <-timer.C:
		}
	}

	if _, err := e.store.EnqueueCancel(ctx, db.CancelRequest{
		AccountID:         o.AccountID,
		StrategyAccountID: o.StrategyAccountID,
		ExchangeOrderID:   o.ExchangeOrderID,
		Symbol:            o.Symbol,
		MarketType:        o.MarketType,
		Status:            db.CancelStatusPending,
		LastError:         lastErr.Error(),
		NextRetryAt:       time.Now().Add(cancelWorkerInterval),
	}); err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("cancel mop-up enqueue failed")
	}
	return failureKind(KindTemporary, fmt.Errorf("retry_exhausted: %w", lastErr))
}

// refetchOtherMarket checks whether a NotFound cancel actually targeted the
// wrong venue segment. A live hit on the other market type means the cancel
// request carried the wrong market_type and must not report success.
func (e *Executor) refetchOtherMarket(ctx context.Context, o *db.OpenOrder) (Result, bool) {
	other := common.MarketSpot
	if common.MarketType(o.MarketType) == common.MarketSpot {
		other = common.MarketFutures
	}
	client, err := e.gateways.ClientFor(ctx, o.AccountID, other)
	if err != nil {
		// No client for the other segment (venue may not offer it).
		return Result{}, false
	}
	ord, err := client.FetchOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if err != nil || ord == nil || ord.Status.Terminal() {
		return Result{}, false
	}
	mismatch := fmt.Errorf("order %s alive on %s but cancel targeted %s", o.ExchangeOrderID, other, o.MarketType)
	log.Error().
		Int64("order_id", o.ID).
		Str("expected", o.MarketType).
		Str("actual", string(other)).
		Msg("cancel hit market type mismatch")
	return failureKind(KindMarketTypeMismatch, mismatch), true
}

func (e *Executor) finishCancel(ctx context.Context, o *db.OpenOrder) Result {
	if err := e.store.MarkOrderTerminal(ctx, o.ID, db.OrderStatusCanceled, o.FilledQuantity, o.AveragePrice, o.Fee); err != nil {
		return failureKind(KindInternal, fmt.Errorf("mark cancelled: %w", err))
	}
	e.emitter.Emit(events.EventOrderCancelled, events.OrderPayload{
		OrderID:           o.ID,
		ExchangeOrderID:   o.ExchangeOrderID,
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Status:            db.OrderStatusCanceled,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		Quantity:          o.Quantity,
	})
	e.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
	})
	return Result{Success: true, OrderID: o.ID, ExchangeOrderID: o.ExchangeOrderID}
}

// CancelAll wipes one binding's orders on one symbol: live orders cancel on
// the venue, pending rows are dropped so nothing promotes after the wipe.
// Runs under the tuple lock so it cannot interleave with a rebalance.
func (e *Executor) CancelAll(ctx context.Context, binding *db.StrategyBinding, symbol string) []Result {
	lock := e.locks.forPair(binding.AccountID, symbol)
	lock.Lock()
	defer lock.Unlock()

	var results []Result

	pending, err := e.store.ListPendingOrders(ctx, binding.AccountID, symbol)
	if err != nil {
		return []Result{failureKind(KindInternal, fmt.Errorf("load pending orders: %w", err))}
	}
	droppedPending := 0
	for i := range pending {
		if pending[i].StrategyAccountID != binding.ID {
			continue
		}
		if err := e.store.DeletePendingOrder(ctx, pending[i].ID); err != nil {
			log.Error().Err(err).Int64("pending_id", pending[i].ID).Msg("pending wipe failed")
			continue
		}
		droppedPending++
	}

	live, err := e.store.ListLiveOrders(ctx, binding.AccountID, symbol)
	if err != nil {
		return append(results, failureKind(KindInternal, fmt.Errorf("load live orders: %w", err)))
	}
	for i := range live {
		if live[i].StrategyAccountID != binding.ID {
			continue
		}
		results = append(results, e.cancelOpen(ctx, &live[i]))
	}

	if droppedPending > 0 {
		e.emitPendingChanged(ctx, binding.AccountID, symbol)
	}
	return results
}

// CancelWorker drains the durable cancel queue: cancels whose retry loop
// was exhausted and orphan cancels issued before the order was visible on
// the venue.
type CancelWorker struct {
	exec     *Executor
	interval time.Duration
}

func NewCancelWorker(exec *Executor) *CancelWorker {
	return &CancelWorker{exec: exec, interval: cancelWorkerInterval}
}

// Start runs the worker until ctx is done.
func (w *CancelWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *CancelWorker) run(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.drain(ctx)
		}
	}
}

func (w *CancelWorker) drain(ctx context.Context) {
	due, err := w.exec.store.ListDueCancels(ctx, time.Now(), cancelWorkerBatch)
	if err != nil {
		log.Error().Err(err).Msg("cancel queue scan failed")
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, &due[i])
	}
}

func (w *CancelWorker) process(ctx context.Context, c *db.CancelRequest) {
	if err := w.exec.store.UpdateCancelStatus(ctx, c.ID, db.CancelStatusProcessing); err != nil {
		log.Error().Err(err).Int64("cancel_id", c.ID).Msg("cancel claim failed")
		return
	}

	var cancelErr error
	client, err := w.exec.gateways.ClientFor(ctx, c.AccountID, common.MarketType(c.MarketType))
	if err != nil {
		cancelErr = err
	} else {
		cancelErr = client.CancelOrder(ctx, c.Symbol, c.ExchangeOrderID)
		if errors.Is(cancelErr, common.ErrOrderNotFound) {
			cancelErr = nil
		}
	}

	if cancelErr == nil {
		if err := w.exec.store.UpdateCancelStatus(ctx, c.ID, db.CancelStatusSuccess); err != nil {
			log.Error().Err(err).Int64("cancel_id", c.ID).Msg("cancel finish failed")
		}
		w.settleRow(ctx, c)
		return
	}

	if c.RetryCount+1 >= maxCancelAttempts {
		if err := w.exec.store.UpdateCancelStatus(ctx, c.ID, db.CancelStatusFailed); err != nil {
			log.Error().Err(err).Int64("cancel_id", c.ID).Msg("cancel fail-mark failed")
		}
		w.exec.alerts.Alert("Cancel abandoned",
			fmt.Sprintf("%s %s order %s: %v", c.Symbol, c.MarketType, c.ExchangeOrderID, cancelErr))
		return
	}

	delay := cancelWorkerInterval << uint(c.RetryCount)
	if err := w.exec.store.RescheduleCancel(ctx, c.ID, time.Now().Add(delay), c.RetryCount+1, cancelErr.Error()); err != nil {
		log.Error().Err(err).Int64("cancel_id", c.ID).Msg("cancel reschedule failed")
	}
}

// settleRow closes the local order row the finished cancel belonged to, if
// it is still live.
func (w *CancelWorker) settleRow(ctx context.Context, c *db.CancelRequest) {
	o, err := w.exec.store.GetOrderByExchangeID(ctx, c.AccountID, c.ExchangeOrderID)
	if err != nil || o == nil || common.OrderStatus(o.Status).Terminal() {
		return
	}
	if res := w.exec.finishCancel(ctx, o); !res.Success {
		log.Error().Str("error", res.Error).Int64("order_id", o.ID).Msg("cancel settle failed")
	}
}
