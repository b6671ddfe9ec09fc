package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/internal/metrics"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// RebalanceOutcome summarizes one pass over a single queue.
type RebalanceOutcome struct {
	Cancelled int           `json:"cancelled"`
	Promoted  int           `json:"promoted"`
	Dropped   int           `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

// RebalanceSymbol reconverges one (account, symbol) queue so each bucket's
// live set is the top-K of live ∪ pending under the comparator. Runs under
// the tuple's exclusive lock for the whole read-plan-write cycle. The pass
// is idempotent: with no external changes it cancels and promotes nothing.
func (e *Executor) RebalanceSymbol(ctx context.Context, accountID, symbol string) (RebalanceOutcome, error) {
	lock := e.locks.forPair(accountID, symbol)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var out RebalanceOutcome

	live, err := e.store.ListLiveOrders(ctx, accountID, symbol)
	if err != nil {
		return out, fmt.Errorf("load live orders: %w", err)
	}
	pending, err := e.store.ListPendingOrders(ctx, accountID, symbol)
	if err != nil {
		return out, fmt.Errorf("load pending orders: %w", err)
	}

	buckets := make(map[bucketKey][]queued)
	for i := range live {
		if bk, ok := bucketOf(common.OrderType(live[i].OrderType), common.Side(live[i].Side)); ok {
			buckets[bk] = append(buckets[bk], fromOpen(&live[i]))
		}
	}
	for i := range pending {
		if bk, ok := bucketOf(common.OrderType(pending[i].OrderType), common.Side(pending[i].Side)); ok {
			buckets[bk] = append(buckets[bk], fromPending(&pending[i]))
		}
	}

	var demote []*db.OpenOrder
	var promote []*db.PendingOrder
	for _, items := range buckets {
		sort.Slice(items, func(a, b int) bool { return less(items[a], items[b]) })
		for pos, q := range items {
			inTarget := pos < MaxOrdersPerBucket
			switch {
			case inTarget && q.pending != nil:
				promote = append(promote, q.pending)
			case !inTarget && q.open != nil:
				demote = append(demote, q.open)
			}
		}
	}

	// Demotions run first so venue slots are free before promotions land.
	for _, o := range demote {
		if err := e.cancelAndPark(ctx, o); err != nil {
			if errors.Is(err, common.ErrOrderNotFound) {
				log.Info().
					Int64("order_id", o.ID).
					Str("exchange_order_id", o.ExchangeOrderID).
					Msg("order gone at demotion, leaving row for reconciliation")
			} else {
				log.Warn().Err(err).
					Int64("order_id", o.ID).
					Str("symbol", symbol).
					Msg("cancel-and-park failed, order stays live")
			}
			continue
		}
		out.Cancelled++
	}

	out.Promoted, out.Dropped = e.promoteAll(ctx, accountID, promote)

	out.Duration = time.Since(start)
	metrics.RebalancePasses.Inc()
	metrics.RebalanceCancels.Add(float64(out.Cancelled))
	metrics.RebalancePromotions.Add(float64(out.Promoted))
	metrics.RebalanceDuration.Observe(out.Duration.Seconds())
	if out.Duration > SlowRebalance {
		log.Warn().
			Dur("duration", out.Duration).
			Str("account_id", accountID).
			Str("symbol", symbol).
			Int("cancelled", out.Cancelled).
			Int("promoted", out.Promoted).
			Msg("slow rebalance pass")
	}

	if out.Cancelled > 0 || out.Promoted > 0 || out.Dropped > 0 {
		e.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
			AccountID: accountID,
			Symbol:    symbol,
		})
		e.emitPendingChanged(ctx, accountID, symbol)
	}
	return out, nil
}

// cancelAndPark moves one live order back to the pending store in a single
// transaction after the venue cancel succeeds. On cancel failure the order
// stays live with no pending row. OrderNotFound propagates so the caller
// can leave the row for the reconciler instead of parking a dead order.
func (e *Executor) cancelAndPark(ctx context.Context, o *db.OpenOrder) error {
	client, err := e.gateways.ClientFor(ctx, o.AccountID, common.MarketType(o.MarketType))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := client.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID); err != nil {
		return fmt.Errorf("venue cancel: %w", err)
	}

	remaining := o.Quantity - o.FilledQuantity
	if remaining <= 0 {
		return fmt.Errorf("order %d has no remaining quantity: %w", o.ID, common.ErrOrderNotFound)
	}
	if o.FilledQuantity > 0 {
		log.Warn().
			Int64("order_id", o.ID).
			Float64("filled", o.FilledQuantity).
			Msg("parking partially filled order with remaining quantity")
	}

	err = e.store.WithTx(ctx, func(q *db.Queries) error {
		if err := q.DeleteOpenOrder(ctx, o.ID); err != nil {
			return err
		}
		_, err := q.InsertPendingOrder(ctx, pendingRowFromOpen(o, remaining, "displaced by rebalance"))
		return err
	})
	if err != nil {
		return fmt.Errorf("park transition: %w", err)
	}

	e.emitter.Emit(events.EventOrderCancelled, events.OrderPayload{
		OrderID:           o.ID,
		ExchangeOrderID:   o.ExchangeOrderID,
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Status:            "QUEUED",
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		Quantity:          remaining,
	})
	return nil
}

// promoteAll submits pending rows through the venue batch path, deleting
// each row on success inside the same transaction that creates its live
// counterpart. Temporary failures bump retry_count; permanent failures and
// exhausted retries drop the row with an alert, shrinking the live set
// until the next pass.
func (e *Executor) promoteAll(ctx context.Context, accountID string, rows []*db.PendingOrder) (promoted, dropped int) {
	if len(rows) == 0 {
		return 0, 0
	}

	var markets []common.MarketType
	byMarket := make(map[common.MarketType][]*db.PendingOrder)
	for _, p := range rows {
		m := common.MarketType(p.MarketType)
		if _, ok := byMarket[m]; !ok {
			markets = append(markets, m)
		}
		byMarket[m] = append(byMarket[m], p)
	}

	for _, market := range markets {
		group := byMarket[market]
		client, err := e.gateways.ClientFor(ctx, accountID, market)
		if err != nil {
			for _, p := range group {
				dropped += e.promotionFailed(ctx, p, fmt.Errorf("gateway: %w", err))
			}
			continue
		}

		venueReqs := make([]common.OrderRequest, len(group))
		for i, p := range group {
			venueReqs[i] = pendingVenueReq(p, market)
		}
		batch, err := client.CreateBatchOrders(ctx, venueReqs)
		if err != nil {
			for _, p := range group {
				dropped += e.promotionFailed(ctx, p, err)
			}
			continue
		}
		metrics.BatchSubmissions.WithLabelValues(client.Name(), string(batch.Implementation)).Inc()

		for i, outc := range batch.Results {
			p := group[i]
			if outc.Err != nil {
				dropped += e.promotionFailed(ctx, p, outc.Err)
				continue
			}
			var openID int64
			err := e.store.WithTx(ctx, func(q *db.Queries) error {
				if err := q.DeletePendingOrder(ctx, p.ID); err != nil {
					return err
				}
				id, err := q.InsertOpenOrder(ctx, openRowFromPending(p, outc.Order.ExchangeOrderID))
				openID = id
				return err
			})
			if err != nil {
				// The venue holds the order; the reconciler will adopt it.
				log.Error().Err(err).
					Int64("pending_id", p.ID).
					Str("exchange_order_id", outc.Order.ExchangeOrderID).
					Msg("promotion landed on venue but transition failed")
				continue
			}
			promoted++
			e.emitter.Emit(events.EventOrderCreated, events.OrderPayload{
				OrderID:           openID,
				ExchangeOrderID:   outc.Order.ExchangeOrderID,
				StrategyAccountID: p.StrategyAccountID,
				AccountID:         p.AccountID,
				Symbol:            p.Symbol,
				Side:              p.Side,
				OrderType:         p.OrderType,
				Status:            db.OrderStatusOpen,
				Price:             p.Price,
				StopPrice:         p.StopPrice,
				Quantity:          p.Quantity,
			})
		}
	}
	return promoted, dropped
}

// promotionFailed reports 1 when the row was dropped, 0 when kept for retry.
func (e *Executor) promotionFailed(ctx context.Context, p *db.PendingOrder, cause error) int {
	kind := Classify(cause)
	if kind == KindTemporary && p.RetryCount+1 < MaxRetryCount {
		if err := e.store.BumpPendingRetry(ctx, p.ID, cause.Error()); err != nil {
			log.Error().Err(err).Int64("pending_id", p.ID).Msg("retry bump failed")
		}
		return 0
	}

	if err := e.store.DeletePendingOrder(ctx, p.ID); err != nil {
		log.Error().Err(err).Int64("pending_id", p.ID).Msg("pending drop failed")
		return 0
	}
	reason := "rejected"
	if kind == KindTemporary {
		reason = fmt.Sprintf("dropped after %d attempts", MaxRetryCount)
	}
	e.alerts.Alert("Pending order dropped",
		fmt.Sprintf("%s %s %s qty=%v (%s): %v", p.Symbol, p.Side, p.OrderType, p.Quantity, reason, cause))
	log.Error().Err(cause).
		Int64("pending_id", p.ID).
		Str("symbol", p.Symbol).
		Str("kind", string(kind)).
		Msg("pending order dropped")
	return 1
}

func pendingVenueReq(p *db.PendingOrder, market common.MarketType) common.OrderRequest {
	t := common.OrderType(p.OrderType)
	req := common.OrderRequest{
		Symbol:   p.Symbol,
		Side:     common.Side(p.Side),
		Type:     t,
		Quantity: p.Quantity,
		Market:   market,
	}
	if t.NeedsLimitPrice() {
		req.Price = p.Price
		req.TimeInForce = common.TIFGTC
	}
	if t.IsStop() {
		req.StopPrice = p.StopPrice
	}
	return req
}

func openRowFromPending(p *db.PendingOrder, exchangeOrderID string) db.OpenOrder {
	return db.OpenOrder{
		StrategyAccountID: p.StrategyAccountID,
		AccountID:         p.AccountID,
		ExchangeOrderID:   exchangeOrderID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
		Quantity:          p.Quantity,
		Status:            db.OrderStatusOpen,
		MarketType:        p.MarketType,
		WebhookReceivedAt: p.WebhookReceivedAt,
	}
}

func pendingRowFromOpen(o *db.OpenOrder, remaining float64, reason string) db.PendingOrder {
	t := common.OrderType(o.OrderType)
	return db.PendingOrder{
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		Quantity:          remaining,
		MarketType:        o.MarketType,
		Priority:          Priority(t),
		SortPrice:         SortPrice(t, common.Side(o.Side), o.Price, o.StopPrice),
		Reason:            reason,
		WebhookReceivedAt: o.WebhookReceivedAt,
	}
}
