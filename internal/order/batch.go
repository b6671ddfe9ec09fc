package order

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/internal/metrics"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// ExecuteBatch drives one webhook's order array for a single binding.
// Results are index-aligned with reqs. Items are grouped by symbol and the
// groups run sequentially, which keeps submissions serialized within the
// account as the webhook contract requires. Partial failure is per item,
// never a batch abort.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	var symbols []string
	groups := make(map[string][]int)
	for i := range reqs {
		sym := reqs[i].Symbol
		if _, ok := groups[sym]; !ok {
			symbols = append(symbols, sym)
		}
		groups[sym] = append(groups[sym], i)
	}

	for _, sym := range symbols {
		e.executeGroup(ctx, reqs, groups[sym], results)
	}
	return results
}

// executeGroup submits one symbol's slice of the batch. Under the tuple
// lock it splits items into a direct set that fits the bucket caps and a
// parked remainder, sends the direct set through the venue's batch call and
// materializes each outcome.
func (e *Executor) executeGroup(ctx context.Context, reqs []Request, idx []int, results []Result) {
	binding := reqs[idx[0]].Binding
	symbol := reqs[idx[0]].Symbol
	market := common.MarketType(binding.MarketType)

	lock := e.locks.forPair(binding.AccountID, symbol)
	lock.Lock()

	live, err := e.store.ListLiveOrders(ctx, binding.AccountID, symbol)
	if err != nil {
		lock.Unlock()
		for _, i := range idx {
			results[i] = failureKind(KindInternal, fmt.Errorf("load live orders: %w", err))
		}
		return
	}
	counts := make(map[bucketKey]int)
	for i := range live {
		if bk, ok := bucketOf(common.OrderType(live[i].OrderType), common.Side(live[i].Side)); ok {
			counts[bk]++
		}
	}

	type directItem struct {
		i        int
		venueReq common.OrderRequest
	}
	var direct []directItem
	var parked []int

	for _, i := range idx {
		req := &reqs[i]
		venueReq, err := prepare(*req)
		if err != nil {
			results[i] = failure(err)
			continue
		}
		if err := e.quantize(req); err != nil {
			results[i] = failure(err)
			continue
		}
		venueReq.Quantity = req.Quantity
		venueReq.Price = req.Price
		venueReq.StopPrice = req.StopPrice

		if req.Type == common.OrderTypeMarket {
			direct = append(direct, directItem{i: i, venueReq: venueReq})
			continue
		}
		bk, _ := bucketOf(req.Type, req.Side)
		if counts[bk] < MaxOrdersPerBucket {
			counts[bk]++
			direct = append(direct, directItem{i: i, venueReq: venueReq})
		} else {
			parked = append(parked, i)
		}
	}

	if len(direct) > 0 {
		client, err := e.gateways.ClientFor(ctx, binding.AccountID, market)
		if err != nil {
			for _, d := range direct {
				results[d.i] = e.submitFailed(ctx, reqs[d.i], fmt.Errorf("gateway: %w", err))
			}
		} else {
			venueReqs := make([]common.OrderRequest, len(direct))
			for j, d := range direct {
				venueReqs[j] = d.venueReq
			}
			batch, err := client.CreateBatchOrders(ctx, venueReqs)
			if err != nil {
				for _, d := range direct {
					results[d.i] = e.submitFailed(ctx, reqs[d.i], err)
				}
			} else {
				e.gateways.RecordSuccess(binding.AccountID, market)
				metrics.BatchSubmissions.WithLabelValues(binding.Exchange, string(batch.Implementation)).Inc()
				for j, out := range batch.Results {
					i := direct[j].i
					if out.Err != nil {
						results[i] = e.submitFailed(ctx, reqs[i], out.Err)
						continue
					}
					id, err := e.recordOpen(ctx, reqs[i], out.Order.ExchangeOrderID)
					if err != nil {
						log.Error().Err(err).
							Str("exchange_order_id", out.Order.ExchangeOrderID).
							Str("symbol", symbol).
							Msg("order accepted by venue but row insert failed")
						results[i] = failureKind(KindInternal, fmt.Errorf("record open order: %w", err))
						continue
					}
					metrics.OrdersSubmitted.WithLabelValues(binding.Exchange, string(reqs[i].Type), "success").Inc()
					e.emitOrderCreated(id, reqs[i], out.Order.ExchangeOrderID, db.OrderStatusOpen)
					results[i] = Result{Success: true, OrderID: id, ExchangeOrderID: out.Order.ExchangeOrderID}
				}
				e.emitter.Emit(events.EventBatchSummary, events.BatchPayload{
					AccountID:      binding.AccountID,
					Exchange:       binding.Exchange,
					Implementation: string(batch.Implementation),
					Total:          batch.Summary.Total,
					Succeeded:      batch.Summary.Succeeded,
					Failed:         batch.Summary.Failed,
				})
			}
		}
	}

	for _, i := range parked {
		results[i] = e.parkForCapacity(ctx, reqs[i])
	}
	lock.Unlock()

	e.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
		AccountID: binding.AccountID,
		Symbol:    symbol,
	})

	if len(parked) > 0 {
		if _, err := e.RebalanceSymbol(ctx, binding.AccountID, symbol); err != nil {
			log.Warn().Err(err).
				Str("account_id", binding.AccountID).
				Str("symbol", symbol).
				Msg("inline rebalance after batch park failed")
		}
	}
}
