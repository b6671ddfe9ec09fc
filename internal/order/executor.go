package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/events"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/internal/metrics"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// ErrInvalidOrder marks parameter-preparation failures. Never retried.
var ErrInvalidOrder = errors.New("invalid order")

// Alerter delivers human-facing alerts. Implementations must not block.
type Alerter interface {
	Alert(title, message string)
}

// NopAlerter drops alerts.
type NopAlerter struct{}

func (NopAlerter) Alert(string, string) {}

// Request is one validated, quantity-resolved order intent bound to a
// strategy account. Quantity is absolute; qty_per resolution happens before
// the executor sees the order.
type Request struct {
	Binding    *db.StrategyBinding
	Symbol     string
	Side       common.Side
	Type       common.OrderType
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReceivedAt time.Time
}

// Executor owns the order path: parameter preparation, precision, the
// capacity gate against the pending queue, venue submission and row
// materialization. The rebalancer, cancel path and retention sweep hang off
// the same instance so they share one lock table.
type Executor struct {
	store     *db.Database
	gateways  *gateway.Pool
	precision *marketinfo.PrecisionCache
	emitter   *events.Emitter
	alerts    Alerter
	locks     *lockTable
}

func NewExecutor(store *db.Database, gateways *gateway.Pool, precision *marketinfo.PrecisionCache, emitter *events.Emitter, alerts Alerter) *Executor {
	if alerts == nil {
		alerts = NopAlerter{}
	}
	return &Executor{
		store:     store,
		gateways:  gateways,
		precision: precision,
		emitter:   emitter,
		alerts:    alerts,
		locks:     newLockTable(),
	}
}

// prepare validates per-type parameters and shapes the venue request.
// MARKET carries only quantity; LIMIT needs a price and rests GTC;
// STOP_MARKET needs a trigger; STOP_LIMIT needs both.
func prepare(req Request) (common.OrderRequest, error) {
	if req.Side != common.SideBuy && req.Side != common.SideSell {
		return common.OrderRequest{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	if req.Quantity <= 0 {
		return common.OrderRequest{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	out := common.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Market:   common.MarketType(req.Binding.MarketType),
	}
	switch req.Type {
	case common.OrderTypeMarket:
		// Quantity only.
	case common.OrderTypeLimit:
		if req.Price <= 0 {
			return common.OrderRequest{}, fmt.Errorf("%w: LIMIT requires price", ErrInvalidOrder)
		}
		out.Price = req.Price
		out.TimeInForce = common.TIFGTC
	case common.OrderTypeStopMarket:
		if req.StopPrice <= 0 {
			return common.OrderRequest{}, fmt.Errorf("%w: STOP_MARKET requires stop_price", ErrInvalidOrder)
		}
		out.StopPrice = req.StopPrice
	case common.OrderTypeStopLimit:
		if req.Price <= 0 || req.StopPrice <= 0 {
			return common.OrderRequest{}, fmt.Errorf("%w: STOP_LIMIT requires price and stop_price", ErrInvalidOrder)
		}
		out.Price = req.Price
		out.StopPrice = req.StopPrice
		out.TimeInForce = common.TIFGTC
	default:
		return common.OrderRequest{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidOrder, req.Type)
	}
	return out, nil
}

// quantize snaps the request onto the venue's precision grid from the cache.
// A miss here is a bug signal, never a trigger to call the venue.
func (e *Executor) quantize(req *Request) error {
	q, err := e.precision.Quantize(marketinfo.QuantizeInput{
		Exchange:  req.Binding.Exchange,
		Market:    common.MarketType(req.Binding.MarketType),
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
	})
	if err != nil {
		if errors.Is(err, marketinfo.ErrCacheMiss) {
			metrics.PrecisionCacheMisses.Inc()
		}
		return err
	}
	req.Quantity = q.Quantity
	req.Price = q.Price
	req.StopPrice = q.StopPrice
	return nil
}

// Execute drives a single order. MARKET goes straight to the venue; LIMIT
// and STOP orders pass the capacity gate and either submit or park. A parked
// arrival triggers one inline rebalance so price improvements take effect
// without waiting for the scheduler.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	venueReq, err := prepare(req)
	if err != nil {
		return failure(err)
	}
	if err := e.quantize(&req); err != nil {
		return failure(err)
	}
	venueReq.Quantity = req.Quantity
	venueReq.Price = req.Price
	venueReq.StopPrice = req.StopPrice

	if req.Type == common.OrderTypeMarket {
		return e.submitDirect(ctx, req, venueReq)
	}

	bk, _ := bucketOf(req.Type, req.Side)
	lock := e.locks.forPair(req.Binding.AccountID, req.Symbol)
	lock.Lock()
	live, err := e.store.ListLiveOrders(ctx, req.Binding.AccountID, req.Symbol)
	if err != nil {
		lock.Unlock()
		return failureKind(KindInternal, fmt.Errorf("load live orders: %w", err))
	}
	if liveBucketCount(live, bk) < MaxOrdersPerBucket {
		res := e.submitDirect(ctx, req, venueReq)
		lock.Unlock()
		return res
	}
	lock.Unlock()

	res := e.parkForCapacity(ctx, req)
	if res.Queued {
		if _, err := e.RebalanceSymbol(ctx, req.Binding.AccountID, req.Symbol); err != nil {
			log.Warn().Err(err).
				Str("account_id", req.Binding.AccountID).
				Str("symbol", req.Symbol).
				Msg("inline rebalance after park failed")
		}
	}
	return res
}

func liveBucketCount(live []db.OpenOrder, bk bucketKey) int {
	n := 0
	for i := range live {
		if k, ok := bucketOf(common.OrderType(live[i].OrderType), common.Side(live[i].Side)); ok && k == bk {
			n++
		}
	}
	return n
}

// submitDirect places one order on the venue and materializes the row.
func (e *Executor) submitDirect(ctx context.Context, req Request, venueReq common.OrderRequest) Result {
	client, err := e.gateways.ClientFor(ctx, req.Binding.AccountID, common.MarketType(req.Binding.MarketType))
	if err != nil {
		return failure(fmt.Errorf("gateway: %w", err))
	}

	ord, err := client.CreateOrder(ctx, venueReq)
	if err != nil {
		return e.submitFailed(ctx, req, err)
	}
	e.gateways.RecordSuccess(req.Binding.AccountID, common.MarketType(req.Binding.MarketType))

	id, err := e.recordOpen(ctx, req, ord.ExchangeOrderID)
	if err != nil {
		// The venue accepted the order; losing the row here means the
		// reconciler adopts it later. Loud log, no retry.
		log.Error().Err(err).
			Str("exchange_order_id", ord.ExchangeOrderID).
			Str("symbol", req.Symbol).
			Msg("order accepted by venue but row insert failed")
		return failureKind(KindInternal, fmt.Errorf("record open order: %w", err))
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Binding.Exchange, string(req.Type), "success").Inc()
	e.emitOrderCreated(id, req, ord.ExchangeOrderID, db.OrderStatusOpen)
	e.emitter.Emit(events.EventOrderListUpdate, events.OrderListPayload{
		AccountID: req.Binding.AccountID,
		Symbol:    req.Symbol,
	})
	return Result{Success: true, OrderID: id, ExchangeOrderID: ord.ExchangeOrderID}
}

// submitFailed classifies a venue rejection. Temporary failures park the
// order with a retry count so the rebalancer finishes the job; permanent
// ones alert and stop.
func (e *Executor) submitFailed(ctx context.Context, req Request, cause error) Result {
	kind := Classify(cause)
	exchange := req.Binding.Exchange
	metrics.OrdersSubmitted.WithLabelValues(exchange, string(req.Type), string(kind)).Inc()

	if kind == KindTemporary {
		e.gateways.RecordFailure(req.Binding.AccountID, common.MarketType(req.Binding.MarketType))
	}

	if kind == KindTemporary && req.Type != common.OrderTypeMarket {
		if id, err := e.park(ctx, req, cause.Error(), 1); err == nil {
			log.Warn().Err(cause).
				Str("symbol", req.Symbol).
				Str("order_type", string(req.Type)).
				Msg("submit failed, parked for retry")
			return Result{Queued: true, PendingID: id, ErrorKind: kind, Error: cause.Error(), Err: cause}
		}
	}

	if kind == KindPermanent {
		e.alerts.Alert("Order rejected",
			fmt.Sprintf("%s %s %s %s qty=%v: %v", exchange, req.Symbol, req.Side, req.Type, req.Quantity, cause))
	}
	log.Error().Err(cause).
		Str("exchange", exchange).
		Str("symbol", req.Symbol).
		Str("kind", string(kind)).
		Msg("order submit failed")
	return failureKind(kind, cause)
}

// parkForCapacity parks an order whose bucket is full.
func (e *Executor) parkForCapacity(ctx context.Context, req Request) Result {
	id, err := e.park(ctx, req, "bucket at capacity", 0)
	if err != nil {
		return failureKind(KindInternal, fmt.Errorf("park order: %w", err))
	}
	metrics.OrdersParked.WithLabelValues(req.Binding.Exchange, string(req.Type)).Inc()
	return Result{Success: true, Queued: true, PendingID: id}
}

// park persists a pending row and emits after the insert lands. The original
// webhook arrival time rides along so later promotions and parks keep one
// stable ordering.
func (e *Executor) park(ctx context.Context, req Request, reason string, retryCount int) (int64, error) {
	row := db.PendingOrder{
		StrategyAccountID: req.Binding.ID,
		AccountID:         req.Binding.AccountID,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Quantity:          req.Quantity,
		MarketType:        req.Binding.MarketType,
		Priority:          Priority(req.Type),
		SortPrice:         SortPrice(req.Type, req.Side, req.Price, req.StopPrice),
		RetryCount:        retryCount,
		Reason:            reason,
		WebhookReceivedAt: req.ReceivedAt,
	}
	id, err := e.store.InsertPendingOrder(ctx, row)
	if err != nil {
		return 0, err
	}

	e.emitter.Emit(events.EventOrderCreated, events.OrderPayload{
		OrderID:           id,
		StrategyAccountID: req.Binding.ID,
		AccountID:         req.Binding.AccountID,
		Exchange:          req.Binding.Exchange,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Status:            "QUEUED",
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Quantity:          req.Quantity,
	})
	e.emitPendingChanged(ctx, req.Binding.AccountID, req.Symbol)
	return id, nil
}

// recordOpen inserts the OpenOrder row for a venue-accepted order. Status
// starts OPEN even when the ack reports an immediate fill; fills reach the
// ledger through reconciliation only, so there is exactly one Trade path.
func (e *Executor) recordOpen(ctx context.Context, req Request, exchangeOrderID string) (int64, error) {
	return e.store.InsertOpenOrder(ctx, db.OpenOrder{
		StrategyAccountID: req.Binding.ID,
		AccountID:         req.Binding.AccountID,
		ExchangeOrderID:   exchangeOrderID,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Quantity:          req.Quantity,
		Status:            db.OrderStatusOpen,
		MarketType:        req.Binding.MarketType,
		WebhookReceivedAt: req.ReceivedAt,
	})
}

func (e *Executor) emitOrderCreated(id int64, req Request, exchangeOrderID, status string) {
	e.emitter.Emit(events.EventOrderCreated, events.OrderPayload{
		OrderID:           id,
		ExchangeOrderID:   exchangeOrderID,
		StrategyAccountID: req.Binding.ID,
		AccountID:         req.Binding.AccountID,
		Exchange:          req.Binding.Exchange,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Status:            status,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Quantity:          req.Quantity,
	})
}

func (e *Executor) emitPendingChanged(ctx context.Context, accountID, symbol string) {
	pending, err := e.store.ListPendingOrders(ctx, accountID, symbol)
	if err != nil {
		log.Warn().Err(err).Msg("pending depth lookup failed")
		return
	}
	e.emitter.Emit(events.EventPendingOrderChanged, events.PendingPayload{
		AccountID: accountID,
		Symbol:    symbol,
		Depth:     len(pending),
	})
}
