package order

import (
	"time"

	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// SortPrice maps an order onto one scale where larger means more desirable,
// so all four buckets share a single comparator:
//
//	LIMIT BUY   price       (willing to pay more)
//	LIMIT SELL  -price      (lower ask fills first)
//	STOP BUY    -stop_price (trigger closer from below)
//	STOP SELL   stop_price  (trigger closer from above)
//
// MARKET maps to zero; it never enters the queue.
func SortPrice(t common.OrderType, side common.Side, price, stopPrice float64) float64 {
	switch {
	case t == common.OrderTypeLimit && side == common.SideBuy:
		return price
	case t == common.OrderTypeLimit && side == common.SideSell:
		return -price
	case t.IsStop() && side == common.SideBuy:
		return -stopPrice
	case t.IsStop() && side == common.SideSell:
		return stopPrice
	}
	return 0
}

// bucketKey names one of the four queue partitions per symbol.
type bucketKey struct {
	group string // "LIMIT" or "STOP"
	side  common.Side
}

// bucketOf places an order type and side into its partition. MARKET (and
// anything else without a resting price) has no bucket.
func bucketOf(t common.OrderType, side common.Side) (bucketKey, bool) {
	switch {
	case t == common.OrderTypeLimit:
		return bucketKey{group: "LIMIT", side: side}, true
	case t.IsStop():
		return bucketKey{group: "STOP", side: side}, true
	}
	return bucketKey{}, false
}

// queued is the comparator's uniform view over live and pending rows.
// Exactly one of open and pending is set.
type queued struct {
	open    *db.OpenOrder
	pending *db.PendingOrder

	priority   int
	sortPrice  float64
	receivedAt time.Time
	id         int64
}

func fromOpen(o *db.OpenOrder) queued {
	return queued{
		open:       o,
		priority:   Priority(common.OrderType(o.OrderType)),
		sortPrice:  SortPrice(common.OrderType(o.OrderType), common.Side(o.Side), o.Price, o.StopPrice),
		receivedAt: o.WebhookReceivedAt,
		id:         o.ID,
	}
}

func fromPending(p *db.PendingOrder) queued {
	return queued{
		pending:    p,
		priority:   p.Priority,
		sortPrice:  p.SortPrice,
		receivedAt: p.WebhookReceivedAt,
		id:         p.ID,
	}
}

// less orders by priority asc, then sort_price desc, then original webhook
// arrival. Ties after that prefer the already-live order, then the lower row
// id; live and pending ids come from different sequences, so without the
// live rank two equal twins could swap places on every pass. The trailing
// tie-breakers make the order total, so repeated rebalances converge.
func less(a, b queued) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.sortPrice != b.sortPrice {
		return a.sortPrice > b.sortPrice
	}
	if !a.receivedAt.Equal(b.receivedAt) {
		return a.receivedAt.Before(b.receivedAt)
	}
	if (a.open != nil) != (b.open != nil) {
		return a.open != nil
	}
	return a.id < b.id
}
