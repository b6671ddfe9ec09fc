// Package order drives validated signals onto exchanges: parameter
// preparation, batch submission, the per-symbol pending queue with its
// rebalancer, cancellation and terminal-order retention.
package order

import (
	"time"

	"exec-engine/pkg/exchanges/common"
)

const (
	// MaxOrdersPerBucket caps live orders per (symbol, type group, side).
	// Surplus orders park in the pending queue.
	MaxOrdersPerBucket = 2

	// MaxRetryCount drops a pending order after this many failed promotions.
	MaxRetryCount = 5

	// SpotConcurrency caps parallel submissions on venues without a native
	// batch endpoint.
	SpotConcurrency = 10

	// PendingWarnDepth flags one symbol's backlog; PendingAlertSymbols many
	// such symbols in a single scheduler pass escalates to a human alert.
	PendingWarnDepth    = 20
	PendingAlertSymbols = 10

	// SlowRebalance flags passes that held the symbol lock too long.
	SlowRebalance = 500 * time.Millisecond

	// TerminalRetention keeps filled and cancelled rows for audit before the
	// hourly sweep removes them.
	TerminalRetention = 7 * 24 * time.Hour

	// AuditRetention keeps event_log rows longer than order rows; the trail
	// outlives the orders it describes.
	AuditRetention = 30 * 24 * time.Hour
)

// Queue priorities, ascending. MARKET never enters the queue; its priority
// exists so the comparator stays total if one ever does.
const (
	PriorityMarket = 0
	PriorityLimit  = 1
	PriorityStop   = 2
)

// Priority returns the queue priority for an order type.
func Priority(t common.OrderType) int {
	switch t {
	case common.OrderTypeLimit:
		return PriorityLimit
	case common.OrderTypeStopMarket, common.OrderTypeStopLimit:
		return PriorityStop
	default:
		return PriorityMarket
	}
}
