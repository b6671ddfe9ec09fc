// Package metrics declares the engine's Prometheus instruments. Metrics
// register on the default registry at init; main serves them via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "webhook",
		Name:      "signals_total",
		Help:      "Webhook signals received, by strategy group and outcome.",
	}, []string{"group", "outcome"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Order submissions by exchange, order type and outcome.",
	}, []string{"exchange", "order_type", "outcome"})

	OrdersParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "orders",
		Name:      "parked_total",
		Help:      "Orders parked in the pending queue instead of submitted.",
	}, []string{"exchange", "order_type"})

	BatchSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "orders",
		Name:      "batch_submissions_total",
		Help:      "Batch submissions by exchange and implementation path.",
	}, []string{"exchange", "implementation"})

	RebalancePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "rebalance",
		Name:      "passes_total",
		Help:      "Completed rebalance passes over one (account, symbol).",
	})

	RebalanceCancels = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "rebalance",
		Name:      "cancels_total",
		Help:      "Live orders cancelled and parked by the rebalancer.",
	})

	RebalancePromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "rebalance",
		Name:      "promotions_total",
		Help:      "Pending orders promoted to the exchange by the rebalancer.",
	})

	RebalanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engine",
		Subsystem: "rebalance",
		Name:      "duration_seconds",
		Help:      "Duration of one rebalance pass.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	PendingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Subsystem: "queue",
		Name:      "pending_depth",
		Help:      "Parked orders per (account, symbol).",
	}, []string{"account", "symbol"})

	LimiterWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Subsystem: "ratelimit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a rate-limit slot.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"exchange", "kind"})

	ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Completed reconciliation passes.",
	})

	TradesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "reconcile",
		Name:      "trades_total",
		Help:      "Trade rows recorded from fills.",
	})

	DuplicateFills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "reconcile",
		Name:      "duplicate_fills_total",
		Help:      "Fills dropped because the trade row already existed.",
	})

	CancelRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "orders",
		Name:      "cancel_retries_total",
		Help:      "Cancel attempts that needed a retry.",
	})

	PrecisionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "marketinfo",
		Name:      "order_path_misses_total",
		Help:      "Precision cache misses hit on the order path.",
	})

	EventEmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "events",
		Name:      "emit_failures_total",
		Help:      "Event deliveries dropped or failed downstream.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
