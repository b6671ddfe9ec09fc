// Package ratelimit paces outbound venue traffic per (exchange, account).
// Every account gets two sliding windows: general requests per minute and
// order placements per second. Order calls count against both.
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"exec-engine/internal/metrics"
	"exec-engine/pkg/exchanges/common"
)

// Limits holds one exchange's quota.
type Limits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	OrdersPerSecond   int `yaml:"orders_per_second"`
}

// defaultLimits are conservative published quotas; a YAML file can override
// any exchange.
var defaultLimits = map[string]Limits{
	"binance": {RequestsPerMinute: 1200, OrdersPerSecond: 10},
	"upbit":   {RequestsPerMinute: 600, OrdersPerSecond: 8},
	"bybit":   {RequestsPerMinute: 600, OrdersPerSecond: 20},
	"dryrun":  {RequestsPerMinute: 60_000, OrdersPerSecond: 1_000},
}

// fallback applies to exchanges with no configured quota.
var fallback = Limits{RequestsPerMinute: 300, OrdersPerSecond: 5}

// LoadLimitsFile parses per-exchange overrides from YAML, keyed by exchange
// name.
func LoadLimitsFile(path string) (map[string]Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}
	out := make(map[string]Limits)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}
	for name, l := range out {
		if l.RequestsPerMinute <= 0 || l.OrdersPerSecond <= 0 {
			return nil, fmt.Errorf("limits for %s must be positive", name)
		}
	}
	return out, nil
}

// window is a sliding-window counter. Acquire prunes expired stamps, takes a
// slot when one is free, otherwise sleeps until the oldest stamp ages out and
// retries. A cancelled waiter consumes no slot.
type window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	stamps []time.Time
}

func newWindow(limit int, span time.Duration) *window {
	return &window{limit: limit, span: span}
}

func (w *window) acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)
		if len(w.stamps) < w.limit {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Add(w.span).Sub(now)
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.stamps)
}

// Limiter paces one account on one exchange.
type Limiter struct {
	exchange string
	requests *window
	orders   *window
}

func newLimiter(l Limits) *Limiter {
	return &Limiter{
		requests: newWindow(l.RequestsPerMinute, time.Minute),
		orders:   newWindow(l.OrdersPerSecond, time.Second),
	}
}

// Acquire blocks until the call fits the quota. Order placements take a slot
// in both windows; the tighter order window is acquired first so a long
// request-window wait cannot burn order slots.
func (l *Limiter) Acquire(ctx context.Context, kind common.RequestKind) error {
	start := time.Now()
	if kind == common.KindOrder {
		if err := l.orders.acquire(ctx); err != nil {
			return err
		}
	}
	if err := l.requests.acquire(ctx); err != nil {
		return err
	}
	if l.exchange != "" {
		label := "request"
		if kind == common.KindOrder {
			label = "order"
		}
		metrics.LimiterWait.WithLabelValues(l.exchange, label).Observe(time.Since(start).Seconds())
	}
	return nil
}

// Usage reports current window occupancy for the admin surface.
func (l *Limiter) Usage() (requestsUsed, requestsLimit, ordersUsed, ordersLimit int) {
	return l.requests.used(), l.requests.limit, l.orders.used(), l.orders.limit
}

// Registry hands out one Limiter per (exchange, account), created at most
// once per key.
type Registry struct {
	mu        sync.Mutex
	overrides map[string]Limits
	limiters  map[string]*Limiter
}

func NewRegistry(overrides map[string]Limits) *Registry {
	return &Registry{
		overrides: overrides,
		limiters:  make(map[string]*Limiter),
	}
}

// LimitsFor resolves the quota for an exchange: override, then default, then
// fallback.
func (r *Registry) LimitsFor(exchange string) Limits {
	if l, ok := r.overrides[exchange]; ok {
		return l
	}
	if l, ok := defaultLimits[exchange]; ok {
		return l
	}
	return fallback
}

// For returns the limiter for one account on one exchange.
func (r *Registry) For(exchange, accountID string) *Limiter {
	key := exchange + ":" + accountID
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := newLimiter(r.LimitsFor(exchange))
	l.exchange = exchange
	r.limiters[key] = l
	return l
}

// Snapshot reports usage per key for the admin surface.
func (r *Registry) Snapshot() map[string]map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]int, len(r.limiters))
	for key, l := range r.limiters {
		ru, rl, ou, ol := l.Usage()
		out[key] = map[string]int{
			"requests_used":  ru,
			"requests_limit": rl,
			"orders_used":    ou,
			"orders_limit":   ol,
		}
	}
	return out
}
