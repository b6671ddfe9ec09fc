package signal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/balance"
	"exec-engine/internal/events"
	"exec-engine/internal/metrics"
	"exec-engine/internal/order"
	"exec-engine/pkg/db"
)

var (
	// ErrUnknownStrategy means no active strategy matched group_name. Maps
	// to HTTP 404 so probes cannot tell a wrong group from a disabled one.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrBadToken means the strategy exists but the token did not match.
	ErrBadToken = errors.New("bad webhook token")
)

// Dispatcher authorizes signals and fans their intents out to every bound
// account. Accounts run in parallel, intents within one account run in
// signal order, so two accounts never wait on each other and one account
// never races itself.
type Dispatcher struct {
	store   *db.Database
	exec    *order.Executor
	capital *balance.Manager
}

func NewDispatcher(store *db.Database, exec *order.Executor, capital *balance.Manager) *Dispatcher {
	return &Dispatcher{store: store, exec: exec, capital: capital}
}

// Dispatch runs one webhook payload end to end. Normalization and auth
// failures return an error and touch nothing; past that point every
// per-account failure lands in the Outcome instead.
func (d *Dispatcher) Dispatch(ctx context.Context, sig Signal) (*Outcome, error) {
	receivedAt := time.Now().UTC()

	intents, err := Normalize(sig)
	if err != nil {
		metrics.WebhookSignals.WithLabelValues(sig.GroupName, "rejected").Inc()
		return nil, err
	}

	strat, err := d.store.GetStrategyByGroup(ctx, sig.GroupName)
	if err != nil {
		return nil, fmt.Errorf("strategy lookup: %w", err)
	}
	if strat == nil || !strat.IsActive {
		metrics.WebhookSignals.WithLabelValues(sig.GroupName, "rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, sig.GroupName)
	}
	if subtle.ConstantTimeCompare([]byte(strat.WebhookToken), []byte(sig.Token)) != 1 {
		metrics.WebhookSignals.WithLabelValues(sig.GroupName, "rejected").Inc()
		return nil, ErrBadToken
	}

	bindings, err := d.store.ListStrategyBindings(ctx, strat.ID)
	if err != nil {
		return nil, fmt.Errorf("binding lookup: %w", err)
	}

	out := &Outcome{GroupName: strat.GroupName}
	if len(bindings) == 0 {
		log.Warn().Str("group", strat.GroupName).Msg("signal matched a strategy with no bound accounts")
		metrics.WebhookSignals.WithLabelValues(sig.GroupName, "ok").Inc()
		return out, nil
	}

	accounts := make([]AccountResult, len(bindings))
	var wg sync.WaitGroup
	for i := range bindings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accounts[i] = d.runAccount(ctx, &bindings[i], intents, receivedAt)
		}(i)
	}
	wg.Wait()
	out.Accounts = accounts

	toasts := events.NewToasts()
	for i := range accounts {
		ar := &accounts[i]
		for j, r := range ar.Results {
			typ := toastType(intents[j])
			switch {
			case r.Queued:
				toasts.Queued(typ)
			case r.Success:
				toasts.Success(typ)
			default:
				toasts.Failure(typ)
			}
			// Parked orders count as accepted, the retry loop owns them now.
			if r.Success || r.Queued {
				ar.Succeeded++
			} else {
				ar.Failed++
			}
		}
		out.Total += len(ar.Results)
		out.Successful += ar.Succeeded
		out.Failed += ar.Failed
	}
	out.Toasts = toasts.Lines()

	metrics.WebhookSignals.WithLabelValues(sig.GroupName, outcomeLabel(out)).Inc()
	log.Info().
		Str("group", strat.GroupName).
		Int("accounts", len(bindings)).
		Int("total", out.Total).
		Int("successful", out.Successful).
		Int("failed", out.Failed).
		Dur("elapsed", time.Since(receivedAt)).
		Msg("signal dispatched")
	return out, nil
}

// runAccount executes one account's slice of the fan-out. Consecutive plain
// orders are flushed through the batch path; a cancel-all flushes first so
// intents take effect in signal order.
func (d *Dispatcher) runAccount(ctx context.Context, binding *db.StrategyBinding, intents []Intent, receivedAt time.Time) AccountResult {
	ar := AccountResult{
		StrategyAccountID: binding.ID,
		AccountID:         binding.AccountID,
		Exchange:          binding.Exchange,
		Results:           make([]order.Result, len(intents)),
	}

	var reqs []order.Request
	var reqIdx []int
	flush := func() {
		switch len(reqs) {
		case 0:
		case 1:
			ar.Results[reqIdx[0]] = d.exec.Execute(ctx, reqs[0])
		default:
			for j, r := range d.exec.ExecuteBatch(ctx, reqs) {
				ar.Results[reqIdx[j]] = r
			}
		}
		reqs, reqIdx = nil, nil
	}

	for i, in := range intents {
		if in.CancelAll {
			flush()
			ar.Results[i] = d.cancelSymbol(ctx, binding, in.Symbol)
			continue
		}
		req, err := d.preflight(ctx, binding, in, receivedAt)
		if err != nil {
			ar.Results[i] = order.Result{ErrorKind: order.Classify(err), Error: err.Error(), Err: err}
			continue
		}
		reqs = append(reqs, req)
		reqIdx = append(reqIdx, i)
	}
	flush()
	return ar
}

// preflight gates an intent on the symbol budget and resolves its size to
// an absolute quantity. Failures here never reach the venue.
func (d *Dispatcher) preflight(ctx context.Context, binding *db.StrategyBinding, in Intent, receivedAt time.Time) (order.Request, error) {
	if err := d.capital.CheckSymbolBudget(ctx, binding, in.Symbol); err != nil {
		return order.Request{}, err
	}
	qty, err := d.capital.ResolveQuantity(ctx, binding, balance.QuantitySpec{
		Symbol:    in.Symbol,
		Type:      in.Type,
		Qty:       in.Qty,
		QtyPer:    in.QtyPer,
		Price:     in.Price,
		StopPrice: in.StopPrice,
	})
	if err != nil {
		return order.Request{}, err
	}
	return order.Request{
		Binding:    binding,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Type:       in.Type,
		Quantity:   qty,
		Price:      in.Price,
		StopPrice:  in.StopPrice,
		ReceivedAt: receivedAt,
	}, nil
}

// cancelSymbol folds the per-order cancel results into the single slot the
// intent occupies in the response.
func (d *Dispatcher) cancelSymbol(ctx context.Context, binding *db.StrategyBinding, symbol string) order.Result {
	results := d.exec.CancelAll(ctx, binding, symbol)
	failed := 0
	var firstErr string
	var firstKind order.ErrorKind
	for _, r := range results {
		if r.Success {
			continue
		}
		failed++
		if firstErr == "" {
			firstErr = r.Error
			firstKind = r.ErrorKind
		}
	}
	if failed > 0 {
		return order.Result{
			ErrorKind: firstKind,
			Error:     fmt.Sprintf("cancel all %s: %d of %d failed: %s", symbol, failed, len(results), firstErr),
		}
	}
	return order.Result{Success: true}
}

func toastType(in Intent) string {
	if in.CancelAll {
		return TypeCancelAll
	}
	return string(in.Type)
}

func outcomeLabel(out *Outcome) string {
	switch {
	case out.Failed == 0:
		return "ok"
	case out.Successful == 0:
		return "failed"
	default:
		return "partial"
	}
}
