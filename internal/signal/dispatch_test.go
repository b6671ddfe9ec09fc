package signal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"exec-engine/internal/balance"
	"exec-engine/internal/events"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/internal/order"
	"exec-engine/internal/ratelimit"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
	"exec-engine/pkg/exchanges/dryrun"
)

type nopAlerter struct{}

func (nopAlerter) Alert(title, message string) {}

// newDispatcher wires the full path onto a temp database with two accounts
// bound to the alpha strategy. Each account gets its own simulated venue,
// funded with 100k USDT and marks at 60000, so LIMIT orders at 50000 rest.
// MaxSymbols is 1 on both bindings.
func newDispatcher(t *testing.T) (*Dispatcher, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "signal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	key := make([]byte, crypto.KeySize)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	vault, err := crypto.NewVault(map[int][]byte{1: key})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	prices := map[string]float64{"BTC/USDT": 60_000, "ETH/USDT": 3_000}
	factory := func(acct *db.Account, apiKey, apiSecret string, market common.MarketType, pacer common.Pacer) (common.Client, error) {
		return dryrun.New(dryrun.Config{Market: market, Prices: prices}), nil
	}
	pool := gateway.NewPool(database.Queries, vault, ratelimit.NewRegistry(nil), factory, gateway.DefaultConfig())

	info := marketinfo.NewPrecisionCache()
	infos, err := dryrun.New(dryrun.Config{Market: common.MarketFutures, Prices: prices}).LoadMarkets(context.Background())
	if err != nil {
		t.Fatalf("load markets: %v", err)
	}
	info.Store("dryrun", common.MarketFutures, infos)
	info.Store("dryrun", common.MarketSpot, infos)

	exec := order.NewExecutor(database, pool, info, events.NewEmitter(events.NewBus(), events.EmitterConfig{}), nopAlerter{})
	capital := balance.NewManager(database, pool, cache.NewQuoteCache())

	ctx := context.Background()
	keyEnc, err := vault.Encrypt("api-key")
	if err != nil {
		t.Fatal(err)
	}
	secretEnc, err := vault.Encrypt("api-secret")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"acct-1", "acct-2"} {
		if err := database.CreateAccount(ctx, db.Account{
			ID: id, Name: id, Exchange: "dryrun",
			APIKeyEncrypted: keyEnc, APISecretEncrypted: secretEnc,
			KeyVersion: 1, IsActive: true,
		}); err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "strat-1", GroupName: "alpha", WebhookToken: "tok",
		MarketType: "FUTURES", IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	for i, acct := range []string{"acct-1", "acct-2"} {
		if err := database.CreateStrategyAccount(ctx, db.StrategyAccount{
			ID: []string{"sa-1", "sa-2"}[i], StrategyID: "strat-1", AccountID: acct,
			Weight: 1, Leverage: 1, MaxSymbols: 1, IsActive: true,
		}); err != nil {
			t.Fatalf("seed binding for %s: %v", acct, err)
		}
	}

	return NewDispatcher(database, exec, capital), database
}

func limitSignal(price, qty float64) Signal {
	return Signal{
		GroupName: "alpha", Token: "tok",
		Order: Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "LIMIT", Price: price, Qty: qty},
	}
}

func accountByID(t *testing.T, out *Outcome, accountID string) *AccountResult {
	t.Helper()
	for i := range out.Accounts {
		if out.Accounts[i].AccountID == accountID {
			return &out.Accounts[i]
		}
	}
	t.Fatalf("no result for %s in %+v", accountID, out.Accounts)
	return nil
}

func liveCount(t *testing.T, database *db.Database, accountID string) int {
	t.Helper()
	live, err := database.ListLiveOrders(context.Background(), accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	return len(live)
}

func TestDispatchFansOutToAllAccounts(t *testing.T) {
	d, database := newDispatcher(t)
	out, err := d.Dispatch(context.Background(), limitSignal(50_000, 0.001))
	if err != nil {
		t.Fatal(err)
	}

	if out.Total != 2 || out.Successful != 2 || out.Failed != 0 {
		t.Fatalf("summary = %+v", out)
	}
	if !out.OK() || out.Partial() {
		t.Errorf("outcome flags = ok %v partial %v", out.OK(), out.Partial())
	}
	for _, acct := range []string{"acct-1", "acct-2"} {
		ar := accountByID(t, out, acct)
		if len(ar.Results) != 1 || !ar.Results[0].Success {
			t.Errorf("%s results = %+v", acct, ar.Results)
		}
		if ar.Results[0].OrderID == 0 {
			t.Errorf("%s order id missing", acct)
		}
		if n := liveCount(t, database, acct); n != 1 {
			t.Errorf("%s live rows = %d", acct, n)
		}
	}

	if len(out.Toasts) != 1 {
		t.Fatalf("toasts = %+v", out.Toasts)
	}
	if line := out.Toasts[0]; line.OrderType != "LIMIT" || line.Succeeded != 2 || line.Failed != 0 {
		t.Errorf("toast = %+v", line)
	}
}

func TestDispatchAuthFailures(t *testing.T) {
	d, database := newDispatcher(t)
	ctx := context.Background()

	sig := limitSignal(50_000, 0.001)
	sig.GroupName = "nope"
	if _, err := d.Dispatch(ctx, sig); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown group err = %v", err)
	}

	sig = limitSignal(50_000, 0.001)
	sig.Token = "wrong"
	if _, err := d.Dispatch(ctx, sig); !errors.Is(err, ErrBadToken) {
		t.Errorf("bad token err = %v", err)
	}

	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "strat-2", GroupName: "beta", WebhookToken: "tok", MarketType: "FUTURES",
	}); err != nil {
		t.Fatal(err)
	}
	sig = limitSignal(50_000, 0.001)
	sig.GroupName = "beta"
	if _, err := d.Dispatch(ctx, sig); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("inactive strategy err = %v", err)
	}

	for _, acct := range []string{"acct-1", "acct-2"} {
		if n := liveCount(t, database, acct); n != 0 {
			t.Errorf("%s has %d live rows after rejected signals", acct, n)
		}
	}
}

func TestDispatchRejectsBadPayloadBeforeAnyAccount(t *testing.T) {
	d, database := newDispatcher(t)
	sig := limitSignal(50_000, 0.001)
	sig.Symbol = "BTCUSDT"
	_, err := d.Dispatch(context.Background(), sig)
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err = %v", err)
	}
	for _, acct := range []string{"acct-1", "acct-2"} {
		if n := liveCount(t, database, acct); n != 0 {
			t.Errorf("%s touched by invalid signal", acct)
		}
	}
}

func TestDispatchStrategyWithNoAccounts(t *testing.T) {
	d, database := newDispatcher(t)
	ctx := context.Background()
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "strat-3", GroupName: "gamma", WebhookToken: "tok", MarketType: "FUTURES", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	sig := limitSignal(50_000, 0.001)
	sig.GroupName = "gamma"
	out, err := d.Dispatch(ctx, sig)
	if err != nil {
		t.Fatal(err)
	}
	if out.Total != 0 || len(out.Accounts) != 0 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDispatchSizesFromAllocation(t *testing.T) {
	d, database := newDispatcher(t)
	sig := Signal{
		GroupName: "alpha", Token: "tok",
		Order: Order{Symbol: "BTC/USDT", Side: "buy", OrderType: "LIMIT", Price: 50_000, QtyPer: 0.1},
	}
	out, err := d.Dispatch(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if out.Failed != 0 {
		t.Fatalf("summary = %+v", out)
	}

	// 100k equity at weight 1, a tenth of it at 50000 buys 0.2.
	for _, acct := range []string{"acct-1", "acct-2"} {
		live, err := database.ListLiveOrders(context.Background(), acct, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if len(live) != 1 || live[0].Quantity != 0.2 {
			t.Errorf("%s live = %+v", acct, live)
		}
	}
}

// The second batch item hits a fresh symbol while MaxSymbols is 1 and
// BTC/USDT is already live, so it fails on both accounts and the outcome
// goes partial.
func TestDispatchBatchPartialFailure(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	if out, err := d.Dispatch(ctx, limitSignal(50_000, 0.001)); err != nil || out.Failed != 0 {
		t.Fatalf("warmup dispatch: %v %+v", err, out)
	}

	out, err := d.Dispatch(ctx, Signal{
		GroupName: "alpha", Token: "tok",
		Orders: []Order{
			{Symbol: "BTC/USDT", Side: "buy", OrderType: "LIMIT", Price: 49_000, Qty: 0.001},
			{Symbol: "ETH/USDT", Side: "buy", OrderType: "LIMIT", Price: 2_500, Qty: 0.1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if out.Total != 4 || out.Successful != 2 || out.Failed != 2 {
		t.Fatalf("summary = %+v", out)
	}
	if !out.Partial() {
		t.Error("mixed outcome not flagged partial")
	}
	for _, acct := range []string{"acct-1", "acct-2"} {
		ar := accountByID(t, out, acct)
		if !ar.Results[0].Success {
			t.Errorf("%s active symbol blocked: %+v", acct, ar.Results[0])
		}
		r := ar.Results[1]
		if r.Success || r.ErrorKind != order.KindPermanent {
			t.Errorf("%s budget result = %+v", acct, r)
		}
		if !errors.Is(r.Err, balance.ErrMaxSymbols) {
			t.Errorf("%s budget err = %v", acct, r.Err)
		}
	}
	if line := out.Toasts[0]; line.Succeeded != 2 || line.Failed != 2 {
		t.Errorf("toast = %+v", line)
	}
}

func TestDispatchCancelAllWipesSymbol(t *testing.T) {
	d, database := newDispatcher(t)
	ctx := context.Background()
	if out, err := d.Dispatch(ctx, limitSignal(50_000, 0.001)); err != nil || out.Failed != 0 {
		t.Fatalf("place: %v %+v", err, out)
	}

	out, err := d.Dispatch(ctx, Signal{
		GroupName: "alpha", Token: "tok",
		Order: Order{Symbol: "BTC/USDT", OrderType: "CANCEL_ALL_ORDER"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Total != 2 || out.Failed != 0 {
		t.Fatalf("summary = %+v", out)
	}
	for _, acct := range []string{"acct-1", "acct-2"} {
		if n := liveCount(t, database, acct); n != 0 {
			t.Errorf("%s still has live rows", acct)
		}
		pending, err := database.ListPendingOrders(ctx, acct, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 0 {
			t.Errorf("%s still has pending rows", acct)
		}
	}
	if line := out.Toasts[0]; line.OrderType != TypeCancelAll || line.Succeeded != 2 {
		t.Errorf("toast = %+v", line)
	}
}

// A cancel inside a batch flushes the orders queued before it, so the wipe
// lands between the first and the last item, not after both.
func TestDispatchMixedBatchKeepsSignalOrder(t *testing.T) {
	d, database := newDispatcher(t)
	out, err := d.Dispatch(context.Background(), Signal{
		GroupName: "alpha", Token: "tok",
		Order: Order{Symbol: "BTC/USDT"},
		Orders: []Order{
			{Side: "buy", OrderType: "LIMIT", Price: 50_000, Qty: 0.001},
			{OrderType: "CANCEL_ALL_ORDER"},
			{Side: "buy", OrderType: "LIMIT", Price: 49_500, Qty: 0.001},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Failed != 0 {
		t.Fatalf("summary = %+v", out)
	}

	for _, acct := range []string{"acct-1", "acct-2"} {
		live, err := database.ListLiveOrders(context.Background(), acct, "BTC/USDT")
		if err != nil {
			t.Fatal(err)
		}
		if len(live) != 1 || live[0].Price != 49_500 {
			t.Errorf("%s live = %+v", acct, live)
		}
	}
}
