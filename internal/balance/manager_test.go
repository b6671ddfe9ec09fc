package balance

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"exec-engine/internal/gateway"
	"exec-engine/internal/ratelimit"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
	"exec-engine/pkg/exchanges/dryrun"
)

// newManager wires the allocator onto a temp database and one simulated
// venue holding 100k USDT with BTC marked at 60000. The binding has weight
// 0.5; its capital base therefore resolves to 50000.
func newManager(t *testing.T) (*Manager, *db.Database, *db.StrategyBinding) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "balance.db"))
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

	venue := dryrun.New(dryrun.Config{
		Market: common.MarketFutures,
		Prices: map[string]float64{"BTC/USDT": 60_000},
	})
	factory := func(acct *db.Account, apiKey, apiSecret string, market common.MarketType, pacer common.Pacer) (common.Client, error) {
		return venue, nil
	}
	pool := gateway.NewPool(database.Queries, vault, ratelimit.NewRegistry(nil), factory, gateway.DefaultConfig())

	ctx := context.Background()
	keyEnc, err := vault.Encrypt("api-key")
	if err != nil {
		t.Fatal(err)
	}
	secretEnc, err := vault.Encrypt("api-secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.CreateAccount(ctx, db.Account{
		ID: "acct-1", Name: "main", Exchange: "dryrun",
		APIKeyEncrypted: keyEnc, APISecretEncrypted: secretEnc,
		KeyVersion: 1, IsActive: true,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "strat-1", GroupName: "alpha", WebhookToken: "tok",
		MarketType: "FUTURES", IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if err := database.CreateStrategyAccount(ctx, db.StrategyAccount{
		ID: "sa-1", StrategyID: "strat-1", AccountID: "acct-1",
		Weight: 0.5, Leverage: 1, MaxSymbols: 2, IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy account: %v", err)
	}
	binding, err := database.GetStrategyBinding(ctx, "sa-1")
	if err != nil || binding == nil {
		t.Fatalf("binding: %v", err)
	}

	return NewManager(database, pool, cache.NewQuoteCache()), database, binding
}

func TestResolveQuantityAbsoluteWins(t *testing.T) {
	m, _, b := newManager(t)
	got, err := m.ResolveQuantity(context.Background(), b, QuantitySpec{
		Symbol: "BTC/USDT", Type: common.OrderTypeLimit,
		Qty: 0.5, QtyPer: 0.1, Price: 50_000,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != 0.5 {
		t.Errorf("quantity = %v, want absolute 0.5", got)
	}
}

func TestResolveQuantityFromAllocation(t *testing.T) {
	m, database, b := newManager(t)
	ctx := context.Background()

	// 0.1 of 100000*0.5 at the order's own price.
	got, err := m.ResolveQuantity(ctx, b, QuantitySpec{
		Symbol: "BTC/USDT", Type: common.OrderTypeLimit,
		QtyPer: 0.1, Price: 50_000,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if math.Abs(got-0.1) > 1e-9 {
		t.Errorf("quantity = %v, want 0.1", got)
	}

	row, err := database.GetCapital(ctx, "sa-1")
	if err != nil || row == nil {
		t.Fatalf("capital row: %v", err)
	}
	if row.Allocated != 50_000 {
		t.Errorf("allocated = %v, want 50000", row.Allocated)
	}
}

func TestResolveQuantityMarketUsesQuote(t *testing.T) {
	m, _, b := newManager(t)
	got, err := m.ResolveQuantity(context.Background(), b, QuantitySpec{
		Symbol: "BTC/USDT", Type: common.OrderTypeMarket, QtyPer: 0.06,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 0.06 * 50000 notional at the 60000 mark.
	if math.Abs(got-0.05) > 1e-9 {
		t.Errorf("quantity = %v, want 0.05", got)
	}

	// The fetched quote must now serve follow-up resolutions from cache.
	if _, ok := m.quotes.Fresh(cache.Key("dryrun", "BTC/USDT"), time.Minute); !ok {
		t.Error("quote not cached after resolution")
	}
}

func TestResolveQuantityValidation(t *testing.T) {
	m, _, b := newManager(t)
	ctx := context.Background()

	if _, err := m.ResolveQuantity(ctx, b, QuantitySpec{Symbol: "BTC/USDT", Type: common.OrderTypeLimit, Price: 50_000}); !errors.Is(err, ErrNoQuantity) {
		t.Errorf("missing both sizes: err = %v, want ErrNoQuantity", err)
	}
	if _, err := m.ResolveQuantity(ctx, b, QuantitySpec{Symbol: "BTC/USDT", Type: common.OrderTypeLimit, QtyPer: 1.5, Price: 50_000}); !errors.Is(err, ErrNoQuantity) {
		t.Errorf("qty_per 1.5: err = %v, want ErrNoQuantity", err)
	}
}

func TestResolveQuantityNoCapital(t *testing.T) {
	m, database, _ := newManager(t)
	ctx := context.Background()

	// Weight zero makes the capital base vanish no matter the venue equity.
	if err := database.CreateStrategyAccount(ctx, db.StrategyAccount{
		ID: "sa-2", StrategyID: "strat-1", AccountID: "acct-1",
		Weight: 0, Leverage: 1, MaxSymbols: 2, IsActive: true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	zero, err := database.GetStrategyBinding(ctx, "sa-2")
	if err != nil || zero == nil {
		t.Fatalf("binding: %v", err)
	}

	_, err = m.ResolveQuantity(ctx, zero, QuantitySpec{
		Symbol: "BTC/USDT", Type: common.OrderTypeLimit, QtyPer: 0.1, Price: 50_000,
	})
	if !errors.Is(err, ErrNoAllocation) {
		t.Errorf("err = %v, want ErrNoAllocation", err)
	}
}

func TestCheckSymbolBudget(t *testing.T) {
	m, database, b := newManager(t)
	ctx := context.Background()

	seedOpen := func(symbol string) {
		t.Helper()
		if _, err := database.InsertOpenOrder(ctx, db.OpenOrder{
			StrategyAccountID: "sa-1", AccountID: "acct-1",
			ExchangeOrderID: "X-" + symbol, Symbol: symbol,
			Side: "BUY", OrderType: "LIMIT", Price: 1, Quantity: 1,
			Status: db.OrderStatusOpen, MarketType: "FUTURES",
			WebhookReceivedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed open order: %v", err)
		}
	}

	if err := m.CheckSymbolBudget(ctx, b, "BTC/USDT"); err != nil {
		t.Fatalf("empty book should pass: %v", err)
	}

	seedOpen("BTC/USDT")
	seedOpen("ETH/USDT")

	// Budget of 2 is used up; a third symbol must be refused.
	if err := m.CheckSymbolBudget(ctx, b, "SOL/USDT"); !errors.Is(err, ErrMaxSymbols) {
		t.Errorf("third symbol: err = %v, want ErrMaxSymbols", err)
	}
	// Symbols already traded stay tradable.
	if err := m.CheckSymbolBudget(ctx, b, "BTC/USDT"); err != nil {
		t.Errorf("active symbol refused: %v", err)
	}
}
