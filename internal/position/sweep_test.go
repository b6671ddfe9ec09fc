package position

import (
	"context"
	"path/filepath"
	"testing"

	"exec-engine/internal/gateway"
	"exec-engine/internal/ratelimit"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
	"exec-engine/pkg/exchanges/dryrun"
)

func newSweepFixture(t *testing.T) (*Sweeper, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "sweep.db"))
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
		Prices: map[string]float64{"BTC/USDT": 60_000, "ETH/USDT": 3_000},
	})
	factory := func(acct *db.Account, apiKey, apiSecret string, market common.MarketType, pacer common.Pacer) (common.Client, error) {
		return venue, nil
	}
	pool := gateway.NewPool(database.Queries, vault, ratelimit.NewRegistry(nil), factory, gateway.DefaultConfig())

	seedSweepBinding(t, database, vault, "acct-1", "strat-1", "sa-1", "alpha")
	seedSweepBinding(t, database, vault, "acct-2", "strat-2", "sa-2", "beta")

	return NewSweeper(database, pool, cache.NewQuoteCache(), 0), database
}

func seedSweepBinding(t *testing.T, database *db.Database, vault *crypto.Vault, acctID, stratID, saID, group string) {
	t.Helper()
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
		ID: acctID, Name: acctID, Exchange: "dryrun",
		APIKeyEncrypted: keyEnc, APISecretEncrypted: secretEnc,
		KeyVersion: 1, IsActive: true,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: stratID, GroupName: group, WebhookToken: "tok-" + group,
		MarketType: "FUTURES", IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if err := database.CreateStrategyAccount(ctx, db.StrategyAccount{
		ID: saID, StrategyID: stratID, AccountID: acctID,
		Weight: 1, Leverage: 1, MaxSymbols: 10, IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy account: %v", err)
	}
}

func TestSweepWritesUnrealizedPnl(t *testing.T) {
	sweeper, database := newSweepFixture(t)
	ctx := context.Background()

	// Long BTC bought below the mark, short ETH sold above it.
	for _, p := range []db.StrategyPosition{
		{StrategyAccountID: "sa-1", Symbol: "BTC/USDT", Quantity: 0.5, EntryPrice: 50_000},
		{StrategyAccountID: "sa-1", Symbol: "ETH/USDT", Quantity: -2, EntryPrice: 3_500},
	} {
		if err := database.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("seed position: %v", err)
		}
	}

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	cap1, err := database.GetCapital(ctx, "sa-1")
	if err != nil || cap1 == nil {
		t.Fatalf("capital row: %v", err)
	}
	// 0.5*(60000-50000) + (-2)*(3000-3500) = 5000 + 1000.
	if !approx(cap1.CurrentPnl, 6_000) {
		t.Errorf("current_pnl = %v, want 6000", cap1.CurrentPnl)
	}
}

func TestSweepKeepsSnapshotWhenQuoteMissing(t *testing.T) {
	sweeper, database := newSweepFixture(t)
	ctx := context.Background()

	if err := database.UpsertCapital(ctx, db.StrategyCapital{
		StrategyAccountID: "sa-2", Allocated: 1_000, CurrentPnl: 123,
	}); err != nil {
		t.Fatalf("seed capital: %v", err)
	}
	// No mark exists for this symbol, so the binding cannot be fully priced.
	if err := database.UpsertPosition(ctx, db.StrategyPosition{
		StrategyAccountID: "sa-2", Symbol: "DOGE/USDT", Quantity: 100, EntryPrice: 0.1,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	cap2, err := database.GetCapital(ctx, "sa-2")
	if err != nil || cap2 == nil {
		t.Fatalf("capital row: %v", err)
	}
	if cap2.CurrentPnl != 123 {
		t.Errorf("current_pnl = %v, want untouched 123", cap2.CurrentPnl)
	}
}

func TestSweepNoPositionsIsNoop(t *testing.T) {
	sweeper, _ := newSweepFixture(t)
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep on empty book: %v", err)
	}
}
