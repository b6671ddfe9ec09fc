package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"exec-engine/internal/ratelimit"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *db.Database, *crypto.Vault) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "engine.db"))
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

	pool := NewPool(database.Queries, vault, ratelimit.NewRegistry(nil), NewFactory(FactoryConfig{}), cfg)
	return pool, database, vault
}

func seedAccount(t *testing.T, database *db.Database, vault *crypto.Vault, id, exchange string, active bool) {
	t.Helper()
	keyEnc, err := vault.Encrypt("api-key-" + id)
	if err != nil {
		t.Fatal(err)
	}
	secretEnc, err := vault.Encrypt("api-secret-" + id)
	if err != nil {
		t.Fatal(err)
	}
	err = database.CreateAccount(context.Background(), db.Account{
		ID:                 id,
		Name:               "acct " + id,
		Exchange:           exchange,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		KeyVersion:         1,
		IsActive:           active,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestClientForCachesPerAccountAndMarket(t *testing.T) {
	pool, database, vault := newTestPool(t, DefaultConfig())
	seedAccount(t, database, vault, "a1", "dryrun", true)
	ctx := context.Background()

	first, err := pool.ClientFor(ctx, "a1", common.MarketSpot)
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}
	second, err := pool.ClientFor(ctx, "a1", common.MarketSpot)
	if err != nil {
		t.Fatalf("ClientFor again: %v", err)
	}
	if first != second {
		t.Error("same key built two clients")
	}

	futures, err := pool.ClientFor(ctx, "a1", common.MarketFutures)
	if err != nil {
		t.Fatalf("futures client: %v", err)
	}
	if futures == first {
		t.Error("market types share a client")
	}
	if got := pool.Stats().Clients; got != 2 {
		t.Errorf("pool size = %d", got)
	}
}

func TestInvalidateDropsAllAccountClients(t *testing.T) {
	pool, database, vault := newTestPool(t, DefaultConfig())
	seedAccount(t, database, vault, "a1", "dryrun", true)
	ctx := context.Background()

	before, _ := pool.ClientFor(ctx, "a1", common.MarketSpot)
	_, _ = pool.ClientFor(ctx, "a1", common.MarketFutures)
	pool.Invalidate("a1")
	if got := pool.Stats().Clients; got != 0 {
		t.Fatalf("pool size after invalidate = %d", got)
	}

	after, err := pool.ClientFor(ctx, "a1", common.MarketSpot)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if after == before {
		t.Error("invalidate did not force a rebuild")
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.CircuitTimeout = time.Hour
	pool, database, vault := newTestPool(t, cfg)
	seedAccount(t, database, vault, "a1", "dryrun", true)
	ctx := context.Background()

	if _, err := pool.ClientFor(ctx, "a1", common.MarketSpot); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		pool.RecordFailure("a1", common.MarketSpot)
	}
	if _, err := pool.ClientFor(ctx, "a1", common.MarketSpot); !errors.Is(err, ErrClientUnhealthy) {
		t.Fatalf("open circuit: %v", err)
	}
	if got := pool.Stats().Unhealthy; got != 1 {
		t.Errorf("unhealthy = %d", got)
	}

	pool.RecordSuccess("a1", common.MarketSpot)
	if _, err := pool.ClientFor(ctx, "a1", common.MarketSpot); err != nil {
		t.Errorf("closed circuit: %v", err)
	}
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	pool, database, vault := newTestPool(t, cfg)
	for _, id := range []string{"a1", "a2", "a3"} {
		seedAccount(t, database, vault, id, "dryrun", true)
	}
	ctx := context.Background()

	a1, _ := pool.ClientFor(ctx, "a1", common.MarketSpot)
	_, _ = pool.ClientFor(ctx, "a2", common.MarketSpot)
	// Touch a1 so a2 is the eviction candidate.
	_, _ = pool.ClientFor(ctx, "a1", common.MarketSpot)
	_, _ = pool.ClientFor(ctx, "a3", common.MarketSpot)

	if got := pool.Stats().Clients; got != 2 {
		t.Fatalf("pool size = %d", got)
	}
	again, _ := pool.ClientFor(ctx, "a1", common.MarketSpot)
	if again != a1 {
		t.Error("recently used client was evicted")
	}
}

func TestClientForRejectsBadAccounts(t *testing.T) {
	pool, database, vault := newTestPool(t, DefaultConfig())
	seedAccount(t, database, vault, "inactive", "dryrun", false)
	seedAccount(t, database, vault, "krw", "upbit", true)
	ctx := context.Background()

	if _, err := pool.ClientFor(ctx, "missing", common.MarketSpot); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("missing account: %v", err)
	}
	if _, err := pool.ClientFor(ctx, "inactive", common.MarketSpot); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("inactive account: %v", err)
	}
	if _, err := pool.ClientFor(ctx, "krw", common.MarketFutures); !errors.Is(err, ErrMarketNotOffered) {
		t.Errorf("upbit futures: %v", err)
	}
}
