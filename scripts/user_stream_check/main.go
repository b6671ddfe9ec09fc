package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"exec-engine/internal/gateway"
	"exec-engine/internal/ratelimit"
	"exec-engine/internal/stream"
	"exec-engine/pkg/config"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/common"
)

// user_stream_check opens the user-data stream of every active
// (account, market) pair and prints the raw messages. Nothing is written
// back, so it is safe to point at a live database while verifying listen
// keys, credentials and connectivity.
//
// Usage (with MASTER_ENCRYPTION_KEY and DB_PATH set as for the engine):
//   go run ./scripts/user_stream_check
//
// Place a small test order on the venue to see execution reports arrive.

func main() {
	log.Println("=== user stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DryRun {
		log.Fatal("DRY_RUN=true has no user streams; run against live credentials")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	vault, err := crypto.NewVaultFromEnv()
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	factory := gateway.NewFactory(gateway.FactoryConfig{
		BinanceSpotURL:    cfg.BinanceSpotURL,
		BinanceFuturesURL: cfg.BinanceFuturesURL,
		UpbitURL:          cfg.UpbitURL,
	})
	pool := gateway.NewPool(database.Queries, vault, ratelimit.NewRegistry(nil), factory, gateway.DefaultConfig())

	pairs, err := database.ListActiveAccountMarkets(ctx)
	if err != nil {
		log.Fatalf("list account markets: %v", err)
	}

	started := 0
	for _, pair := range pairs {
		client, err := pool.ClientFor(ctx, pair.AccountID, common.MarketType(pair.MarketType))
		if err != nil {
			log.Printf("[SKIP] %s %s: %v", pair.AccountID, pair.MarketType, err)
			continue
		}
		venue, ok := client.(stream.VenueStream)
		if !ok {
			log.Printf("[SKIP] %s has no user stream on %s", pair.Exchange, pair.MarketType)
			continue
		}
		label := pair.AccountID + "/" + pair.MarketType
		go watch(ctx, label, venue)
		started++
	}
	if started == 0 {
		log.Fatal("no streamable accounts found")
	}
	log.Printf("%d streams connecting. Place a test order on the venue to see events.", started)

	select {
	case <-ctx.Done():
		log.Println("interrupt received, shutting down")
	case <-time.After(10 * time.Minute):
		log.Println("timeout reached, shutting down")
	}
	log.Println("=== user stream check finished ===")
}

// watch opens one listen key and dumps every frame until ctx is done. The
// default gorilla ping handler answers venue pings, so a bare read loop
// keeps the connection alive.
func watch(ctx context.Context, label string, venue stream.VenueStream) {
	key, err := venue.CreateListenKey(ctx)
	if err != nil {
		log.Printf("[%s] create listen key: %v", label, err)
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = venue.CloseListenKey(closeCtx, key)
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, venue.StreamURL(key), nil)
	if err != nil {
		log.Printf("[%s] dial: %v", label, err)
		return
	}
	defer conn.Close()
	log.Printf("[%s] connected", label)

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := venue.KeepAliveListenKey(ctx, key); err != nil {
					log.Printf("[%s] keepalive: %v", label, err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[%s] read: %v", label, err)
			}
			return
		}
		log.Printf("[%s] %s", label, msg)
	}
}
