package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"exec-engine/internal/api"
	"exec-engine/internal/balance"
	"exec-engine/internal/events"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/internal/metrics"
	"exec-engine/internal/monitor"
	"exec-engine/internal/order"
	"exec-engine/internal/persistence"
	"exec-engine/internal/position"
	"exec-engine/internal/ratelimit"
	"exec-engine/internal/reconcile"
	dispatch "exec-engine/internal/signal"
	"exec-engine/internal/stream"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/config"
	"exec-engine/pkg/crypto"
	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/binance"
	"exec-engine/pkg/exchanges/common"
	"exec-engine/pkg/exchanges/dryrun"
	"exec-engine/pkg/exchanges/upbit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(cfg)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	log.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Msg("execution engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	defer database.Close()
	if err := database.ApplyMigrations(); err != nil {
		log.Fatal().Err(err).Msg("database migrations failed")
	}
	log.Info().Str("path", cfg.DBPath).Msg("database ready")

	vault := openVault(cfg)

	// Exchange quotas, optionally overridden from YAML.
	var overrides map[string]ratelimit.Limits
	if cfg.ExchangeLimitsFile != "" {
		overrides, err = ratelimit.LoadLimitsFile(cfg.ExchangeLimitsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ExchangeLimitsFile).Msg("exchange limits load failed")
		}
		log.Info().Str("file", cfg.ExchangeLimitsFile).Int("exchanges", len(overrides)).Msg("exchange limit overrides loaded")
	}
	limits := ratelimit.NewRegistry(overrides)

	// Gateway pool
	factory := gateway.NewFactory(gateway.FactoryConfig{
		DryRun:            cfg.DryRun,
		BinanceSpotURL:    cfg.BinanceSpotURL,
		BinanceFuturesURL: cfg.BinanceFuturesURL,
		UpbitURL:          cfg.UpbitURL,
	})
	pool := gateway.NewPool(database.Queries, vault, limits, factory, gateway.DefaultConfig())
	pool.Start(ctx)

	// The active (account, market) pairs drive warmup and the user streams.
	pairs, err := database.ListActiveAccountMarkets(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("account market listing failed")
	}

	// Precision metadata
	precision := marketinfo.NewPrecisionCache()
	precision.SetRuleTick("upbit", upbit.KRWTick)
	sources := warmupSources(cfg, pairs)
	if loaded := precision.Warmup(ctx, sources); loaded == 0 && len(sources) > 0 {
		log.Warn().Msg("no market listing loaded, orders will park until a refresh succeeds")
	}
	precision.StartRefresher(ctx, sources)

	quotes := cache.NewQuoteCache()

	// Events: bus for live subscribers, batch writer for the audit trail,
	// optional Redis mirror for external consumers.
	audit := persistence.NewBatchWriter(database, 0, 0)
	defer audit.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("redis event mirror enabled")
	}

	bus := events.NewBus()
	emitter := events.NewEmitter(bus, events.EmitterConfig{Audit: audit, Redis: rdb, Channel: cfg.RedisChannel})
	emitter.Start(ctx)

	// Alerts
	sinks := []monitor.AlertSink{monitor.LogSink{}}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, monitor.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Info().Msg("telegram alerts enabled")
	}
	notifier := monitor.NewNotifier(sinks...)
	defer notifier.Close()

	// Execution core
	exec := order.NewExecutor(database, pool, precision, emitter, notifier)
	capital := balance.NewManager(database, pool, quotes)
	dispatcher := dispatch.NewDispatcher(database, exec, capital)

	// Background workers
	order.NewScheduler(exec, 0).Start(ctx)
	order.NewCancelWorker(exec).Start(ctx)
	exec.StartRetentionSweep(ctx)

	reconciler := reconcile.New(database, pool, emitter, 0)
	reconciler.Start(ctx)

	position.NewSweeper(database, pool, quotes, time.Duration(cfg.UnrealizedPnlIntervalSec)*time.Second).Start(ctx)

	if cfg.EnableUserStreams && !cfg.DryRun {
		startUserStreams(ctx, pairs, pool, database, reconciler, emitter)
	}

	// HTTP surfaces
	server := api.NewServer(api.Config{
		JWTSecret:     cfg.JWTSecret,
		AdminUser:     cfg.AdminUser,
		AdminPassword: cfg.AdminPassword,
		Version:       version,
	}, api.Deps{
		Store:      database,
		Bus:        bus,
		Dispatcher: dispatcher,
		Executor:   exec,
		Pool:       pool,
		Limits:     limits,
		Precision:  precision,
		Sources:    sources,
		Quotes:     quotes,
		Stats:      monitor.NewSystemStats(),
		Audit:      audit,
	})

	go serveMetrics(ctx, cfg.MetricsPort)

	log.Info().Str("port", cfg.Port).Str("metrics_port", cfg.MetricsPort).Msg("listening")
	if err := server.Start(ctx, ":"+cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// openVault loads the credential encryption keys from the environment.
// Dry-run setups may omit them; an ephemeral key keeps the credential layer
// working with throwaway ciphertexts that do not survive a restart.
func openVault(cfg *config.Config) *crypto.Vault {
	vault, err := crypto.NewVaultFromEnv()
	if err == nil {
		return vault
	}
	if !cfg.DryRun {
		log.Fatal().Err(err).Msg("encryption vault init failed")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal().Err(err).Msg("ephemeral key generation failed")
	}
	vault, err = crypto.NewVault(map[int][]byte{1: key})
	if err != nil {
		log.Fatal().Err(err).Msg("ephemeral vault init failed")
	}
	log.Warn().Msg("no master key configured, using an ephemeral dry-run vault")
	return vault
}

// warmupSources builds one public metadata client per distinct
// (exchange, market) the active bindings reach. Dry-run swaps in the
// simulator but keeps the real exchange label so precision lookups resolve.
func warmupSources(cfg *config.Config, pairs []db.AccountMarket) []marketinfo.Source {
	seen := make(map[string]bool)
	var sources []marketinfo.Source
	for _, pair := range pairs {
		key := pair.Exchange + "/" + pair.MarketType
		if seen[key] {
			continue
		}
		seen[key] = true

		market := common.MarketType(pair.MarketType)
		client := publicClient(cfg, pair.Exchange, market)
		if client == nil {
			log.Warn().Str("exchange", pair.Exchange).Str("market", pair.MarketType).Msg("no metadata client for venue")
			continue
		}
		sources = append(sources, marketinfo.Source{Exchange: pair.Exchange, Market: market, Client: client})
	}
	return sources
}

// publicClient builds an unauthenticated client. Market metadata endpoints
// need no credentials on any supported venue.
func publicClient(cfg *config.Config, exchange string, market common.MarketType) common.Client {
	if cfg.DryRun {
		return dryrun.New(dryrun.Config{Market: market})
	}
	switch exchange {
	case "binance":
		base := cfg.BinanceSpotURL
		if market == common.MarketFutures {
			base = cfg.BinanceFuturesURL
		}
		return binance.New(binance.Config{Market: market, BaseURL: base})
	case "upbit":
		if market == common.MarketFutures {
			return nil
		}
		return upbit.New(upbit.Config{BaseURL: cfg.UpbitURL})
	case "dryrun":
		return dryrun.New(dryrun.Config{Market: market})
	default:
		return nil
	}
}

// startUserStreams opens one user-data stream per (account, market) pair.
// Venues without stream support are skipped; reconciliation polling covers
// their fills.
func startUserStreams(ctx context.Context, pairs []db.AccountMarket, pool *gateway.Pool, database *db.Database, applier stream.FillApplier, emitter *events.Emitter) {
	started := 0
	for _, pair := range pairs {
		client, err := pool.ClientFor(ctx, pair.AccountID, common.MarketType(pair.MarketType))
		if err != nil {
			log.Error().Err(err).
				Str("account_id", pair.AccountID).
				Str("market", pair.MarketType).
				Msg("stream client unavailable")
			continue
		}
		venue, ok := client.(stream.VenueStream)
		if !ok {
			continue
		}
		stream.NewListener(pair.AccountID, venue, database, applier, emitter).Start(ctx)
		started++
	}
	log.Info().Int("streams", started).Int("pairs", len(pairs)).Msg("user data streams started")
}

// serveMetrics exposes Prometheus metrics on a separate port, away from the
// authenticated API listener.
func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
