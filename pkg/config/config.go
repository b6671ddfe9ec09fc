package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution engine.
type Config struct {
	Port        string
	MetricsPort string

	// Database
	DBPath string

	// Auth
	JWTSecret     string
	AdminUser     string
	AdminPassword string

	// Logging
	LogLevel  string
	LogPretty bool

	// Exchange quota overrides (optional YAML file)
	ExchangeLimitsFile string

	// Per-exchange endpoint overrides (testnet or self-hosted mocks)
	BinanceSpotURL    string
	BinanceFuturesURL string
	UpbitURL          string

	// Event mirror (optional)
	RedisAddr    string
	RedisChannel string

	// Alerts (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Execution
	DryRun bool

	// User data streams
	EnableUserStreams bool

	// Background sweeps
	UnrealizedPnlIntervalSec int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                     getEnv("PORT", "8080"),
		MetricsPort:              getEnv("METRICS_PORT", "9100"),
		DBPath:                   getEnv("DB_PATH", "./data/engine.db"),
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:                getEnv("ADMIN_USER", "admin"),
		AdminPassword:            os.Getenv("ADMIN_PASSWORD"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogPretty:                getEnv("LOG_PRETTY", "false") == "true",
		ExchangeLimitsFile:       getEnv("EXCHANGE_LIMITS_FILE", ""),
		BinanceSpotURL:           getEnv("BINANCE_SPOT_URL", ""),
		BinanceFuturesURL:        getEnv("BINANCE_FUTURES_URL", ""),
		UpbitURL:                 getEnv("UPBIT_URL", ""),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		RedisChannel:             getEnv("REDIS_CHANNEL", "engine.events"),
		TelegramBotToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:           os.Getenv("TELEGRAM_CHAT_ID"),
		DryRun:                   getEnv("DRY_RUN", "false") == "true",
		EnableUserStreams:        getEnv("ENABLE_USER_STREAMS", "true") == "true",
		UnrealizedPnlIntervalSec: getEnvInt("UNREALIZED_PNL_INTERVAL_SEC", 60),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
