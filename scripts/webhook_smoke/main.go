package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhook_smoke fires a few canned signals at a running engine and prints
// what comes back. Run the engine with DRY_RUN=true to exercise the full
// intake, fan-out and queueing path without touching an exchange.
//
// Usage (engine on :8080 with a strategy group configured):
//   ENGINE_URL=http://localhost:8080 GROUP_NAME=alpha WEBHOOK_TOKEN=tok \
//     go run ./scripts/webhook_smoke

func main() {
	baseURL := envOr("ENGINE_URL", "http://localhost:8080")
	group := envOr("GROUP_NAME", "alpha")
	token := os.Getenv("WEBHOOK_TOKEN")
	if token == "" {
		log.Fatal("WEBHOOK_TOKEN is required")
	}

	client := resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second)

	log.Println("=== webhook smoke starting ===")

	fire(client, "single LIMIT buy", map[string]any{
		"group_name": group,
		"token":      token,
		"symbol":     "BTC/USDT",
		"side":       "buy",
		"order_type": "LIMIT",
		"price":      50_000,
		"qty":        0.001,
	})

	fire(client, "batch of limits plus a market order", map[string]any{
		"group_name": group,
		"token":      token,
		"orders": []map[string]any{
			{"symbol": "BTC/USDT", "side": "buy", "order_type": "LIMIT", "price": 49_500, "qty": 0.001},
			{"symbol": "BTC/USDT", "side": "buy", "order_type": "LIMIT", "price": 49_000, "qty": 0.001},
			{"symbol": "BTC/USDT", "side": "buy", "order_type": "MARKET", "qty": 0.001},
		},
	})

	fire(client, "cancel everything on BTC/USDT", map[string]any{
		"group_name": group,
		"token":      token,
		"symbol":     "BTC/USDT",
		"order_type": "CANCEL_ALL_ORDER",
	})

	log.Println("=== webhook smoke finished ===")
}

func fire(client *resty.Client, name string, payload map[string]any) {
	log.Printf("[%s]", name)
	resp, err := client.R().SetBody(payload).Post("/webhook")
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	fmt.Printf("  status=%d body=%s\n", resp.StatusCode(), resp.Body())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
