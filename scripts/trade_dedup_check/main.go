package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"exec-engine/pkg/db"
)

// trade_dedup_check inspects an engine database for duplicated
// (strategy_account_id, exchange_order_id) trade rows. The fill-idempotency
// migration refuses to run while duplicates exist, so this prints the
// offending groups and the cleanup statement for the operator to run.
//
// Usage:
//   DB_PATH=./data/engine.db go run ./scripts/trade_dedup_check

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./data/engine.db"
	}
	fmt.Printf("Checking trades in: %s\n", dbPath)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close()

	// 1. Idempotency index present?
	fmt.Println("\n1. Checking fill-idempotency index...")
	var name string
	err = conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'ux_trades_account_order'`).Scan(&name)
	switch {
	case err == sql.ErrNoRows:
		fmt.Println("❌ ux_trades_account_order MISSING (migration blocked or never ran)")
	case err != nil:
		log.Fatalf("query index: %v", err)
	default:
		fmt.Println("✓ ux_trades_account_order exists")
	}

	// 2. Duplicate groups.
	fmt.Println("\n2. Scanning for duplicated fills...")
	rows, err := conn.Query(`
		SELECT strategy_account_id, exchange_order_id, COUNT(*) AS n
		FROM trades
		GROUP BY strategy_account_id, exchange_order_id
		HAVING COUNT(*) > 1
		ORDER BY n DESC`)
	if err != nil {
		log.Fatalf("scan duplicates: %v", err)
	}
	defer rows.Close()

	groups := 0
	for rows.Next() {
		var sa, exo string
		var n int
		if err := rows.Scan(&sa, &exo, &n); err != nil {
			log.Fatalf("scan row: %v", err)
		}
		fmt.Printf("❌ %d copies: strategy_account=%s exchange_order=%s\n", n, sa, exo)
		groups++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("read rows: %v", err)
	}

	if groups == 0 {
		fmt.Println("✓ no duplicated fills")
		return
	}
	fmt.Printf("\n%d duplicated groups. The cleanup keeps the earliest row of each:\n\n%s\n", groups, db.TradeDedupSQL)
	os.Exit(1)
}
