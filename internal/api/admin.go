package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"exec-engine/internal/order"
	"exec-engine/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func limitQuery(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return min(limit, max)
}

// getStatus merges runtime stats, audit backlog and build info into one
// dashboard payload.
func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"version":     s.cfg.Version,
		"server_time": time.Now().UTC(),
	}
	if s.deps.Stats != nil {
		resp["runtime"] = s.deps.Stats.Snapshot()
	}
	if s.deps.Audit != nil {
		resp["audit"] = s.deps.Audit.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// listAccounts returns active accounts with credentials redacted.
func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.deps.Store.ListActiveAccounts(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":          a.ID,
			"name":        a.Name,
			"exchange":    a.Exchange,
			"is_testnet":  a.IsTestnet,
			"key_version": a.KeyVersion,
			"created_at":  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func orderJSON(o db.OpenOrder) gin.H {
	row := gin.H{
		"id":                  o.ID,
		"strategy_account_id": o.StrategyAccountID,
		"account_id":          o.AccountID,
		"exchange_order_id":   o.ExchangeOrderID,
		"symbol":              o.Symbol,
		"side":                o.Side,
		"order_type":          o.OrderType,
		"price":               o.Price,
		"stop_price":          o.StopPrice,
		"quantity":            o.Quantity,
		"filled_quantity":     o.FilledQuantity,
		"average_price":       o.AveragePrice,
		"fee":                 o.Fee,
		"status":              o.Status,
		"market_type":         o.MarketType,
		"webhook_received_at": o.WebhookReceivedAt,
		"created_at":          o.CreatedAt,
	}
	if o.FilledAt.Valid {
		row["filled_at"] = o.FilledAt.Time
	}
	return row
}

// listOrders returns the working set: every live order, or one queue's
// slice when account_id and symbol are given.
func (s *Server) listOrders(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Query("account_id")
	symbol := c.Query("symbol")

	var (
		orders []db.OpenOrder
		err    error
	)
	if accountID != "" && symbol != "" {
		orders, err = s.deps.Store.ListLiveOrders(ctx, accountID, symbol)
	} else {
		orders, err = s.deps.Store.ListActiveOrders(ctx)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, out)
}

// listQueues reports the pending backlog per (account, symbol).
func (s *Server) listQueues(c *gin.Context) {
	depths, err := s.deps.Store.ListPendingDepths(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(depths))
	for _, d := range depths {
		out = append(out, gin.H{
			"account_id": d.AccountID,
			"symbol":     d.Symbol,
			"pending":    d.Count,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.deps.Store.ListPositions(c.Request.Context(), c.Param("strategy_account_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"strategy_account_id": p.StrategyAccountID,
			"symbol":              p.Symbol,
			"quantity":            p.Quantity,
			"entry_price":         p.EntryPrice,
			"updated_at":          p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listTrades(c *gin.Context) {
	limit := limitQuery(c, 100, 500)
	trades, err := s.deps.Store.ListTrades(c.Request.Context(), c.Param("strategy_account_id"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, gin.H{
			"id":                  t.ID,
			"strategy_account_id": t.StrategyAccountID,
			"exchange_order_id":   t.ExchangeOrderID,
			"symbol":              t.Symbol,
			"side":                t.Side,
			"price":               t.Price,
			"quantity":            t.Quantity,
			"pnl":                 t.Pnl,
			"fee":                 t.Fee,
			"is_entry":            t.IsEntry,
			"executed_at":         t.ExecutedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// listAudit returns the newest audit-trail rows, payloads inlined as JSON.
func (s *Server) listAudit(c *gin.Context) {
	limit := limitQuery(c, 100, 1000)
	entries, err := s.deps.Store.ListRecentEventLog(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":         e.ID,
			"event":      e.Event,
			"payload":    json.RawMessage(e.Payload),
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) limiterSnapshot(c *gin.Context) {
	if s.deps.Limits == nil {
		respondError(c, http.StatusServiceUnavailable, "LIMITS_UNAVAILABLE", "rate limit registry not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Limits.Snapshot())
}

func (s *Server) poolStats(c *gin.Context) {
	if s.deps.Pool == nil {
		respondError(c, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "gateway pool not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) precisionStats(c *gin.Context) {
	if s.deps.Precision == nil {
		respondError(c, http.StatusServiceUnavailable, "PRECISION_UNAVAILABLE", "precision cache not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Precision.Stats())
}

// refreshPrecision reloads every market listing now instead of waiting for
// the background refresher.
func (s *Server) refreshPrecision(c *gin.Context) {
	if s.deps.Precision == nil || len(s.deps.Sources) == 0 {
		respondError(c, http.StatusServiceUnavailable, "PRECISION_UNAVAILABLE", "no precision sources configured")
		return
	}
	loaded := s.deps.Precision.Warmup(c.Request.Context(), s.deps.Sources)
	c.JSON(http.StatusOK, gin.H{
		"loaded": loaded,
		"total":  len(s.deps.Sources),
	})
}

func (s *Server) clearPrecision(c *gin.Context) {
	if s.deps.Precision == nil {
		respondError(c, http.StatusServiceUnavailable, "PRECISION_UNAVAILABLE", "precision cache not available")
		return
	}
	s.deps.Precision.Clear(c.Param("exchange"))
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) quoteStats(c *gin.Context) {
	if s.deps.Quotes == nil {
		respondError(c, http.StatusServiceUnavailable, "QUOTES_UNAVAILABLE", "quote cache not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Quotes.Stats())
}

// rebalance reconverges one queue on demand.
func (s *Server) rebalance(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
		Symbol    string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "account_id and symbol are required")
		return
	}
	out, err := s.deps.Executor.RebalanceSymbol(c.Request.Context(), req.AccountID, req.Symbol)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "REBALANCE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "order id must be numeric")
		return
	}
	res := s.deps.Executor.CancelByID(c.Request.Context(), id)
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.ErrorKind == order.KindNotFound:
		c.JSON(http.StatusNotFound, res)
	default:
		c.JSON(http.StatusBadGateway, res)
	}
}

// cancelAll wipes one binding's orders on a symbol, same as the webhook's
// CANCEL_ALL_ORDER but operator-triggered.
func (s *Server) cancelAll(c *gin.Context) {
	var req struct {
		StrategyAccountID string `json:"strategy_account_id" binding:"required"`
		Symbol            string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "strategy_account_id and symbol are required")
		return
	}

	ctx := c.Request.Context()
	binding, err := s.deps.Store.GetStrategyBinding(ctx, req.StrategyAccountID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if binding == nil {
		respondError(c, http.StatusNotFound, "BINDING_NOT_FOUND", "no such strategy account")
		return
	}

	results := s.deps.Executor.CancelAll(ctx, binding, req.Symbol)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"total":   len(results),
		"failed":  failed,
		"results": results,
	})
}
