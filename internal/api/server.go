// Package api exposes the webhook intake, the admin surface and the live
// event stream over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exec-engine/internal/events"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/internal/monitor"
	"exec-engine/internal/order"
	"exec-engine/internal/persistence"
	"exec-engine/internal/ratelimit"
	"exec-engine/internal/signal"
	"exec-engine/pkg/cache"
	"exec-engine/pkg/db"
)

// Config carries the HTTP-facing settings.
type Config struct {
	JWTSecret string
	AdminUser string
	// AdminPassword is either a bcrypt hash or, for dev setups, the plain
	// password. Empty disables the login endpoint.
	AdminPassword string
	Version       string
}

// Deps are the engine components the handlers reach into. Optional members
// may be nil; their endpoints report unavailable.
type Deps struct {
	Store      *db.Database
	Bus        *events.Bus
	Dispatcher *signal.Dispatcher
	Executor   *order.Executor
	Pool       *gateway.Pool
	Limits     *ratelimit.Registry
	Precision  *marketinfo.PrecisionCache
	Sources    []marketinfo.Source
	Quotes     *cache.QuoteCache
	Stats      *monitor.SystemStats
	Audit      *persistence.BatchWriter
}

// Server wires HTTP endpoints around the dispatcher and the executor.
type Server struct {
	Router *gin.Engine
	cfg    Config
	deps   Deps
	http   *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	r := gin.New()

	// Middleware order matters: recovery first, CORS last before routes.
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(deps.Stats))
	r.Use(RateLimit())
	r.Use(CORS())

	s := &Server{Router: r, cfg: cfg, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/auth/login", s.login)

	// The webhook runs outside the timeout group: a wide fan-out against a
	// paced venue may legitimately take longer than an admin query.
	s.Router.POST("/webhook", s.webhook)

	admin := s.Router.Group("/api")
	admin.Use(Timeout(30*time.Second), AuthMiddleware(s.cfg.JWTSecret))
	{
		admin.GET("/status", s.getStatus)
		admin.GET("/accounts", s.listAccounts)
		admin.GET("/orders", s.listOrders)
		admin.GET("/queues", s.listQueues)
		admin.GET("/positions/:strategy_account_id", s.listPositions)
		admin.GET("/trades/:strategy_account_id", s.listTrades)
		admin.GET("/audit", s.listAudit)
		admin.GET("/limits", s.limiterSnapshot)
		admin.GET("/pool", s.poolStats)
		admin.GET("/precision", s.precisionStats)
		admin.POST("/precision/refresh", s.refreshPrecision)
		admin.DELETE("/precision/:exchange", s.clearPrecision)
		admin.GET("/quotes", s.quoteStats)
		admin.POST("/rebalance", s.rebalance)
		admin.POST("/orders/:id/cancel", s.cancelOrder)
		admin.POST("/cancel-all", s.cancelAll)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until ctx is cancelled, then drains in-flight requests with
// a short grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	}
}
