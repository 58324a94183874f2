package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"papertrader/internal/audit"
	"papertrader/internal/events"
	"papertrader/internal/order"
	"papertrader/internal/portfolio"
	"papertrader/internal/risk"
	"papertrader/pkg/db"
)

// Server wires the operator HTTP endpoints around the trading core.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Log       *zap.Logger
	Risk      *risk.Engine
	OMS       *order.Manager
	Portfolio *portfolio.Tracker
	Queries   *db.Queries  // nil when persistence is disabled
	Audit     *audit.Store // nil when persistence is disabled
	JWTSecret string
	Meta      SystemMeta

	started time.Time
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Instruments []string
	RiskProfile string
	Version     string
}

// NewServer builds the router and registers all routes.
func NewServer(bus *events.Bus, log *zap.Logger, riskEng *risk.Engine, oms *order.Manager, tracker *portfolio.Tracker, queries *db.Queries, auditStore *audit.Store, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Log:       log,
		Risk:      riskEng,
		OMS:       oms,
		Portfolio: tracker,
		Queries:   queries,
		Audit:     auditStore,
		JWTSecret: jwtSecret,
		Meta:      meta,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/positions", s.getPositions)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:id", s.getOrder)
		api.GET("/trades", s.getTrades)
		api.GET("/risk", s.getRiskState)
		api.GET("/audit/orders", s.getOrderHistory)
		api.GET("/audit/reconciliations", s.getReconciliations)

		// Mutating endpoints require an operator token.
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.POST("/orders/:id/replace", s.replaceOrder)
			protected.POST("/risk/reset", s.resetRisk)
			protected.POST("/reconcile", s.reconcile)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
