package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/internal/order"
	"papertrader/internal/traderr"
)

func (s *Server) getStatus(c *gin.Context) {
	halted, reason := s.Risk.Halted()
	c.JSON(http.StatusOK, gin.H{
		"version":      s.Meta.Version,
		"instruments":  s.Meta.Instruments,
		"risk_profile": s.Meta.RiskProfile,
		"halted":       halted,
		"halt_reason":  reason,
		"equity":       s.Risk.Equity(),
		"balance":      s.Risk.Balance(),
		"uptime":       time.Since(s.started).String(),
	})
}

// getMetrics exposes the per-kind publish and drop counters of the bus.
func (s *Server) getMetrics(c *gin.Context) {
	counters := s.Bus.Counters()
	c.JSON(http.StatusOK, gin.H{
		"published": counters.Published,
		"dropped":   counters.Dropped,
	})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions":        s.Portfolio.Snapshot(),
		"total_unrealized": s.Portfolio.TotalUnrealized(),
	})
}

func (s *Server) getOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders := s.OMS.Orders()
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	id := c.Param("id")
	o, ok := s.OMS.Order(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "ORDER_NOT_FOUND",
			"error": "unknown order id",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order": o,
		"fills": s.OMS.Fills(id),
	})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.Queries.ListTradeEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getRiskState(c *gin.Context) {
	halted, reason := s.Risk.Halted()
	c.JSON(http.StatusOK, gin.H{
		"halted":      halted,
		"halt_reason": reason,
		"profile":     s.Risk.Profile(),
		"equity":      s.Risk.Equity(),
		"positions":   s.Risk.Positions(),
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.OMS.Cancel(c.Param("id"))
	if err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (s *Server) replaceOrder(c *gin.Context) {
	var req struct {
		Quantity decimal.Decimal `json:"quantity"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	o, err := s.OMS.Replace(c.Param("id"), uuid.NewString(), req.Quantity, req.Price)
	if err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// resetRisk clears a tripped kill-switch. Deliberately the only way back to
// Running.
func (s *Server) resetRisk(c *gin.Context) {
	halted, reason := s.Risk.Halted()
	if !halted {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "NOT_HALTED",
			"error": "risk engine is not halted",
		})
		return
	}
	s.Risk.Reset()
	c.JSON(http.StatusOK, gin.H{"cleared": reason})
}

// reconcile checks an external position snapshot against local state and
// reports discrepancies. Local state is never modified.
func (s *Server) reconcile(c *gin.Context) {
	var req struct {
		Positions map[string]decimal.Decimal `json:"positions"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	mismatches := s.Portfolio.Reconcile(req.Positions)
	if s.Audit != nil && len(mismatches) > 0 {
		s.Audit.RecordMismatches(c.Request.Context(), mismatches)
	}
	c.JSON(http.StatusOK, gin.H{
		"clean":      len(mismatches) == 0,
		"mismatches": mismatches,
	})
}

// getOrderHistory reads orders from the audit trail rather than the live
// in-memory book, so it survives restarts.
func (s *Server) getOrderHistory(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusOK, gin.H{"orders": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders, err := s.Queries.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getReconciliations(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusOK, gin.H{"mismatches": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	mismatches, err := s.Queries.ListMismatches(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mismatches": mismatches})
}

func (s *Server) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrUnknownOrder):
		c.JSON(http.StatusNotFound, gin.H{"code": "ORDER_NOT_FOUND", "error": err.Error()})
	case errors.Is(err, order.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"code": "DUPLICATE_ORDER", "error": err.Error()})
	case traderr.IsKind(err, traderr.KindState):
		c.JSON(http.StatusConflict, gin.H{"code": "ORDER_TERMINAL", "error": err.Error()})
	case traderr.IsKind(err, traderr.KindValidation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ORDER", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}
