// Package server exposes the on-demand reconciliation trigger and health over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/polycal/internal/logger"
	"github.com/rewired-gh/polycal/internal/metrics"
	"github.com/rewired-gh/polycal/internal/models"
	"github.com/rewired-gh/polycal/internal/reconcile"
)

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 100
)

// Reconciler runs one cycle and always returns an outcome.
type Reconciler interface {
	RunSafe(ctx context.Context) reconcile.Outcome
}

// Store is the read side the handlers need.
type Store interface {
	ListShockAlerts(ctx context.Context, limit int) ([]models.ShockAlert, error)
	Ping(ctx context.Context) error
}

// Handler serves the trigger API.
type Handler struct {
	Reconciler Reconciler
	Store      Store
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// NewEngine builds a gin engine with Handler routes registered.
func NewEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	h.Register(engine)
	return engine
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.health)
	r.POST("/api/reconcile", h.reconcile)
	r.GET("/api/shock-alerts", h.shockAlerts)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) health(c *gin.Context) {
	if h.Store != nil {
		if err := h.Store.Ping(c.Request.Context()); err != nil {
			logger.Warn("Health check: storage unreachable: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage_unreachable", "timestamp": h.now()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.now()})
}

func (h *Handler) reconcile(c *gin.Context) {
	out := h.Reconciler.RunSafe(c.Request.Context())
	if !out.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": out.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"updated":   out.Updated,
		"errors":    out.Errors,
		"shocks":    out.Shocks,
		"timestamp": out.Timestamp,
	})
}

func (h *Handler) shockAlerts(c *gin.Context) {
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAlertLimit)
	}
	alerts, err := h.Store.ListShockAlerts(c.Request.Context(), limit)
	if err != nil {
		logger.Error("Failed to list shock alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list shock alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
