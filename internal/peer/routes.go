package peer

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/peerwire/internal/auth"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

func newRouter(id string, logger zerolog.Logger, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/metrics", "/health", "/ready"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

type dialRequest struct {
	Addr string `json:"addr" binding:"required"`
}

func (s *Service) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.cfg.ID,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    s.Ready(),
			"sessions": len(s.snapshotConns()),
			"node":     s.cfg.ID,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"peers":      s.Peers(),
			"candidates": s.book.Candidates(),
			"dht_nodes":  s.book.Nodes(),
		})
	})

	r.GET("/extensions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"local":     s.stack.Local.Map(),
			"supported": s.stack.Registry.Extensions(),
			"agents":    s.stack.Agents.List(),
		})
	})

	admin := r.Group("/", auth.Require(s.auth))
	admin.POST("/peers/dial", func(c *gin.Context) {
		var req dialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := s.Dial(c.Request.Context(), strings.TrimSpace(req.Addr))
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ErrNotRunning) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": id})
	})

	admin.DELETE("/peers/:id", func(c *gin.Context) {
		if err := s.Disconnect(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin.POST("/download-complete", func(c *gin.Context) {
		if err := s.MarkDownloaded(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
