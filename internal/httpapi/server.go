// Package httpapi serves the aggregated metrics over REST.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/metrics"
)

// Server bundles router and dependencies for the REST API.
type Server struct {
	addr   string
	svc    *metrics.Service
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(addr string, svc *metrics.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	server := &Server{addr: addr, svc: svc, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.GET("/totals", s.handleTotals)
	v1.GET("/month/current", s.handleCurrentMonth)
	v1.GET("/month/last", s.handleLastMonth)
	v1.GET("/month/:month", s.handleMonth)
	v1.GET("/rolling", s.handleRolling)
	v1.GET("/comparison", s.handleComparison)
	v1.GET("/snapshot", s.handleSnapshot)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) handleTotals(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetTotals())
}

func (s *Server) handleCurrentMonth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetThisMonth())
}

func (s *Server) handleLastMonth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetLastMonthCost())
}

func (s *Server) handleMonth(c *gin.Context) {
	m, err := aggregate.ParseMonth(c.Param("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid month, expected YYYY-MM"})
		return
	}
	c.JSON(http.StatusOK, s.svc.GetMonthly(m))
}

func (s *Server) handleRolling(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetRolling24h())
}

func (s *Server) handleComparison(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetComparison())
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetSnapshot())
}
