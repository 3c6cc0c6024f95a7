// Package httpapi exposes the plugin's operational surface: liveness,
// readiness, and Prometheus metrics. It is not a synchronous business API
// — pattern lifecycle and dispatch all happen over the bus — so this
// package stays deliberately thin, mirroring the teacher's original
// gin-based health endpoint in cmd/tarsy/main.go before it grew into the
// full echo-based pkg/api.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/plugin"
	"github.com/omninode-ai/omniintelligence/pkg/version"
)

// Server is the operational HTTP surface: /healthz, /readyz, /metrics.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	db         *database.Client
	lifecycle  *plugin.Lifecycle
}

// NewServer wires the gin router. ginMode follows the teacher's
// GIN_MODE env convention (debug/release/test) rather than hardcoding it.
func NewServer(db *database.Client, lc *plugin.Lifecycle, ginMode string) *Server {
	if ginMode != "" {
		gin.SetMode(ginMode)
	}
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{engine: e, db: db, lifecycle: lc}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthzHandler)
	s.engine.GET("/readyz", s.readyzHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// healthzHandler reports process liveness: the process is up and can
// reach its database. It does not check plugin activation state, so an
// orchestrator never restarts a plugin instance that is merely waiting
// on should_activate (mirrors the teacher's health/readiness split:
// health checks should never flap on conditions a restart can't fix).
func (s *Server) healthzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := s.db.Health(reqCtx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": health,
			"error":    err.Error(),
			"version":  version.Full(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": health,
		"version":  version.Full(),
	})
}

// readyzHandler reports whether the plugin has completed start_consumers
// and is actively dispatching. Used by an orchestrator to gate traffic
// (or, for this event-driven plugin, to gate marking the pod Ready) until
// every lifecycle stage has succeeded.
func (s *Server) readyzHandler(c *gin.Context) {
	if s.lifecycle == nil || !s.lifecycle.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Start serves the operational API on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, used by tests that
// need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
