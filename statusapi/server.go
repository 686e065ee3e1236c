// Package statusapi serves the health and counters of a running pipeline
// over HTTP.
//
//	GET /health  200 {"status":"healthy"} or 503 {"status":"unhealthy","reason":"..."}
//	GET /stats   200 pipeline.StatsSnapshot as JSON
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
)

// StatusProvider is implemented by *pipeline.Service.
type StatusProvider interface {
	Healthy() bool
	HealthReason() string
	Stats() pipeline.StatsSnapshot
}

// Server is the status HTTP server.
type Server struct {
	provider StatusProvider
	engine   *gin.Engine
	server   *http.Server
	opts     *Options
	logger   types.Logger
}

// New builds a Server. Call [Server.Run] to start listening. The gin mode is
// left to the caller.
func New(provider StatusProvider, logger types.Logger, opts ...Option) (*Server, error) {
	if provider == nil {
		return nil, errors.New("status provider cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	o := newOptions()

	for _, opt := range opts {
		opt(o)
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid status API options: %w", err)
	}

	s := &Server{
		provider: provider,
		engine:   gin.New(),
		opts:     o,
		logger:   logger.WithField("component", "status_api"),
	}

	s.engine.Use(s.logRequests(), gin.Recovery())
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         o.addr,
		Handler:      s.engine,
		ReadTimeout:  o.readTimeout,
		WriteTimeout: o.writeTimeout,
	}

	return s, nil
}

// Handler returns the HTTP handler serving the status routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.addr, err)
	}

	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	s.logger.Infof("Status API listening on %s", listener.Addr())

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("status API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck
		return fmt.Errorf("failed to shut down status API server: %w", err)
	}

	s.logger.Info("Status API stopped")

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.provider.Healthy() {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status": "unhealthy",
		"reason": s.provider.HealthReason(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Stats())
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.WithFields(map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	}
}
