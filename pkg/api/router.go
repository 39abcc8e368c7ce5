// Package api exposes the pool over HTTP: a lease API for consumers and an
// admin API for operators, both behind the X-Internal-Secret header.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"egress-pool/pkg/health"
	"egress-pool/pkg/pool"
	"egress-pool/pkg/replenish"

	"github.com/gin-gonic/gin"
)

type Config struct {
	Addr           string
	Mode           string
	InternalSecret string
	// MinAvailable is used by POST /replenish without ?min.
	MinAvailable int
	// HealthWindow is the default window of the health reports.
	HealthWindow time.Duration
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     Config
	logger  *slog.Logger
}

func NewServer(cfg Config, p *pool.Manager, ctrl *replenish.Controller, mon *health.Monitor, logger *slog.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	s := &Server{
		router:  router,
		handler: NewHandler(p, ctrl, mon, cfg),
		cfg:     cfg,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "egress-pool",
		})
	})

	auth := func(c *gin.Context) { c.Next() }
	if s.cfg.InternalSecret != "" {
		auth = InternalAuthMiddleware(s.cfg.InternalSecret)
	} else {
		s.logger.Warn("No internal secret configured, API is unauthenticated")
	}

	// Lease API - called by consumer workflows
	lease := s.router.Group("/api/v1")
	lease.Use(auth)
	{
		lease.POST("/leases", s.handler.Claim)
		lease.POST("/leases/release", s.handler.Release)
		lease.POST("/leases/release-all", s.handler.ReleaseAll)
		lease.POST("/leases/rotate", s.handler.RotateLease)
		lease.POST("/usage", s.handler.RecordUsage)
	}

	admin := s.router.Group("/api/admin")
	admin.Use(auth)
	{
		admin.GET("/resources", s.handler.ListResources)
		admin.POST("/resources", s.handler.AddResource)
		admin.POST("/resources/rotate-all", s.handler.RotateAll)
		admin.GET("/resources/:id", s.handler.GetResource)
		admin.DELETE("/resources/:id", s.handler.DeleteResource)
		admin.PUT("/resources/:id/status", s.handler.SetStatus)
		admin.POST("/resources/:id/rotate", s.handler.RotateResource)
		admin.POST("/resources/:id/reset", s.handler.ResetResource)
		admin.GET("/resources/:id/failures", s.handler.ResourceFailures)

		admin.GET("/stats", s.handler.Stats)

		admin.GET("/providers", s.handler.ListProviders)
		admin.POST("/providers", s.handler.AddProvider)
		admin.PUT("/providers/:id", s.handler.UpdateProvider)
		admin.DELETE("/providers/:id", s.handler.DeleteProvider)

		admin.POST("/replenish", s.handler.Replenish)
		admin.POST("/health-check", s.handler.HealthCheck)
		admin.GET("/health/resources", s.handler.ResourceHealth)
		admin.GET("/health/providers", s.handler.ProviderHealth)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
