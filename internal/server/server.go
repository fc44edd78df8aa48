// Package server sets up the admin HTTP API and runs the sync engine's
// background components.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/admin"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/config"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/health"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/logging"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/metrics"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/validation"
)

const (
	dbStatsInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Minute

	adminRequestsPerMinute = 120
	adminBurst             = 20
)

// Server wraps the HTTP server and the sync engine components.
type Server struct {
	cfg      *config.Config
	comps    *Components
	router   *gin.Engine
	httpSrv  *http.Server
	limiter  *rateLimiter
	logger   *slog.Logger
	listener net.Listener

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithComponents uses pre-built components instead of building them from
// the configuration (for testing).
func WithComponents(c *Components) Option {
	return func(s *Server) {
		s.comps = c
	}
}

// WithListener serves on l instead of listening on the configured port.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		limiter: newRateLimiter(adminRequestsPerMinute, adminBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.comps == nil {
		comps, err := Build(context.Background(), cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.comps = comps
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(securityHeaders())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	guarded := admin.RequireAdmin(s.cfg.AdminSecret)
	s.router.GET("/ws", guarded, gin.WrapF(s.comps.Hub.HandleWebSocket))

	v1 := s.router.Group("/v1", guarded, s.limiter.middleware())
	admin.NewHandler(s.comps.Admin).RegisterRoutes(v1)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string          `json:"status"`
	Ready    bool            `json:"ready"`
	Checks   []health.Status `json:"checks"`
	Sweeping bool            `json:"sweeping"`
	Realtime map[string]any  `json:"realtime"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.comps.Health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:   "healthy",
		Ready:    s.ready.Load(),
		Checks:   checks,
		Sweeping: s.comps.Timer.Running(),
		Realtime: s.comps.Hub.Stats(),
	}
	if resp.Checks == nil {
		resp.Checks = []health.Status{}
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	s.comps.Health.ReadyHandler()(c)
}

// Run serves HTTP and runs the realtime hub, the event consumer, the sync
// sweep and the pool stats collector until ctx is cancelled, SIGINT or
// SIGTERM arrives, or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		var err error
		if s.listener != nil {
			err = s.httpSrv.Serve(s.listener)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.comps.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.comps.Gateway.Run(gctx); err != nil {
			return fmt.Errorf("event consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.comps.Timer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.StartDBStatsCollector(gctx, s.comps.DB, dbStatsInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.limiter.prune()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	err := g.Wait()
	if cerr := s.comps.Close(); cerr != nil {
		s.logger.Error("component close error", "error", cerr)
	}
	s.logger.Info("server stopped")
	return err
}

// shutdown stops accepting requests and drains in-flight ones.
func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.comps.Timer.Stop()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Components returns the wired sync engine.
func (s *Server) Components() *Components {
	return s.comps
}
