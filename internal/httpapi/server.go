// Package httpapi provides the local HTTP API popguardd exposes to the
// browser extension.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/popguard/popguard/internal/decision"
	"github.com/popguard/popguard/internal/patterns"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained API request rate per second;
	// RateBurst is the burst capacity. The /health and /metrics
	// endpoints are not limited.
	RateLimit float64
	RateBurst int
}

// Server wires the learning engine and the decision coordinator behind
// HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	bank    *patterns.Bank
	coord   *decision.Coordinator
	limiter *rate.Limiter
	logger  *zap.Logger
	config  *Config
}

// NewServer creates the HTTP server.
func NewServer(bank *patterns.Bank, coord *decision.Coordinator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8642, RateLimit: 50, RateBurst: 100}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		bank:    bank,
		coord:   coord,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.rateLimit)
	v1.POST("/observations", s.handleObserve)
	v1.POST("/observations/:id/decision", s.handleResolve)
	v1.DELETE("/observations/:id", s.handleCancel)
	v1.POST("/suggest", s.handleSuggest)
	v1.GET("/patterns", s.handlePatterns)
}

// rateLimit rejects API requests exceeding the configured rate.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limiter.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
