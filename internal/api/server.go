// Package api serves the status endpoints of a running load: liveness,
// readiness and the load counters.
package api

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arcload/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Server is the status HTTP server
type Server struct {
	app       *fiber.App
	logger    zerolog.Logger
	addr      string
	timeout   time.Duration
	startTime time.Time
	ready     atomic.Bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr            string // host:port; ":0" picks a free port
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":9180",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// NewServer creates the status server with its routes registered
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	s := &Server{
		logger:    logger.With().Str("component", "api-server").Logger(),
		addr:      config.Addr,
		timeout:   config.ShutdownTimeout,
		startTime: time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "arcload",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(s.logger),
	})
	app.Use(recover.New())

	app.Get("/health", s.healthHandler)
	app.Get("/ready", s.readyHandler)
	app.Get("/metrics", s.metricsHandler)

	s.app = app
	return s
}

// SetReady marks the load as started (or finished, with false)
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": uptime.Seconds(),
	})
}

func (s *Server) readyHandler(c *fiber.Ctx) error {
	if !s.ready.Load() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// metricsHandler returns metrics in Prometheus format, or JSON on request
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get("Accept") == "application/json" {
		return c.JSON(m.Snapshot())
	}
	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// Start listens in the background. Listen errors are returned synchronously.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
	return ln.Addr(), nil
}

// Close shuts the server down within the configured timeout
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Warn().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
