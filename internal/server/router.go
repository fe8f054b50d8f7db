// Package server assembles the threatlink HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/common/middleware"
	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/handlers"
)

// Routes lists what the router mounts.
type Routes struct {
	API      *handlers.Handler
	Health   *handlers.Health
	Webhooks []*handlers.WebhookHandler
	// WebhookPaths is parallel to Webhooks.
	WebhookPaths []string
}

// NewRouter constructs a ServeMux with webhook, API, health and metrics
// routes behind request-id, recovery and access-log middleware.
func NewRouter(routes Routes, logger *slog.Logger) (http.Handler, error) {
	if len(routes.Webhooks) != len(routes.WebhookPaths) {
		return nil, errors.New("server: webhook handlers and paths differ in length")
	}
	mux := http.NewServeMux()

	seen := make(map[string]bool, len(routes.WebhookPaths))
	for i, path := range routes.WebhookPaths {
		if seen[path] {
			return nil, fmt.Errorf("server: duplicate webhook path %q", path)
		}
		seen[path] = true
		mux.Handle(path, routes.Webhooks[i])
	}

	if routes.API != nil {
		routes.API.Register(mux)
	}
	if routes.Health != nil {
		mux.HandleFunc("GET /healthz", routes.Health.Live)
		mux.HandleFunc("GET /readyz", routes.Health.Ready)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	logger = logging.OrDiscard(logger)
	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Recover(logger),
		middleware.AccessLog(logger),
	), nil
}

// Server wraps http.Server with the configured timeouts.
type Server struct {
	srv    *http.Server
	cfg    config.ServerConfig
	logger *slog.Logger
}

func New(cfg config.ServerConfig, h http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With(logging.Component("http")),
	}
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server listening", slog.String("addr", l.Addr().String()))
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured port.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(l)
}

// Shutdown drains in-flight requests, bounded by the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
