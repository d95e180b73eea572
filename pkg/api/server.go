package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/xdplb/pkg/control"
)

// Config configures the API server.
type Config struct {
	Addr    string
	Auth    *AuthConfig // nil = no authentication
	Service *control.Service
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	svc        *control.Service
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{svc: cfg.Service}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s.svc))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/backends", s.listBackendsHandler)
	mux.HandleFunc("GET /api/v1/backends/{port}", s.getBackendsHandler)
	mux.HandleFunc("GET /api/v1/backends/{port}/simulate", s.simulateHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)

	// Mutations
	mux.HandleFunc("PUT /api/v1/backends/{port}", s.setBackendsHandler)
	mux.HandleFunc("DELETE /api/v1/backends/{port}", s.deleteBackendsHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
// Request contexts derive from ctx, so long-lived streams end when it is
// cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP API shutdown timed out, closing connections", "err", err)
		return s.httpServer.Close()
	}
	return nil
}
