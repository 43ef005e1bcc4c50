package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsReadTimeout       = 10 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 120 * time.Second
)

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		ReadTimeout:       metricsReadTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
}

// Server exposes /metrics, /health, /healthz and /readyz.
type Server struct {
	mux    *http.ServeMux
	health *HealthChecker
}

// NewServer creates the observability endpoints for collector.
func NewServer(collector *Collector, version string) *Server {
	if collector == nil {
		collector = Global()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		health: NewHealthChecker(collector, version),
	}
	s.mux.Handle("/metrics", collector.Handler())
	s.mux.Handle("/health", s.health.Handler())
	s.mux.Handle("/healthz", s.health.LivenessHandler())
	s.mux.Handle("/readyz", s.health.ReadinessHandler())
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.mux }

// Health returns the server's health checker.
func (s *Server) Health() *HealthChecker { return s.health }

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := newHTTPServer(addr, s.mux)
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
