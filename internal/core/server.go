// Package core provides the HTTP chassis for the relay: a chi router that
// accepts pushed notifications, exposes process metrics and reports health.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

// Verifier checks the authenticity of a notification envelope.
type Verifier interface {
	Verify(ctx context.Context, env *types.Envelope) error
}

// Receiver processes a verified notification envelope.
type Receiver interface {
	Receive(ctx context.Context, env *types.Envelope) error
}

// Server holds the dependencies of the HTTP endpoint.
type Server struct {
	Logger    *slog.Logger
	Verifier  Verifier
	Processor Receiver
	Metrics   metrics.Recorder

	// MetricsHandler serves GET /. Nil leaves the route unmounted.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// RequestTimeout bounds the handling of a single request. Zero takes
	// defaultRequestTimeout.
	RequestTimeout time.Duration

	router *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty router.
// The caller mounts routes with MountRoutes.
func NewServer(logger *slog.Logger, verifier Verifier, processor Receiver, rec metrics.Recorder) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier must not be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor must not be nil")
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &Server{
		Logger:    logger,
		Verifier:  verifier,
		Processor: processor,
		Metrics:   rec,
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully,
// waiting up to shutdownTimeout for in-flight notifications.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
