package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sesrelay/internal/types"
)

// defaultRequestTimeout bounds a notification request. SNS gives up on an
// HTTP endpoint after 15 seconds, so a delivery still running past this is
// retried anyway.
const defaultRequestTimeout = 60 * time.Second

const requestIDHeader = "X-Request-Id"

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// MountRoutes registers the middleware chain and the relay's routes.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Post("/", s.HandleNotification)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/", s.MetricsHandler)
	}
	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in order:
//  1. Recoverer      - outermost, catches panics from everything below.
//  2. ContextTimeout - bounds the request.
//  3. RequestID      - correlation ID for logs.
//  4. RequestLogger  - structured access log.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
}

func (s *Server) requestTimeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses the incoming X-Request-Id or generates a UUID,
// stores it in the context and echoes it in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
