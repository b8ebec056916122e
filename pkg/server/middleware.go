package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/quiverhq/quiver/pkg/store"
)

type contextKey string

const userContextKey contextKey = "user"

// authMiddleware resolves the caller from the identity headers set by the
// auth proxy in front of this service, creating the user row on first sight.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalID := r.Header.Get("X-User-ID")
		if externalID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}

		user, err := s.store.UpsertUser(r.Context(), externalID, r.Header.Get("X-User-Email"))
		if err != nil {
			slog.Error("Failed to resolve user", "external_id", externalID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve user")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser returns the authenticated user placed by authMiddleware.
func currentUser(r *http.Request) *store.User {
	user, _ := r.Context().Value(userContextKey).(*store.User)
	return user
}

// bodyLimitMiddleware caps request bodies; oversized reads fail inside the
// handler's decode with a 400.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSizeBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. The ResponseWriter is deliberately not
// wrapped: wrapping breaks http.Flusher for the SSE chat endpoint.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
