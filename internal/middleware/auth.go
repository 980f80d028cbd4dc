package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"
)

type contextKey string

const clientIDKey contextKey = "client_id"

// DefaultClientID labels requests authenticated with the configured API key.
const DefaultClientID = "default"

// ClientIDFromContext returns the authenticated client ID, or "".
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientID injects a client ID (used by tests).
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// APIKeyAuth rejects requests without a valid X-API-Key header and stores the
// client identity in the request context.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"error":     "unauthorized",
					"detail":    "missing or invalid API key",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				return
			}
			ctx := WithClientID(r.Context(), DefaultClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MaxBody caps request body size; oversized payloads surface as 413 from the
// handlers' read paths.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
