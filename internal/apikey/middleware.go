// Package apikey gates the admin HTTP surface behind static API keys.
package apikey

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// contextKeyRole stores the authenticated key's role label.
const contextKeyRole contextKey = "api_key_role"

// Config holds admin API key configuration.
type Config struct {
	// Keys maps an API key to the role label that shows up in audit
	// logs, for example {"k-9f2...": "ops"}.
	Keys map[string]string

	// Enabled controls whether the admin surface accepts requests at
	// all. Disabled means every request is answered 404, so deployments
	// without an admin_api block expose nothing.
	Enabled bool
}

// Middleware rejects any request that does not carry a configured
// X-API-Key. There is no anonymous tier on the admin surface.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || len(cfg.Keys) == 0 {
				http.NotFound(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get("X-API-Key"))
			role, ok := cfg.Keys[key]
			if key == "" || !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid or missing API key"}`))
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Role extracts the authenticated key's role label from the request
// context. Empty means the request never passed the middleware.
func Role(r *http.Request) string {
	if role, ok := r.Context().Value(contextKeyRole).(string); ok {
		return role
	}
	return ""
}
