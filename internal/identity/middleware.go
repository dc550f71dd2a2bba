package identity

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// contextKeyUserID stores the resolved user id in request context.
const contextKeyUserID contextKey = "user_id"

// Config holds the API-key-to-user directory.
//
// This models the externally-provided "authenticated user identity"
// collaborator: callers present an API key, the directory resolves it to an
// internal user id. Session and login mechanics live outside this service.
type Config struct {
	// Keys maps API key to internal user id.
	Keys map[string]string

	// Enabled controls whether identity resolution is active. When disabled,
	// requests carry no identity and user-scoped endpoints reject them.
	Enabled bool
}

// Middleware resolves the X-API-Key header to a user id and stores it in the
// request context. Unknown or missing keys leave the request anonymous;
// user-scoped handlers enforce the requirement themselves.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || len(cfg.Keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := cfg.Keys[apiKey]
			if !ok {
				// Unknown keys are anonymous, not an error; the handler
				// decides whether identity is required.
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the resolved user id from request context.
// The second return value is false for anonymous requests.
func UserID(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(contextKeyUserID).(string)
	return userID, ok && userID != ""
}

// WithUserID returns a context carrying a resolved user id. Test helper and
// embedding hook for callers that authenticate by other means.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}
