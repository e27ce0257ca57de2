// Package identity resolves which user a local request acts for.
package identity

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
)

// UserHeaderName carries the user's email on requests from a renderer.
const UserHeaderName = "X-User-Email"

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Normalize trims userID and returns "" unless it is a plain email address.
func Normalize(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	addr, err := mail.ParseAddress(userID)
	if err != nil || addr.Address != userID {
		return ""
	}
	return userID
}

func userIDFromRequest(r *http.Request) string {
	id := r.Header.Get(UserHeaderName)
	if id == "" {
		id = r.URL.Query().Get("email")
	}
	return Normalize(id)
}

// Middleware injects the request's user, falling back to defaultUser. Requests
// carrying a malformed user are rejected.
func Middleware(defaultUser string) func(http.Handler) http.Handler {
	defaultUser = Normalize(defaultUser)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(UserHeaderName) + r.URL.Query().Get("email")
			userID := userIDFromRequest(r)
			if userID == "" && strings.TrimSpace(raw) != "" {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"invalid user"}`, http.StatusBadRequest)
				return
			}
			if userID == "" {
				userID = defaultUser
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
