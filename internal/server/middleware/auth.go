package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pgguard/pgguard/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type      string // "api_key" or "session"
	KeyID     int64
	Label     string
	KeyPrefix string
	SessionID string
}

// Authenticate returns an HTTP middleware that validates the request's
// credentials. It supports two methods:
//
//  1. API key via the configured header (X-API-Key by default)
//  2. JWT session token via the Authorization: Bearer header
//
// On success, a Principal is attached to the request context. On failure,
// a 401 JSON error response is returned.
func Authenticate(authSvc *service.AuthService, apiKeyHeader string) func(http.Handler) http.Handler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *Principal

			if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
				p, err := authSvc.ValidateAPIKey(r.Context(), apiKey)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				principal = &Principal{
					Type:      "api_key",
					KeyID:     p.KeyID,
					Label:     p.Label,
					KeyPrefix: p.KeyPrefix,
				}
			}

			if principal == nil {
				if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
					token := strings.TrimPrefix(authHeader, "Bearer ")
					p, err := authSvc.ValidateSessionToken(token)
					if err != nil {
						writeAuthError(w, http.StatusUnauthorized, "invalid or expired session token")
						return
					}
					principal = &Principal{
						Type:      "session",
						Label:     p.KeyLabel,
						SessionID: p.SessionID,
					}
				}
			}

			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized,
					"authentication required: provide an API key header or a Bearer session token")
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil for an unauthenticated request.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually constructed JSON to avoid a dependency on the handler package.
	w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"` + message + `"}}`)) //nolint:errcheck
}
