package handler

import (
	"net/http"
	"time"

	"github.com/pgguard/pgguard/internal/service"
)

// SessionHandler exchanges API keys for short-lived session tokens. A
// session groups the queries of one agent conversation under one ID for
// rate limiting and audit correlation.
type SessionHandler struct {
	auth         *service.AuthService
	apiKeyHeader string
}

func NewSessionHandler(auth *service.AuthService, apiKeyHeader string) *SessionHandler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &SessionHandler{auth: auth, apiKeyHeader: apiKeyHeader}
}

type sessionResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Create handles POST /v1/auth/session. The raw API key authenticates the
// exchange; the resulting JWT is what clients should carry afterwards.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get(h.apiKeyHeader)
	if rawKey == "" {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: errorBody{
			Code:    "UNAUTHORIZED",
			Message: "provide an API key in the " + h.apiKeyHeader + " header",
		}})
		return
	}

	principal, err := h.auth.ValidateAPIKey(r.Context(), rawKey)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: errorBody{
			Code:    "UNAUTHORIZED",
			Message: "invalid API key",
		}})
		return
	}

	token, sessionID, err := h.auth.IssueSessionToken(principal)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Code:    "INTERNAL_ERROR",
			Message: "could not issue session token",
		}})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		SessionID: sessionID,
		IssuedAt:  time.Now().UTC(),
	})
}
