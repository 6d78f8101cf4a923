package handler

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/ratelimit"
	"github.com/pgguard/pgguard/internal/server/middleware"
)

// QueryHandler executes LLM-generated SQL through the gateway pipeline.
type QueryHandler struct {
	exec    *gateway.Executor
	limiter *ratelimit.Limiter
}

func NewQueryHandler(exec *gateway.Executor, limiter *ratelimit.Limiter) *QueryHandler {
	return &QueryHandler{exec: exec, limiter: limiter}
}

type queryRequest struct {
	Database string `json:"database"`
	SQL      string `json:"sql"`
	// Question is the natural-language prompt that produced the SQL; it is
	// stored in the audit record for later review, never executed.
	Question string `json:"question,omitempty"`
	MaxRows  int    `json:"max_rows,omitempty"`
}

type queryResponse struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated"`
	RequestID string          `json:"request_id,omitempty"`
}

// Execute handles POST /v1/query.
func (h *QueryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Database == "" || req.SQL == "" {
		writeBadRequest(w, "both 'database' and 'sql' are required")
		return
	}

	principal := middleware.GetPrincipal(r.Context())
	ip := remoteIP(r)

	var sessionID string
	if principal != nil {
		sessionID = principal.SessionID
	}

	// Admission before any work happens; a denied request still consumed
	// its slot in the windows it passed.
	if res := h.limiter.CheckRequest(ip, sessionID); !res.Allowed {
		writeGatewayError(w, gateway.RateLimitError(res))
		return
	}

	client := model.ClientInfo{IP: ip, UserAgent: r.UserAgent()}
	if principal != nil {
		client.KeyPrefix = principal.KeyPrefix
	}

	result, err := h.exec.Execute(r.Context(), gateway.Request{
		Database:  req.Database,
		SQL:       req.SQL,
		Question:  req.Question,
		RequestID: middleware.GetRequestID(r.Context()),
		SessionID: sessionID,
		Client:    client,
		MaxRows:   req.MaxRows,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	resp := queryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
		RequestID: middleware.GetRequestID(r.Context()),
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	// Retrospective token accounting: roughly four bytes per token of
	// response payload headed back into the model's context window.
	h.limiter.RecordTokens(int64(len(body) / 4))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

// remoteIP strips the port from RemoteAddr. The RealIP middleware has
// already substituted proxy headers where applicable.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
