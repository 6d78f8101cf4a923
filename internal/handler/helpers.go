// Package handler implements the HTTP endpoints: query execution, schema
// discovery, and session issuance. Handlers translate between the JSON
// surface and the gateway pipeline; they hold no policy logic of their own.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pgguard/pgguard/internal/gateway"
)

// errorEnvelope is the JSON shape every failure response uses.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Resources  []string `json:"resources,omitempty"`
	RetryAfter int64    `json:"retry_after_seconds,omitempty"`
}

// writeJSON serializes v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers already sent
}

// writeGatewayError renders any error as the stable error envelope. Errors
// without a gateway code become INTERNAL_ERROR; their cause is never shown.
func writeGatewayError(w http.ResponseWriter, err error) {
	gerr := gateway.AsError(err)
	body := errorBody{
		Code:      string(gerr.Code),
		Message:   gerr.Message,
		Resources: gerr.Resources,
	}
	if gerr.Code == gateway.CodeRateLimited {
		secs := int64(gerr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, gerr.HTTPStatus(), errorEnvelope{Error: body})
}

// writeBadRequest is for malformed requests that never reach the pipeline.
func writeBadRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    string(gateway.CodeSyntaxError),
		Message: fmt.Sprintf(format, args...),
	}})
}

// readJSON decodes the request body into v and closes it.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
