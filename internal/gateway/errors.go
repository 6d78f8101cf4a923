// Package gateway runs validated queries through the execution pipeline:
// policy authorization, planner cost gating, read-only execution, and
// audit logging. It is also the single place where failures from every
// layer are translated into the gateway's stable error taxonomy.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pgguard/pgguard/internal/model"
)

// Code is a stable, machine-readable failure class. Codes are part of the
// API surface; clients and the LLM on the other side branch on them, so
// they never change meaning.
type Code string

const (
	CodeSyntaxError        Code = "SYNTAX_ERROR"
	CodeUnsafeSQL          Code = "UNSAFE_SQL"
	CodeSchemaDenied       Code = "SCHEMA_ACCESS_DENIED"
	CodeTableDenied        Code = "TABLE_ACCESS_DENIED"
	CodeColumnDenied       Code = "COLUMN_ACCESS_DENIED"
	CodeQueryTooExpensive  Code = "QUERY_TOO_EXPENSIVE"
	CodeQueryTimeout       Code = "QUERY_TIMEOUT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeConnectionFailure  Code = "CONNECTION_FAILURE"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Error is the typed failure every gateway operation returns. The message
// is written for the caller that generated the SQL, so it names the
// offending resources concretely enough to self-correct.
type Error struct {
	Code      Code     `json:"code"`
	Message   string   `json:"message"`
	Resources []string `json:"resources,omitempty"`

	// Rate-limit context, set only for CodeRateLimited.
	Window     model.RateLimitWindow `json:"window,omitempty"`
	RetryAfter time.Duration         `json:"retry_after,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a gateway error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause while keeping the stable code and message.
func WrapError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsError coerces any error into a gateway error. Errors that already
// carry a code pass through; everything else becomes an internal error,
// so no raw driver or library error ever reaches a client.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &Error{Code: CodeInternalError, Message: "internal error", cause: err}
}

// HTTPStatus maps the error class to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeSyntaxError, CodeUnsafeSQL:
		return http.StatusBadRequest
	case CodeSchemaDenied, CodeTableDenied, CodeColumnDenied, CodeQueryTooExpensive:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeQueryTimeout:
		return http.StatusGatewayTimeout
	case CodeConnectionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RateLimitError builds the typed error for a rejected admission.
func RateLimitError(res model.RateLimitResult) *Error {
	return &Error{
		Code: CodeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded for window %s; retry in %s",
			res.Window, res.RetryAfter.Round(time.Second)),
		Window:     res.Window,
		RetryAfter: res.RetryAfter,
	}
}
