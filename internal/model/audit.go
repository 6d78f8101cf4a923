package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AuditEventType classifies what kind of attempt an audit record describes.
type AuditEventType string

const (
	AuditQueryExecuted AuditEventType = "query_executed"
	AuditQueryDenied   AuditEventType = "query_denied"
	AuditQueryFailed   AuditEventType = "query_failed"
)

// CheckOutcome records how a single gate in the pipeline resolved.
type CheckOutcome string

const (
	CheckPassed  CheckOutcome = "passed"
	CheckDenied  CheckOutcome = "denied"
	CheckSkipped CheckOutcome = "skipped"
)

// ClientInfo identifies the caller of a gateway request.
type ClientInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// QueryInfo carries the originating question and the candidate SQL. The
// hash allows correlating records even when raw SQL storage is disabled.
type QueryInfo struct {
	Question string `json:"question,omitempty"`
	SQL      string `json:"sql,omitempty"`
	SQLHash  string `json:"sql_hash"`
}

// ResultInfo summarizes how the execution ended.
type ResultInfo struct {
	Status          string `json:"status"`
	RowsReturned    int    `json:"rows_returned"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Truncated       bool   `json:"truncated"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// CheckInfo records the outcome of each gate in the execution pipeline.
type CheckInfo struct {
	TableAccess  CheckOutcome `json:"table_access"`
	ColumnAccess CheckOutcome `json:"column_access"`
	ExplainCheck CheckOutcome `json:"explain_check"`
}

// AuditEvent is one append-only record of a query attempt. Events are
// immutable once built; construct them fully before handing them to the
// audit logger.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Database  string         `json:"database"`
	Client    ClientInfo     `json:"client"`
	Query     QueryInfo      `json:"query"`
	Result    ResultInfo     `json:"result"`
	Checks    CheckInfo      `json:"checks"`
}

// HashSQL returns the canonical audit hash for a SQL string, in the form
// "sha256:<hex>".
func HashSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return "sha256:" + hex.EncodeToString(sum[:])
}
