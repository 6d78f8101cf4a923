// Package model defines the shared data types that flow between the
// gateway's validation, policy, caching, and audit layers.
package model

// ColumnRef is a single column reference extracted from a query. Table is
// empty when the reference was unqualified and could not be resolved to a
// FROM-list table.
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// ParsedQuery is the structural summary of a SQL statement used by the
// policy engine. Table names are lower-cased and unqualified; aliases have
// already been resolved back to real table names.
type ParsedQuery struct {
	SQL        string      `json:"sql"`
	Schemas    []string    `json:"schemas"`
	Tables     []string    `json:"tables"`
	Columns    []ColumnRef `json:"columns"`
	HasStar    bool        `json:"has_select_star"`
	StarTables []string    `json:"star_tables"`
	IsReadOnly bool        `json:"is_readonly"`
	Error      string      `json:"error,omitempty"`
}

// ValidationResult is the outcome of static SQL safety validation.
// IsValid reports whether the input parsed at all; IsSafe reports whether
// it passed every safety rule. An unparsable input is invalid and unsafe.
type ValidationResult struct {
	IsValid      bool     `json:"is_valid"`
	IsSafe       bool     `json:"is_safe"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// QueryResult holds the rows returned by a successfully executed query.
// Truncated is true when the row set was cut down to the caller's limit.
type QueryResult struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated"`
}

// ExplainResult holds the planner estimates extracted from EXPLAIN output.
type ExplainResult struct {
	Passed        bool    `json:"passed"`
	EstimatedRows float64 `json:"estimated_rows"`
	TotalCost     float64 `json:"total_cost"`
}
