// Package policy authorizes parsed queries against per-database access
// rules: which schemas may be touched, which tables, and which columns.
// Checks report every violation rather than stopping at the first, so a
// single audit event can carry the complete picture.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/sqlguard"
)

// Engine evaluates one database's PolicyConfig. It is stateless and safe
// for concurrent use; construct one per configured database at startup.
type Engine struct {
	cfg model.PolicyConfig

	allowedSchemas map[string]bool
	allowedTables  map[string]bool
	deniedTables   map[string]bool
	deniedColumns  map[string]bool
}

// New builds an Engine from a policy config. Names are matched
// case-insensitively throughout, so everything is lower-cased once here.
func New(cfg model.PolicyConfig) *Engine {
	e := &Engine{
		cfg:            cfg,
		allowedSchemas: lowerSet(cfg.AllowedSchemas),
		allowedTables:  lowerSet(cfg.AllowedTables),
		deniedTables:   lowerSet(cfg.DeniedTables),
		deniedColumns:  lowerSet(cfg.DeniedColumns),
	}
	if len(e.allowedSchemas) == 0 {
		e.allowedSchemas = map[string]bool{"public": true}
	}
	return e
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}

// ValidateSchema checks every referenced schema against the allow-list.
func (e *Engine) ValidateSchema(schemas []string) model.PolicyValidationResult {
	res := model.PolicyValidationResult{Passed: true}
	for _, s := range schemas {
		name := strings.ToLower(s)
		if !e.allowedSchemas[name] {
			res.Passed = false
			res.Violations = append(res.Violations, model.PolicyViolation{
				CheckType: model.CheckSchema,
				Resource:  name,
				Reason:    fmt.Sprintf("schema %q is not in the allowed list", name),
			})
		}
	}
	return res
}

// ValidateTables checks every referenced table. With a non-empty
// allow-list the deny-list is ignored; otherwise any table is permitted
// unless denied.
func (e *Engine) ValidateTables(tables []string) model.PolicyValidationResult {
	res := model.PolicyValidationResult{Passed: true}
	for _, t := range tables {
		name := strings.ToLower(t)
		var denied bool
		var reason string
		if len(e.allowedTables) > 0 {
			denied = !e.allowedTables[name]
			reason = fmt.Sprintf("table %q is not in the allowed list", name)
		} else {
			denied = e.deniedTables[name]
			reason = fmt.Sprintf("table %q is denied by policy", name)
		}
		if denied {
			res.Passed = false
			res.Violations = append(res.Violations, model.PolicyViolation{
				CheckType: model.CheckTable,
				Resource:  name,
				Reason:    reason,
			})
		}
	}
	return res
}

// columnDenied reports whether table.column is denied, by exact match or
// by glob pattern. Both inputs must already be lower-cased.
func (e *Engine) columnDenied(qualified string) bool {
	if e.deniedColumns[qualified] {
		return true
	}
	for _, pattern := range e.cfg.DeniedColumnGlobs {
		if ok, err := path.Match(strings.ToLower(pattern), qualified); err == nil && ok {
			return true
		}
	}
	return false
}

// ValidateColumns checks explicit column references and star projections.
// An unattributed column (Table empty) is checked against every referenced
// table, since it must belong to one of them. Under the reject star policy
// a star over a table with any denied column denies the whole query.
func (e *Engine) ValidateColumns(pq *model.ParsedQuery, schema *model.DatabaseSchema) model.PolicyValidationResult {
	res := model.PolicyValidationResult{Passed: true}

	deny := func(resource, reason string) {
		res.Passed = false
		res.Violations = append(res.Violations, model.PolicyViolation{
			CheckType: model.CheckColumn,
			Resource:  resource,
			Reason:    reason,
		})
	}

	for _, col := range pq.Columns {
		column := strings.ToLower(col.Column)
		if col.Table != "" {
			qualified := strings.ToLower(col.Table) + "." + column
			if e.columnDenied(qualified) {
				deny(qualified, fmt.Sprintf("column %q is denied by policy", qualified))
			}
			continue
		}
		for _, tbl := range pq.Tables {
			qualified := strings.ToLower(tbl) + "." + column
			if e.columnDenied(qualified) {
				deny(qualified, fmt.Sprintf("column %q is denied by policy", qualified))
			}
		}
	}

	if pq.HasStar && e.starPolicy() == model.SelectStarReject {
		for _, tbl := range pq.StarTables {
			exposed := e.deniedColumnsOf(tbl, schema)
			if len(exposed) > 0 {
				deny(tbl+".*",
					fmt.Sprintf("SELECT * on table %q would expose denied columns: %s",
						tbl, strings.Join(exposed, ", ")))
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("use an explicit column list for %q instead of *", tbl))
			}
		}
	}

	return res
}

func (e *Engine) starPolicy() model.SelectStarPolicy {
	if e.cfg.SelectStar == "" {
		return model.SelectStarReject
	}
	return e.cfg.SelectStar
}

// deniedColumnsOf lists the denied columns a star expansion of the table
// would expose. Without schema metadata only the exact deny-list can be
// consulted; glob patterns need real column names to match against.
func (e *Engine) deniedColumnsOf(table string, schema *model.DatabaseSchema) []string {
	table = strings.ToLower(table)
	var out []string

	if schema != nil {
		if ti := schema.FindTable(table); ti != nil {
			for _, col := range ti.ColumnNames() {
				if e.columnDenied(table + "." + strings.ToLower(col)) {
					out = append(out, strings.ToLower(col))
				}
			}
			return out
		}
	}

	prefix := table + "."
	for qualified := range e.deniedColumns {
		if strings.HasPrefix(qualified, prefix) {
			out = append(out, strings.TrimPrefix(qualified, prefix))
		}
	}
	return out
}

// GetSafeColumns returns the table's columns with denied ones filtered
// out, for rewriting a star projection into an explicit list.
func (e *Engine) GetSafeColumns(table string, schema *model.DatabaseSchema) []string {
	table = strings.ToLower(table)
	if schema == nil {
		return nil
	}
	ti := schema.FindTable(table)
	if ti == nil {
		return nil
	}
	var out []string
	for _, col := range ti.ColumnNames() {
		if !e.columnDenied(table + "." + strings.ToLower(col)) {
			out = append(out, col)
		}
	}
	return out
}

// ValidateSQL parses the query and runs all three policy dimensions,
// merging their violations. It never short-circuits: a query denied on
// schema grounds still reports its table and column violations.
func (e *Engine) ValidateSQL(sql string, schema *model.DatabaseSchema) model.PolicyValidationResult {
	pq := sqlguard.ParseForPolicy(sql)
	if pq.Error != "" {
		return model.PolicyValidationResult{
			Violations: []model.PolicyViolation{{
				CheckType: model.CheckTable,
				Resource:  "",
				Reason:    fmt.Sprintf("query could not be analyzed: %s", pq.Error),
			}},
		}
	}
	return e.ValidateParsed(&pq, schema)
}

// ValidateParsed is ValidateSQL for a query that is already parsed.
func (e *Engine) ValidateParsed(pq *model.ParsedQuery, schema *model.DatabaseSchema) model.PolicyValidationResult {
	merged := model.PolicyValidationResult{Passed: true}
	for _, part := range []model.PolicyValidationResult{
		e.ValidateSchema(pq.Schemas),
		e.ValidateTables(pq.Tables),
		e.ValidateColumns(pq, schema),
	} {
		if !part.Passed {
			merged.Passed = false
		}
		merged.Violations = append(merged.Violations, part.Violations...)
		merged.Warnings = append(merged.Warnings, part.Warnings...)
	}
	return merged
}
