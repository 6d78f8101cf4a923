package handler

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pgguard/pgguard/internal/drift"
	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
)

// SchemaHandler exposes schema discovery endpoints. Everything it returns
// is filtered through the database's policy first: denied tables vanish
// from listings and denied columns vanish from table descriptions, so the
// SQL generator never learns about resources it cannot query.
type SchemaHandler struct {
	exec *gateway.Executor
}

func NewSchemaHandler(exec *gateway.Executor) *SchemaHandler {
	return &SchemaHandler{exec: exec}
}

type databaseEntry struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
}

// ListDatabases handles GET /v1/databases.
func (h *SchemaHandler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	names := h.exec.Databases()
	sort.Strings(names)

	entries := make([]databaseEntry, 0, len(names))
	for _, name := range names {
		t := h.exec.Target(name)
		entries = append(entries, databaseEntry{Name: name, Schema: t.SchemaName})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"databases": entries})
}

type tableView struct {
	Name    string             `json:"name"`
	Comment string             `json:"comment,omitempty"`
	Columns []model.ColumnInfo `json:"columns"`
	Indexes []model.IndexInfo  `json:"indexes,omitempty"`
}

type schemaView struct {
	Database string           `json:"database"`
	Schema   string           `json:"schema"`
	CachedAt interface{}      `json:"cached_at"`
	Tables   []tableView      `json:"tables"`
	Views    []tableView      `json:"views"`
	Enums    []model.EnumType `json:"enum_types,omitempty"`
}

// GetSchema handles GET /v1/databases/{database}/schema.
func (h *SchemaHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")
	target := h.exec.Target(database)
	if target == nil {
		writeGatewayError(w, gateway.NewError(gateway.CodeConnectionFailure,
			"database %q is not configured", database))
		return
	}

	snap, err := h.exec.Schema(r.Context(), database)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	view := schemaView{
		Database: database,
		Schema:   target.SchemaName,
		CachedAt: snap.CachedAt,
		Tables:   filterTables(target, snap, snap.Tables),
		Views:    filterTables(target, snap, snap.Views),
		Enums:    snap.EnumTypes,
	}
	writeJSON(w, http.StatusOK, view)
}

// DescribeTable handles GET /v1/databases/{database}/schema/{table}.
func (h *SchemaHandler) DescribeTable(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")
	tableName := chi.URLParam(r, "table")

	target := h.exec.Target(database)
	if target == nil {
		writeGatewayError(w, gateway.NewError(gateway.CodeConnectionFailure,
			"database %q is not configured", database))
		return
	}

	snap, err := h.exec.Schema(r.Context(), database)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	if res := target.Policy.ValidateTables([]string{tableName}); !res.Passed {
		gerr := gateway.NewError(gateway.CodeTableDenied, "table %q is not accessible", tableName)
		gerr.Resources = []string{tableName}
		writeGatewayError(w, gerr)
		return
	}

	table := snap.FindTable(tableName)
	if table == nil {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: errorBody{
			Code:    "NOT_FOUND",
			Message: "table " + tableName + " does not exist",
		}})
		return
	}

	writeJSON(w, http.StatusOK, makeTableView(target, snap, table))
}

// RefreshSchema handles POST /v1/databases/{database}/schema/refresh. The
// response carries a drift report comparing the old snapshot against the
// fresh one, so callers learn when the database changed underneath them.
func (h *SchemaHandler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")
	if h.exec.Target(database) == nil {
		writeGatewayError(w, gateway.NewError(gateway.CodeConnectionFailure,
			"database %q is not configured", database))
		return
	}

	// The cached snapshot, if any, becomes the drift baseline.
	previous, _ := h.exec.Schema(r.Context(), database)

	h.exec.InvalidateSchema(database)
	snap, err := h.exec.Schema(r.Context(), database)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	report := drift.DiffSchemas(database, previous, snap)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"database":  database,
		"tables":    len(snap.Tables),
		"views":     len(snap.Views),
		"cached_at": snap.CachedAt,
		"drift":     report,
	})
}

// filterTables keeps only tables the policy allows, each reduced to its
// safe columns.
func filterTables(target *gateway.Target, snap *model.DatabaseSchema, tables []model.TableInfo) []tableView {
	out := make([]tableView, 0, len(tables))
	for i := range tables {
		t := &tables[i]
		if res := target.Policy.ValidateTables([]string{t.Name}); !res.Passed {
			continue
		}
		out = append(out, makeTableView(target, snap, t))
	}
	return out
}

// makeTableView reduces a table to its policy-visible shape.
func makeTableView(target *gateway.Target, snap *model.DatabaseSchema, t *model.TableInfo) tableView {
	safe := target.Policy.GetSafeColumns(t.Name, snap)
	allowed := make(map[string]bool, len(safe))
	for _, name := range safe {
		allowed[name] = true
	}

	cols := make([]model.ColumnInfo, 0, len(t.Columns))
	for _, c := range t.Columns {
		if allowed[c.Name] {
			cols = append(cols, c)
		}
	}
	return tableView{
		Name:    t.Name,
		Comment: t.Comment,
		Columns: cols,
		Indexes: t.Indexes,
	}
}
