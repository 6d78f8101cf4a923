package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
)

// registerTools registers the gateway's MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("pgguard_list_databases",
			mcp.WithDescription(
				"List all databases configured behind the gateway. Returns each "+
					"database's name and schema. Use this first to discover what is "+
					"available before exploring tables or writing SQL.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListDatabases,
	)

	srv.AddTool(
		mcp.NewTool("pgguard_list_tables",
			mcp.WithDescription(
				"List the tables and views visible in a database, with a column "+
					"summary for each. Tables the access policy denies are omitted, "+
					"so everything returned here is queryable.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("database",
				mcp.Required(),
				mcp.Description("Name of the database to list tables for"),
			),
		),
		s.handleListTables,
	)

	srv.AddTool(
		mcp.NewTool("pgguard_describe_table",
			mcp.WithDescription(
				"Get the detailed schema for a specific table: columns with types, "+
					"nullability, primary and foreign keys, and indexes. Columns the "+
					"access policy denies are omitted. Use this to understand table "+
					"structure before writing SQL.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("database",
				mcp.Required(),
				mcp.Description("Name of the database"),
			),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Name of the table to describe"),
			),
		),
		s.handleDescribeTable,
	)

	// ----- Query tool -----

	srv.AddTool(
		mcp.NewTool("pgguard_query",
			mcp.WithDescription(
				"Execute a read-only SELECT statement against a database. The SQL "+
					"is validated before execution: only single SELECT statements are "+
					"allowed, denied tables and columns are rejected, results are "+
					"row-capped, and the whole query runs inside a READ ONLY "+
					"transaction with a statement timeout.\n\n"+
					"On rejection the error names the offending resources so the "+
					"query can be rewritten. Use pgguard_list_tables and "+
					"pgguard_describe_table to learn the visible schema first.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("database",
				mcp.Required(),
				mcp.Description("Name of the database to query"),
			),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("A single SELECT statement (no semicolon-separated batches)"),
			),
			mcp.WithString("question",
				mcp.Description("The natural-language question this SQL answers; recorded in the audit log"),
			),
			mcp.WithNumber("max_rows",
				mcp.Description("Tighten the row cap for this query (cannot exceed the configured maximum)"),
			),
		),
		s.handleQuery,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// handleListDatabases returns all configured databases.
func (s *MCPServer) handleListDatabases(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	names := s.exec.Databases()
	sort.Strings(names)

	type databaseInfo struct {
		Name   string `json:"name"`
		Schema string `json:"schema"`
	}

	items := make([]databaseInfo, 0, len(names))
	for _, name := range names {
		t := s.exec.Target(name)
		items = append(items, databaseInfo{Name: name, Schema: t.SchemaName})
	}

	return successJSON(items)
}

// handleListTables returns the policy-visible tables of one database with
// column summaries.
func (s *MCPServer) handleListTables(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	database, err := requireString(request, "database")
	if err != nil {
		return toolError("%v. Available databases: %s", err, s.databaseNames())
	}

	target := s.exec.Target(database)
	if target == nil {
		return toolError("Database %q not found. Available databases: %s",
			database, s.databaseNames())
	}

	snap, err := s.exec.Schema(ctx, database)
	if err != nil {
		return gatewayError(err)
	}

	type columnSummary struct {
		Name string `json:"name"`
		Type string `json:"type"`
		PK   bool   `json:"pk,omitempty"`
	}

	type tableInfo struct {
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Columns []columnSummary `json:"columns"`
	}

	summarize := func(t *model.TableInfo, kind string) tableInfo {
		cols := visibleColumns(target, snap, t)
		summaries := make([]columnSummary, len(cols))
		for i, c := range cols {
			summaries[i] = columnSummary{Name: c.Name, Type: c.DataType, PK: c.IsPrimaryKey}
		}
		return tableInfo{Name: t.Name, Type: kind, Columns: summaries}
	}

	tables := make([]tableInfo, 0, len(snap.Tables)+len(snap.Views))
	for i := range snap.Tables {
		t := &snap.Tables[i]
		if res := target.Policy.ValidateTables([]string{t.Name}); !res.Passed {
			continue
		}
		tables = append(tables, summarize(t, "table"))
	}
	for i := range snap.Views {
		v := &snap.Views[i]
		if res := target.Policy.ValidateTables([]string{v.Name}); !res.Passed {
			continue
		}
		tables = append(tables, summarize(v, "view"))
	}

	return successJSON(tables)
}

// handleDescribeTable returns the policy-visible shape of one table.
func (s *MCPServer) handleDescribeTable(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	database, err := requireString(request, "database")
	if err != nil {
		return toolError("%v. Available databases: %s", err, s.databaseNames())
	}
	tableName, err := requireString(request, "table")
	if err != nil {
		return toolError("%v", err)
	}

	target := s.exec.Target(database)
	if target == nil {
		return toolError("Database %q not found. Available databases: %s",
			database, s.databaseNames())
	}

	snap, err := s.exec.Schema(ctx, database)
	if err != nil {
		return gatewayError(err)
	}

	if res := target.Policy.ValidateTables([]string{tableName}); !res.Passed {
		return toolError("Table %q is not accessible under the current access policy. "+
			"Use pgguard_list_tables to see what is queryable.", tableName)
	}

	table := snap.FindTable(tableName)
	if table == nil {
		// Name the visible tables to help the caller self-correct.
		return toolError("Table %q not found in database %q.\n\nAvailable tables: %v",
			tableName, database, visibleTableNames(target, snap))
	}

	type tableDetail struct {
		Name    string             `json:"name"`
		Comment string             `json:"comment,omitempty"`
		Columns []model.ColumnInfo `json:"columns"`
		Indexes []model.IndexInfo  `json:"indexes,omitempty"`
	}

	return successJSON(tableDetail{
		Name:    table.Name,
		Comment: table.Comment,
		Columns: visibleColumns(target, snap, table),
		Indexes: table.Indexes,
	})
}

// handleQuery runs one SELECT through the executor pipeline.
func (s *MCPServer) handleQuery(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	database, err := requireString(request, "database")
	if err != nil {
		return toolError("%v. Available databases: %s", err, s.databaseNames())
	}
	sqlStr, err := requireString(request, "sql")
	if err != nil {
		return toolError("%v", err)
	}

	question := optionalString(request, "question")
	maxRows := optionalInt(request, "max_rows", 0)
	if maxRows < 0 {
		maxRows = 0
	}

	if s.limiter != nil {
		if res := s.limiter.CheckRequest("local", s.sessionID); !res.Allowed {
			return gatewayError(gateway.RateLimitError(res))
		}
	}

	result, err := s.exec.Execute(ctx, gateway.Request{
		Database:  database,
		SQL:       sqlStr,
		Question:  question,
		RequestID: uuid.Must(uuid.NewV7()).String(),
		SessionID: s.sessionID,
		Client:    model.ClientInfo{IP: "local", UserAgent: "mcp"},
		MaxRows:   maxRows,
	})
	if err != nil {
		return gatewayError(err)
	}

	payload := map[string]interface{}{
		"columns":   result.Columns,
		"rows":      result.Rows,
		"row_count": result.RowCount,
		"truncated": result.Truncated,
	}
	if result.Truncated {
		payload["message"] = "Results were truncated at the row cap. Add a WHERE clause or an aggregate to narrow them."
	}

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError("Failed to encode result: %v", err)
	}

	if s.limiter != nil {
		// Same rough accounting as the HTTP surface: four bytes per token
		// of payload headed into the model's context window.
		s.limiter.RecordTokens(int64(len(b) / 4))
	}

	return mcp.NewToolResultText(string(b)), nil
}

// ---------------------------------------------------------------------------
// Helpers shared by the tool handlers
// ---------------------------------------------------------------------------

func (s *MCPServer) databaseNames() string {
	names := s.exec.Databases()
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// visibleColumns reduces a table to the columns the policy allows.
func visibleColumns(target *gateway.Target, snap *model.DatabaseSchema, t *model.TableInfo) []model.ColumnInfo {
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
	return cols
}

// visibleTableNames lists the policy-visible table and view names.
func visibleTableNames(target *gateway.Target, snap *model.DatabaseSchema) []string {
	names := make([]string, 0, len(snap.Tables)+len(snap.Views))
	for i := range snap.Tables {
		if res := target.Policy.ValidateTables([]string{snap.Tables[i].Name}); res.Passed {
			names = append(names, snap.Tables[i].Name)
		}
	}
	for i := range snap.Views {
		if res := target.Policy.ValidateTables([]string{snap.Views[i].Name}); res.Passed {
			names = append(names, snap.Views[i].Name)
		}
	}
	sort.Strings(names)
	return names
}
