package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pgguard/pgguard/internal/audit"
	"github.com/pgguard/pgguard/internal/connector"
	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/policy"
	"github.com/pgguard/pgguard/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePool struct {
	result *model.QueryResult
	err    error
}

func (p *fakePool) Fetch(ctx context.Context, query string, args ...interface{}) (*model.QueryResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakePool) FetchReadOnly(ctx context.Context, query string, opts connector.ReadOnlyOptions) (*model.QueryResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakePool) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	return 0, p.err
}

func (p *fakePool) Ping(ctx context.Context) error { return nil }
func (p *fakePool) Close() error                   { return nil }
func (p *fakePool) DB() *sqlx.DB                   { return nil }

type fakeSchemas struct {
	snapshot *model.DatabaseSchema
}

func (f *fakeSchemas) GetOrRefresh(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error) {
	return f.snapshot, nil
}

func (f *fakeSchemas) Invalidate(database string) {}

func testSnapshot() *model.DatabaseSchema {
	now := time.Now()
	return &model.DatabaseSchema{
		Database: "appdb",
		Tables: []model.TableInfo{
			{
				Name:   "users",
				Schema: "public",
				Columns: []model.ColumnInfo{
					{Name: "id", DataType: "integer", IsPrimaryKey: true},
					{Name: "email", DataType: "text"},
					{Name: "password", DataType: "text"},
				},
			},
			{
				Name:   "secrets",
				Schema: "public",
				Columns: []model.ColumnInfo{
					{Name: "id", DataType: "integer", IsPrimaryKey: true},
					{Name: "value", DataType: "text"},
				},
			},
		},
		CachedAt: &now,
	}
}

func newTestServer(t *testing.T) *MCPServer {
	t.Helper()

	auditLogger, err := audit.New(audit.Config{Enabled: false})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { auditLogger.Close() })

	pool := &fakePool{result: &model.QueryResult{
		Columns:  []string{"id", "email"},
		Rows:     [][]interface{}{{1, "a@example.com"}},
		RowCount: 1,
	}}

	targets := []*gateway.Target{{
		Name: "appdb",
		Pool: pool,
		Policy: policy.New(model.PolicyConfig{
			DeniedTables:  []string{"secrets"},
			DeniedColumns: []string{"users.password"},
			SelectStar:    model.SelectStarReject,
		}),
		SchemaName: "public",
	}}

	exec := gateway.NewExecutor(targets, &fakeSchemas{snapshot: testSnapshot()}, auditLogger, nil, gateway.Options{
		MaxRows:      100,
		QueryTimeout: 5 * time.Second,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(exec, ratelimit.New(ratelimit.Config{}), logger)
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text payload of a tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

// ---------------------------------------------------------------------------
// Discovery tools
// ---------------------------------------------------------------------------

func TestListDatabasesTool(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListDatabases(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleListDatabases: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var items []struct {
		Name   string `json:"name"`
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].Name != "appdb" || items[0].Schema != "public" {
		t.Errorf("unexpected databases: %+v", items)
	}
}

func TestListTablesToolFiltersPolicy(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListTables(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
	}))
	if err != nil {
		t.Fatalf("handleListTables: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	text := resultText(t, res)
	if strings.Contains(text, "secrets") {
		t.Error("denied table leaked into listing")
	}
	if strings.Contains(text, "password") {
		t.Error("denied column leaked into listing")
	}
	if !strings.Contains(text, "users") || !strings.Contains(text, "email") {
		t.Errorf("expected visible table and columns, got: %s", text)
	}
}

func TestListTablesToolUnknownDatabase(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListTables(context.Background(), callRequest(map[string]interface{}{
		"database": "nope",
	}))
	if err != nil {
		t.Fatalf("handleListTables: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unknown database")
	}
	if text := resultText(t, res); !strings.Contains(text, "appdb") {
		t.Errorf("error should name the available databases, got: %s", text)
	}
}

func TestListTablesToolMissingParam(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListTables(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleListTables: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for missing database parameter")
	}
}

func TestDescribeTableTool(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleDescribeTable(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"table":    "users",
	}))
	if err != nil {
		t.Fatalf("handleDescribeTable: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var detail struct {
		Name    string             `json:"name"`
		Columns []model.ColumnInfo `json:"columns"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail.Name != "users" {
		t.Errorf("table name = %q, want users", detail.Name)
	}
	if len(detail.Columns) != 2 {
		t.Errorf("expected 2 visible columns, got %d: %+v", len(detail.Columns), detail.Columns)
	}
	for _, c := range detail.Columns {
		if c.Name == "password" {
			t.Error("denied column leaked into table detail")
		}
	}
}

func TestDescribeTableToolDenied(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleDescribeTable(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"table":    "secrets",
	}))
	if err != nil {
		t.Fatalf("handleDescribeTable: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for denied table")
	}
}

func TestDescribeTableToolNotFound(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleDescribeTable(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"table":    "orders",
	}))
	if err != nil {
		t.Fatalf("handleDescribeTable: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unknown table")
	}
	text := resultText(t, res)
	if !strings.Contains(text, "users") {
		t.Errorf("error should list visible tables, got: %s", text)
	}
	if strings.Contains(text, "secrets") {
		t.Error("denied table leaked into the not-found hint")
	}
}

// ---------------------------------------------------------------------------
// Query tool
// ---------------------------------------------------------------------------

func TestQueryTool(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"sql":      "SELECT id, email FROM users",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var payload struct {
		Columns  []string `json:"columns"`
		RowCount int      `json:"row_count"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.RowCount != 1 {
		t.Errorf("row_count = %d, want 1", payload.RowCount)
	}
	if len(payload.Columns) != 2 {
		t.Errorf("columns = %v, want 2 entries", payload.Columns)
	}
}

func TestQueryToolUnsafeSQL(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"sql":      "DROP TABLE users",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for non-SELECT statement")
	}
	if text := resultText(t, res); !strings.Contains(text, "UNSAFE_SQL") {
		t.Errorf("error should carry the UNSAFE_SQL code, got: %s", text)
	}
}

func TestQueryToolDeniedTable(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"sql":      "SELECT value FROM secrets",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for denied table")
	}
	text := resultText(t, res)
	if !strings.Contains(text, "TABLE_ACCESS_DENIED") {
		t.Errorf("error should carry the TABLE_ACCESS_DENIED code, got: %s", text)
	}
	if !strings.Contains(text, "secrets") {
		t.Errorf("error should name the denied table, got: %s", text)
	}
}

func TestQueryToolRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.limiter = ratelimit.New(ratelimit.Config{Enabled: true, ClientPerMinute: 1})

	first, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"sql":      "SELECT id FROM users",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if first.IsError {
		t.Fatalf("first query should pass, got: %s", resultText(t, first))
	}

	second, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
		"sql":      "SELECT id FROM users",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !second.IsError {
		t.Fatal("second query should hit the rate limit")
	}
	if text := resultText(t, second); !strings.Contains(text, "RATE_LIMITED") {
		t.Errorf("error should carry the RATE_LIMITED code, got: %s", text)
	}
}

func TestQueryToolMissingSQL(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleQuery(context.Background(), callRequest(map[string]interface{}{
		"database": "appdb",
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for missing sql parameter")
	}
}
