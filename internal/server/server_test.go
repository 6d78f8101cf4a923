package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgguard/pgguard/internal/audit"
	"github.com/pgguard/pgguard/internal/config"
	"github.com/pgguard/pgguard/internal/connector"
	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/policy"
	"github.com/pgguard/pgguard/internal/ratelimit"
	"github.com/pgguard/pgguard/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testJWTSecret = "test-secret-for-http-integration-tests"

// fakePool serves canned rows without a database.
type fakePool struct {
	result  *model.QueryResult
	err     error
	pingErr error
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
	return 0, nil
}

func (p *fakePool) Ping(ctx context.Context) error { return p.pingErr }
func (p *fakePool) Close() error                   { return nil }
func (p *fakePool) DB() *sqlx.DB                   { return nil }

// fakeSchemas hands back a fixed snapshot.
type fakeSchemas struct {
	snapshot *model.DatabaseSchema
}

func (f *fakeSchemas) GetOrRefresh(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error) {
	return f.snapshot, nil
}

func (f *fakeSchemas) Invalidate(database string) {}

func testSnapshot() *model.DatabaseSchema {
	now := time.Now().UTC()
	return &model.DatabaseSchema{
		Database: "appdb",
		Tables: []model.TableInfo{
			{
				Name:   "users",
				Schema: "public",
				Columns: []model.ColumnInfo{
					{Name: "id", DataType: "bigint", IsPrimaryKey: true},
					{Name: "email", DataType: "text"},
					{Name: "password", DataType: "text"},
				},
			},
			{
				Name:   "secrets",
				Schema: "public",
				Columns: []model.ColumnInfo{
					{Name: "id", DataType: "bigint", IsPrimaryKey: true},
					{Name: "value", DataType: "text"},
				},
			},
		},
		CachedAt: &now,
	}
}

// testEnv holds the shared state for HTTP integration tests.
type testEnv struct {
	server  *Server
	store   *config.Store
	authSvc *service.AuthService
	pool    *fakePool
	rawKey  string
}

func newTestEnv(t *testing.T, limits ratelimit.Config) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := service.NewAuthService(store, testJWTSecret, time.Hour)
	rawKey, _, err := authSvc.CreateKey(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	pool := &fakePool{result: &model.QueryResult{
		Columns:  []string{"id", "email"},
		Rows:     [][]interface{}{{int64(1), "alice@example.com"}},
		RowCount: 1,
	}}

	auditor, err := audit.New(audit.Config{Enabled: false})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { auditor.Close() })

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
	exec := gateway.NewExecutor(targets, &fakeSchemas{snapshot: testSnapshot()}, auditor, nil, gateway.Options{
		MaxRows:      100,
		QueryTimeout: 5 * time.Second,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.EdgeRPM = 0 // edge limiting off; domain limiter is under test
	srv := New(cfg, exec, ratelimit.New(limits), authSvc, logger)

	return &testEnv{
		server:  srv,
		store:   store,
		authSvc: authSvc,
		pool:    pool,
		rawKey:  rawKey,
	}
}

func defaultLimits() ratelimit.Config {
	return ratelimit.Config{Enabled: false}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-API-Key": e.rawKey})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

type errResp struct {
	Error struct {
		Code       string   `json:"code"`
		Message    string   `json:"message"`
		Resources  []string `json:"resources"`
		RetryAfter int64    `json:"retry_after_seconds"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Checks["appdb"] != "ok" {
		t.Errorf("checks[appdb] = %q, want ok", resp.Checks["appdb"])
	}
}

func TestReadyzDegraded(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	env.pool.pingErr = context.DeadlineExceeded

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionCreate(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "POST", "/v1/auth/session", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" || resp.SessionID == "" {
		t.Fatal("expected token and session_id")
	}

	// The session token authenticates follow-up requests.
	rr = env.do(t, "GET", "/v1/databases", nil, map[string]string{
		"Authorization": "Bearer " + resp.Token,
	})
	assertStatus(t, rr, http.StatusOK)
}

func TestSessionCreate_InvalidKey(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "POST", "/v1/auth/session", nil, map[string]string{
		"X-API-Key": "pgk_not_a_real_key",
	})
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestSessionCreate_NoKey(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "POST", "/v1/auth/session", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Query endpoint
// ---------------------------------------------------------------------------

func TestQuery_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{"database": "appdb", "sql": "SELECT id FROM users"})
	rr := env.do(t, "POST", "/v1/query", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestQuery_HappyPath(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{
		"database": "appdb",
		"sql":      "SELECT id, email FROM users",
		"question": "who are the users?",
	})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Columns   []string        `json:"columns"`
		Rows      [][]interface{} `json:"rows"`
		RowCount  int             `json:"row_count"`
		RequestID string          `json:"request_id"`
	}
	decodeJSON(t, rr, &resp)
	if resp.RowCount != 1 {
		t.Errorf("row_count = %d, want 1", resp.RowCount)
	}
	if len(resp.Columns) != 2 {
		t.Errorf("columns = %v, want 2 entries", resp.Columns)
	}
	if resp.RequestID == "" {
		t.Error("expected request_id in response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestQuery_MissingFields(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "POST", "/v1/query", jsonBody(t, map[string]string{"sql": "SELECT 1"}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.doAPIKey(t, "POST", "/v1/query", bytes.NewBufferString("{not json"))
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestQuery_UnsafeSQL(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{"database": "appdb", "sql": "DROP TABLE users"})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusBadRequest)

	var resp errResp
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != "UNSAFE_SQL" {
		t.Errorf("code = %q, want UNSAFE_SQL", resp.Error.Code)
	}
}

func TestQuery_DeniedColumn(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{"database": "appdb", "sql": "SELECT password FROM users"})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusForbidden)

	var resp errResp
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != "COLUMN_ACCESS_DENIED" {
		t.Errorf("code = %q, want COLUMN_ACCESS_DENIED", resp.Error.Code)
	}
}

func TestQuery_DeniedTable(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{"database": "appdb", "sql": "SELECT value FROM secrets"})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusForbidden)

	var resp errResp
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != "TABLE_ACCESS_DENIED" {
		t.Errorf("code = %q, want TABLE_ACCESS_DENIED", resp.Error.Code)
	}
}

func TestQuery_UnknownDatabase(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	body := jsonBody(t, map[string]string{"database": "nope", "sql": "SELECT 1"})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusBadGateway)
}

func TestQuery_Timeout(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	env.pool.err = connector.ErrQueryTimeout

	body := jsonBody(t, map[string]string{"database": "appdb", "sql": "SELECT id FROM users"})
	rr := env.doAPIKey(t, "POST", "/v1/query", body)
	assertStatus(t, rr, http.StatusGatewayTimeout)

	var resp errResp
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != "QUERY_TIMEOUT" {
		t.Errorf("code = %q, want QUERY_TIMEOUT", resp.Error.Code)
	}
}

func TestQuery_RateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{
		Enabled:         true,
		ClientPerMinute: 1,
	})

	body := func() *bytes.Buffer {
		return jsonBody(t, map[string]string{"database": "appdb", "sql": "SELECT id FROM users"})
	}

	rr := env.doAPIKey(t, "POST", "/v1/query", body())
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAPIKey(t, "POST", "/v1/query", body())
	assertStatus(t, rr, http.StatusTooManyRequests)

	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var resp errResp
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", resp.Error.Code)
	}
	if resp.Error.RetryAfter < 1 {
		t.Errorf("retry_after_seconds = %d, want >= 1", resp.Error.RetryAfter)
	}
}

// ---------------------------------------------------------------------------
// Schema endpoints
// ---------------------------------------------------------------------------

func TestListDatabases(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "GET", "/v1/databases", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Databases []struct {
			Name   string `json:"name"`
			Schema string `json:"schema"`
		} `json:"databases"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Databases) != 1 || resp.Databases[0].Name != "appdb" {
		t.Errorf("databases = %+v, want one entry appdb", resp.Databases)
	}
}

func TestGetSchema_FiltersPolicy(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "GET", "/v1/databases/appdb/schema", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Tables []struct {
			Name    string `json:"name"`
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"tables"`
	}
	decodeJSON(t, rr, &resp)

	if len(resp.Tables) != 1 {
		t.Fatalf("tables = %d, want 1 (secrets hidden)", len(resp.Tables))
	}
	if resp.Tables[0].Name != "users" {
		t.Errorf("table = %q, want users", resp.Tables[0].Name)
	}
	for _, c := range resp.Tables[0].Columns {
		if c.Name == "password" {
			t.Error("denied column password leaked into schema view")
		}
	}
	if len(resp.Tables[0].Columns) != 2 {
		t.Errorf("columns = %d, want 2", len(resp.Tables[0].Columns))
	}
}

func TestDescribeTable(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "GET", "/v1/databases/appdb/schema/users", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Name    string `json:"name"`
		Columns []struct {
			Name string `json:"name"`
		} `json:"columns"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Name != "users" {
		t.Errorf("name = %q, want users", resp.Name)
	}
	if len(resp.Columns) != 2 {
		t.Errorf("columns = %d, want 2 (password hidden)", len(resp.Columns))
	}
}

func TestDescribeTable_Denied(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "GET", "/v1/databases/appdb/schema/secrets", nil)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestDescribeTable_NotFound(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "GET", "/v1/databases/appdb/schema/widgets", nil)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestRefreshSchema(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.doAPIKey(t, "POST", "/v1/databases/appdb/schema/refresh", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Database string `json:"database"`
		Tables   int    `json:"tables"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Database != "appdb" || resp.Tables != 2 {
		t.Errorf("got %+v, want appdb with 2 tables", resp)
	}
}

// ---------------------------------------------------------------------------
// Auth edges
// ---------------------------------------------------------------------------

func TestInvalidAPIKey(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "GET", "/v1/databases", nil, map[string]string{"X-API-Key": "pgk_bogus"})
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestRevokedAPIKey(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	keys, err := env.store.ListAPIKeys(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys: %v (%d keys)", err, len(keys))
	}
	if err := env.store.RevokeAPIKey(context.Background(), keys[0].ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	rr := env.doAPIKey(t, "GET", "/v1/databases", nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestInvalidBearerToken(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "GET", "/v1/databases", nil, map[string]string{
		"Authorization": "Bearer garbage.token.here",
	})
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	rr := env.do(t, "OPTIONS", "/healthz", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "GET",
		"Access-Control-Request-Headers": "Authorization,Content-Type,X-API-Key",
	})

	if rr.Code < 200 || rr.Code >= 300 {
		t.Errorf("CORS preflight status = %d, want 2xx", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}
