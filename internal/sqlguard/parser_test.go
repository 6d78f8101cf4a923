package sqlguard

import (
	"testing"
)

func mustParse(t *testing.T, sql string) *Statement {
	t.Helper()
	script, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	if len(script.Statements) != 1 {
		t.Fatalf("Parse(%q): got %d statements, want 1", sql, len(script.Statements))
	}
	return script.Statements[0]
}

func TestParseStatementTypes(t *testing.T) {
	tests := []struct {
		sql  string
		want StatementType
	}{
		{"SELECT 1", StatementSelect},
		{"select id from users", StatementSelect},
		{"INSERT INTO t (a) VALUES (1)", StatementInsert},
		{"UPDATE t SET a = 1", StatementUpdate},
		{"DELETE FROM t", StatementDelete},
		{"DROP TABLE t", StatementDrop},
		{"CREATE TABLE t (a int)", StatementCreate},
		{"ALTER TABLE t ADD COLUMN b int", StatementAlter},
		{"TRUNCATE t", StatementTruncate},
		{"GRANT SELECT ON t TO bob", StatementGrant},
		{"REVOKE SELECT ON t FROM bob", StatementRevoke},
		{"SET search_path = public", StatementSet},
		{"EXPLAIN SELECT 1", StatementOther},
		{"VACUUM", StatementOther},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmt := mustParse(t, tt.sql)
			if stmt.Type != tt.want {
				t.Errorf("type = %v, want %v", stmt.Type, tt.want)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, sql := range []string{
		"",
		"   ",
		"FROBNICATE the database",
		"SELECT * FROM (unclosed",
		"SELECT 'unterminated",
	} {
		t.Run(sql, func(t *testing.T) {
			if _, err := Parse(sql); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", sql)
			}
		})
	}
}

func TestParseFromTables(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []TableRef
	}{
		{
			"single table",
			"SELECT id FROM users",
			[]TableRef{{Name: "users"}},
		},
		{
			"schema qualified with alias",
			"SELECT u.id FROM analytics.users AS u",
			[]TableRef{{Schema: "analytics", Name: "users", Alias: "u"}},
		},
		{
			"bare alias",
			"SELECT u.id FROM users u",
			[]TableRef{{Name: "users", Alias: "u"}},
		},
		{
			"comma list",
			"SELECT 1 FROM a, b, c",
			[]TableRef{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		},
		{
			"join run",
			"SELECT 1 FROM orders o LEFT OUTER JOIN customers c ON o.cid = c.id",
			[]TableRef{{Name: "orders", Alias: "o"}, {Name: "customers", Alias: "c"}},
		},
		{
			"join using",
			"SELECT 1 FROM a JOIN b USING (id)",
			[]TableRef{{Name: "a"}, {Name: "b"}},
		},
		{
			"subquery target",
			"SELECT s.n FROM (SELECT count(*) AS n FROM events) s",
			[]TableRef{{IsSubquery: true, Alias: "s"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := mustParse(t, tt.sql)
			got := stmt.Select.From
			if len(got) != len(tt.want) {
				t.Fatalf("From = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("From[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseSelectItems(t *testing.T) {
	stmt := mustParse(t, "SELECT *, u.*, u.id, name, count(*) AS n, price * 2 FROM users u")
	items := stmt.Select.Items
	if len(items) != 6 {
		t.Fatalf("got %d items, want 6: %+v", len(items), items)
	}
	if !items[0].Star || items[0].Qualifier != "" {
		t.Errorf("item 0 = %+v, want bare star", items[0])
	}
	if !items[1].Star || items[1].Qualifier != "u" {
		t.Errorf("item 1 = %+v, want u.*", items[1])
	}
	if items[2].Qualifier != "u" || items[2].Column != "id" {
		t.Errorf("item 2 = %+v, want u.id", items[2])
	}
	if items[3].Column != "name" || items[3].Qualifier != "" {
		t.Errorf("item 3 = %+v, want bare name", items[3])
	}
	if !items[4].IsExpr {
		t.Errorf("item 4 = %+v, want expression", items[4])
	}
	if !items[5].IsExpr {
		t.Errorf("item 5 = %+v, want expression", items[5])
	}
}

func TestParseCTEs(t *testing.T) {
	stmt := mustParse(t, `
		WITH recent AS (SELECT id FROM orders WHERE created_at > now() - interval '1 day'),
		     totals AS MATERIALIZED (SELECT sum(amount) FROM payments)
		SELECT * FROM recent`)
	if len(stmt.CTEs) != 2 {
		t.Fatalf("got %d CTEs, want 2", len(stmt.CTEs))
	}
	if stmt.CTEs[0].Name != "recent" || stmt.CTEs[1].Name != "totals" {
		t.Errorf("CTE names = %q, %q", stmt.CTEs[0].Name, stmt.CTEs[1].Name)
	}
	if stmt.CTEs[0].Body.Type != StatementSelect {
		t.Errorf("CTE body type = %v", stmt.CTEs[0].Body.Type)
	}
	if len(stmt.Select.From) != 1 || stmt.Select.From[0].Name != "recent" {
		t.Errorf("main FROM = %+v", stmt.Select.From)
	}
}

func TestParseCTEHidingMutation(t *testing.T) {
	stmt := mustParse(t, "WITH x AS (DELETE FROM users RETURNING id) SELECT * FROM x")
	if stmt.IsReadOnly() {
		t.Error("statement with DELETE in CTE reported read-only")
	}
}

func TestParseSubqueries(t *testing.T) {
	stmt := mustParse(t, `SELECT id FROM users WHERE id IN (SELECT user_id FROM banned)`)
	if len(stmt.Subqueries) != 1 {
		t.Fatalf("got %d subqueries, want 1", len(stmt.Subqueries))
	}
	sub := stmt.Subqueries[0]
	if sub.Type != StatementSelect || len(sub.Select.From) != 1 || sub.Select.From[0].Name != "banned" {
		t.Errorf("subquery = %+v", sub)
	}
}

func TestParseFuncCalls(t *testing.T) {
	stmt := mustParse(t, "SELECT lower(name), COALESCE(a, b) FROM t WHERE length(name) > 3")
	var names []string
	for _, f := range stmt.AllFuncs() {
		names = append(names, f.Name)
	}
	want := map[string]bool{"lower": true, "coalesce": true, "length": true}
	if len(names) != 3 {
		t.Fatalf("funcs = %v, want 3", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected function %q", n)
		}
	}
}

func TestParseFuncExcludesKeywords(t *testing.T) {
	stmt := mustParse(t, "SELECT id FROM t WHERE x IN (1, 2) AND (y = 3 OR z = 4)")
	if n := len(stmt.AllFuncs()); n != 0 {
		t.Errorf("got %d function calls, want 0: %+v", n, stmt.Funcs)
	}
}

func TestParseCompoundSelect(t *testing.T) {
	stmt := mustParse(t, "SELECT id FROM a UNION ALL SELECT id FROM b LIMIT 10")
	if stmt.Type != StatementSelect {
		t.Fatalf("type = %v", stmt.Type)
	}
	if len(stmt.Subqueries) != 1 {
		t.Fatalf("got %d branches, want 1 extra", len(stmt.Subqueries))
	}
	lim := stmt.TopLimit()
	if lim == nil || lim.Value != 10 {
		t.Errorf("TopLimit = %+v, want 10", lim)
	}
}

func TestParseLimitSpan(t *testing.T) {
	sql := "SELECT id FROM t LIMIT 500"
	stmt := mustParse(t, sql)
	lim := stmt.Select.Limit
	if lim == nil {
		t.Fatal("no limit parsed")
	}
	if got := sql[lim.ValueStart:lim.ValueEnd]; got != "500" {
		t.Errorf("limit span = %q, want 500", got)
	}
}

func TestParseIntoAndLocking(t *testing.T) {
	stmt := mustParse(t, "SELECT id INTO tmp FROM users")
	if !stmt.Select.HasInto {
		t.Error("HasInto = false for SELECT INTO")
	}

	stmt = mustParse(t, "SELECT id FROM users FOR UPDATE")
	if !stmt.Select.HasLocking {
		t.Error("HasLocking = false for FOR UPDATE")
	}

	stmt = mustParse(t, "SELECT id FROM users FOR NO KEY UPDATE")
	if !stmt.Select.HasLocking {
		t.Error("HasLocking = false for FOR NO KEY UPDATE")
	}
}

func TestParseMultiStatement(t *testing.T) {
	script, err := Parse("SELECT 1; SELECT 2;")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(script.Statements) != 2 {
		t.Errorf("got %d statements, want 2", len(script.Statements))
	}
}

func TestParseCommentsIgnored(t *testing.T) {
	stmt := mustParse(t, `SELECT id -- trailing comment
		FROM users /* block
		comment */ WHERE id > 1`)
	if len(stmt.Select.From) != 1 || stmt.Select.From[0].Name != "users" {
		t.Errorf("From = %+v", stmt.Select.From)
	}
}
