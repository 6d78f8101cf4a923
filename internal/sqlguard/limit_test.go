package sqlguard

import "testing"

func TestAddLimit(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		n    int
		want string
	}{
		{
			"appends when absent",
			"SELECT id FROM users",
			100,
			"SELECT id FROM users LIMIT 100",
		},
		{
			"strips trailing semicolon",
			"SELECT id FROM users;",
			100,
			"SELECT id FROM users LIMIT 100",
		},
		{
			"shrinks larger limit",
			"SELECT id FROM users LIMIT 5000",
			100,
			"SELECT id FROM users LIMIT 100",
		},
		{
			"keeps smaller limit",
			"SELECT id FROM users LIMIT 10",
			100,
			"SELECT id FROM users LIMIT 10",
		},
		{
			"keeps equal limit",
			"SELECT id FROM users LIMIT 100",
			100,
			"SELECT id FROM users LIMIT 100",
		},
		{
			"compound select trailing limit",
			"SELECT id FROM a UNION ALL SELECT id FROM b LIMIT 9999",
			100,
			"SELECT id FROM a UNION ALL SELECT id FROM b LIMIT 100",
		},
		{
			"subquery limit untouched",
			"SELECT * FROM (SELECT id FROM t LIMIT 5000) s",
			100,
			"SELECT * FROM (SELECT id FROM t LIMIT 5000) s LIMIT 100",
		},
		{
			"limit all unchanged",
			"SELECT id FROM users LIMIT ALL",
			10,
			"SELECT id FROM users LIMIT ALL",
		},
		{
			"parameterized limit unchanged",
			"SELECT id FROM users LIMIT $1",
			10,
			"SELECT id FROM users LIMIT $1",
		},
		{
			"non-select unchanged",
			"DELETE FROM users",
			100,
			"DELETE FROM users",
		},
		{
			"unparsable unchanged",
			"SELEKT * FORM users",
			100,
			"SELEKT * FORM users",
		},
		{
			"multi-statement unchanged",
			"SELECT 1; SELECT 2",
			100,
			"SELECT 1; SELECT 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddLimit(tt.sql, tt.n); got != tt.want {
				t.Errorf("AddLimit(%q, %d) = %q, want %q", tt.sql, tt.n, got, tt.want)
			}
		})
	}
}

func TestAddLimitIdempotent(t *testing.T) {
	sql := "SELECT id FROM users ORDER BY id"
	once := AddLimit(sql, 100)
	twice := AddLimit(once, 100)
	if once != twice {
		t.Errorf("AddLimit not idempotent: %q vs %q", once, twice)
	}
}
