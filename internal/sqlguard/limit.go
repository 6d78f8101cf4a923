package sqlguard

import (
	"fmt"
	"strings"
)

// AddLimit caps the number of rows a SELECT may return by enforcing a
// LIMIT of at most n. A statement with no LIMIT gets one appended; an
// existing larger LIMIT is rewritten in place; an existing smaller or
// equal one is left untouched, which makes the operation idempotent.
//
// AddLimit is fail-open: anything it cannot confidently rewrite (parse
// failures, multi-statement input, non-SELECT) comes back unchanged, on
// the grounds that the validator has already rejected those inputs.
func AddLimit(sql string, n int) string {
	if n <= 0 {
		return sql
	}

	script, err := Parse(sql)
	if err != nil || len(script.Statements) != 1 {
		return sql
	}
	stmt := script.Statements[0]
	if stmt.Type != StatementSelect {
		return sql
	}

	if lim := stmt.TopLimit(); lim != nil {
		if lim.Value <= int64(n) {
			return sql
		}
		return sql[:lim.ValueStart] + fmt.Sprintf("%d", n) + sql[lim.ValueEnd:]
	}

	// LIMIT ALL or LIMIT $1: appending a second clause would break the
	// statement, and splicing over a parameter would change its meaning.
	if stmt.HasTopLimit() {
		return sql
	}

	trimmed := strings.TrimRight(sql, " \t\r\n;")
	return fmt.Sprintf("%s LIMIT %d", trimmed, n)
}
