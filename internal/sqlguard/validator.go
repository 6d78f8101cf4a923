package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgguard/pgguard/internal/model"
)

// ---- textual screening ----

// textualRules are regex checks run over the literal-stripped input before
// parsing. They catch constructs the structural parser does not model and
// act as a safety net in front of it. False positives are acceptable for a
// denylist gateway.
var textualRules = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)\bcopy\s+[^;]*\b(?:from|to)\b`), "COPY statements are not allowed"},
	{regexp.MustCompile(`(?i)\bfor\s+(?:update|share|no\s+key\s+update|key\s+share)\b`), "row locking clauses are not allowed"},
	{regexp.MustCompile(`(?i)\bset\s+(?:role|session\s+authorization)\b`), "changing the session role is not allowed"},
	{regexp.MustCompile(`(?i)\breset\s+role\b`), "changing the session role is not allowed"},
	{regexp.MustCompile(`(?i)\b(?:listen|unlisten|notify)\b`), "LISTEN/NOTIFY is not allowed"},
}

// dangerousFuncs are function names that must never appear in a query,
// regardless of nesting depth. Compared lower-cased; dblink is matched as
// a prefix to cover the whole function family.
var dangerousFuncs = map[string]bool{
	"pg_sleep":            true,
	"pg_sleep_for":        true,
	"pg_sleep_until":      true,
	"pg_terminate_backend": true,
	"pg_cancel_backend":   true,
	"pg_reload_conf":      true,
	"pg_rotate_logfile":   true,
	"lo_import":           true,
	"lo_export":           true,
	"lo_unlink":           true,
	"pg_read_file":        true,
	"pg_read_binary_file": true,
	"pg_write_file":       true,
	"pg_ls_dir":           true,
}

func isDangerousFunc(name string) bool {
	return dangerousFuncs[name] || strings.HasPrefix(name, "dblink")
}

// stripLiterals replaces comments and the contents of string literals and
// dollar-quoted bodies with spaces, preserving byte offsets. Unterminated
// constructs are stripped to end of input; the parser reports them properly.
func stripLiterals(sql string) string {
	out := []byte(sql)
	i := 0
	n := len(sql)

	blank := func(from, to int) {
		for k := from; k < to && k < n; k++ {
			if out[k] != '\n' {
				out[k] = ' '
			}
		}
	}

	for i < n {
		ch := sql[i]
		switch {
		case ch == '-' && i+1 < n && sql[i+1] == '-':
			j := i
			for j < n && sql[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j
		case ch == '/' && i+1 < n && sql[i+1] == '*':
			depth := 1
			j := i + 2
			for j < n && depth > 0 {
				if j+1 < n && sql[j] == '/' && sql[j+1] == '*' {
					depth++
					j += 2
				} else if j+1 < n && sql[j] == '*' && sql[j+1] == '/' {
					depth--
					j += 2
				} else {
					j++
				}
			}
			blank(i, j)
			i = j
		case ch == '\'':
			j := i + 1
			for j < n {
				if sql[j] == '\'' {
					if j+1 < n && sql[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			blank(i+1, j-1)
			i = j
		case ch == '"':
			j := i + 1
			for j < n {
				if sql[j] == '"' {
					if j+1 < n && sql[j+1] == '"' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			blank(i+1, j-1)
			i = j
		case ch == '$':
			// Dollar-quoted string; leave $1 parameters alone.
			j := i + 1
			for j < n && (sql[j] == '_' || isLetter(sql[j]) || isDigit(sql[j])) {
				j++
			}
			if j < n && sql[j] == '$' && !(i+1 < n && isDigit(sql[i+1])) {
				tag := sql[i : j+1]
				close := strings.Index(sql[j+1:], tag)
				if close < 0 {
					blank(i, n)
					i = n
					break
				}
				end := j + 1 + close + len(tag)
				blank(i, end)
				i = end
			} else {
				i++
			}
		default:
			i++
		}
	}
	return string(out)
}

// hasSelectInto reports whether the stripped text contains a SELECT whose
// INTO appears before the FROM clause (the table-creating form). Scanned
// textually so it fires even when parsing would fail later.
func hasSelectInto(stripped string) bool {
	words := wordPattern.FindAllString(stripped, -1)
	inSelect := false
	for _, w := range words {
		switch strings.ToUpper(w) {
		case "SELECT":
			inSelect = true
		case "FROM", ";":
			inSelect = false
		case "INTO":
			if inSelect {
				return true
			}
		}
	}
	return false
}

var wordPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_$]*|;`)

// ---- validation ----

// ValidationError is the failure detail raised by ValidateAndRaise. Unsafe
// distinguishes a query that parsed but violated a safety rule from one
// that did not parse at all.
type ValidationError struct {
	Unsafe  bool
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate statically checks one SQL string against the read-only safety
// rules. The checks run in a fixed order and the first failure wins:
// textual screening, parse, single-statement, statement-type denylist,
// dangerous functions, SELECT clause restrictions, and finally a recursive
// scan for mutations hiding in CTE bodies or subqueries.
func Validate(sql string) model.ValidationResult {
	if strings.TrimSpace(sql) == "" {
		return model.ValidationResult{ErrorMessage: "empty query"}
	}

	stripped := stripLiterals(sql)
	for _, rule := range textualRules {
		if rule.re.MatchString(stripped) {
			return model.ValidationResult{IsValid: true, ErrorMessage: rule.reason}
		}
	}
	if hasSelectInto(stripped) {
		return model.ValidationResult{IsValid: true, ErrorMessage: "SELECT INTO is not allowed"}
	}

	script, err := Parse(sql)
	if err != nil {
		return model.ValidationResult{ErrorMessage: fmt.Sprintf("syntax error: %v", err)}
	}

	if len(script.Statements) > 1 {
		return model.ValidationResult{
			IsValid:      true,
			ErrorMessage: fmt.Sprintf("expected a single statement, found %d", len(script.Statements)),
		}
	}

	stmt := script.Statements[0]
	if stmt.Type.Denied() {
		return model.ValidationResult{
			IsValid:      true,
			ErrorMessage: fmt.Sprintf("%s statements are not allowed; only SELECT is permitted", stmt.Type),
		}
	}

	for _, fc := range stmt.AllFuncs() {
		if isDangerousFunc(fc.Name) {
			return model.ValidationResult{
				IsValid:      true,
				ErrorMessage: fmt.Sprintf("function %s() is not allowed", fc.Name),
			}
		}
	}

	var unsafeMsg string
	stmt.Walk(func(st *Statement) {
		if unsafeMsg != "" {
			return
		}
		if st.Select != nil {
			if st.Select.HasInto {
				unsafeMsg = "SELECT INTO is not allowed"
				return
			}
			if st.Select.HasLocking {
				unsafeMsg = "row locking clauses are not allowed"
				return
			}
		}
		// Mutations nested in CTE bodies or subqueries.
		if st.Type.Denied() {
			unsafeMsg = fmt.Sprintf("nested %s statements are not allowed", st.Type)
		}
	})
	if unsafeMsg != "" {
		return model.ValidationResult{IsValid: true, ErrorMessage: unsafeMsg}
	}

	return model.ValidationResult{IsValid: true, IsSafe: true}
}

// ValidateAndRaise runs Validate and converts a failure into a
// ValidationError, for callers that propagate errors instead of results.
func ValidateAndRaise(sql string) error {
	res := Validate(sql)
	if res.IsValid && res.IsSafe {
		return nil
	}
	return &ValidationError{Unsafe: res.IsValid, Message: res.ErrorMessage}
}

// ---- policy extraction ----

// ExtractTables returns the lower-cased database tables a query reads from,
// across all nesting levels, deduplicated in first-seen order. CTE names
// are not database objects and are excluded.
func ExtractTables(sql string) ([]string, error) {
	script, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	var tables []string
	seen := map[string]bool{}
	for _, stmt := range script.Statements {
		ctes := cteNameSet(stmt)
		stmt.Walk(func(st *Statement) {
			if st.Select == nil {
				return
			}
			for _, ref := range st.Select.From {
				if ref.IsSubquery {
					continue
				}
				name := strings.ToLower(ref.Name)
				if ctes[name] || seen[name] {
					continue
				}
				seen[name] = true
				tables = append(tables, name)
			}
		})
	}
	return tables, nil
}

func cteNameSet(stmt *Statement) map[string]bool {
	names := map[string]bool{}
	stmt.Walk(func(st *Statement) {
		for _, c := range st.CTEs {
			names[strings.ToLower(c.Name)] = true
		}
	})
	return names
}

// ParseForPolicy builds the structural summary the policy engine checks:
// referenced schemas, real tables with aliases resolved, column references,
// and star projections. On a parse failure the summary carries the error
// and nothing else, so the caller can deny with a syntax message.
func ParseForPolicy(sql string) model.ParsedQuery {
	pq := model.ParsedQuery{SQL: sql}

	script, err := Parse(sql)
	if err != nil {
		pq.Error = err.Error()
		return pq
	}
	stmt := script.Statements[0]
	pq.IsReadOnly = stmt.IsReadOnly() && len(script.Statements) == 1

	ctes := cteNameSet(stmt)

	// aliases maps every alias and every unaliased table name to the real
	// table, lower-cased. Subquery aliases map to "" so columns qualified
	// by them resolve to no table.
	aliases := map[string]string{}
	stmt.Walk(func(st *Statement) {
		if st.Select == nil {
			return
		}
		for _, ref := range st.Select.From {
			if ref.IsSubquery {
				if ref.Alias != "" {
					aliases[strings.ToLower(ref.Alias)] = ""
				}
				continue
			}
			name := strings.ToLower(ref.Name)
			if ctes[name] {
				if ref.Alias != "" {
					aliases[strings.ToLower(ref.Alias)] = ""
				}
				continue
			}
			if ref.Alias != "" {
				aliases[strings.ToLower(ref.Alias)] = name
			}
			if _, taken := aliases[name]; !taken {
				aliases[name] = name
			}
		}
	})

	seenTable := map[string]bool{}
	seenSchema := map[string]bool{}
	stmt.Walk(func(st *Statement) {
		if st.Select == nil {
			return
		}
		for _, ref := range st.Select.From {
			if ref.IsSubquery {
				continue
			}
			name := strings.ToLower(ref.Name)
			if ctes[name] {
				continue
			}
			if !seenTable[name] {
				seenTable[name] = true
				pq.Tables = append(pq.Tables, name)
			}
			if ref.Schema != "" {
				s := strings.ToLower(ref.Schema)
				if !seenSchema[s] {
					seenSchema[s] = true
					pq.Schemas = append(pq.Schemas, s)
				}
			}
		}
	})
	if len(pq.Schemas) == 0 {
		pq.Schemas = []string{"public"}
	}

	// Column references and star projections, resolved per select branch.
	seenCol := map[string]bool{}
	seenStar := map[string]bool{}
	addCol := func(table, column string) {
		key := table + "." + column
		if seenCol[key] {
			return
		}
		seenCol[key] = true
		pq.Columns = append(pq.Columns, model.ColumnRef{Table: table, Column: column})
	}
	addStar := func(table string) {
		if table == "" || seenStar[table] {
			return
		}
		seenStar[table] = true
		pq.StarTables = append(pq.StarTables, table)
	}
	resolve := func(qualifier string) (string, bool) {
		q := strings.ToLower(qualifier)
		if t, ok := aliases[q]; ok {
			return t, t != ""
		}
		if ctes[q] {
			return "", false
		}
		return q, true
	}

	stmt.Walk(func(st *Statement) {
		if st.Select == nil {
			return
		}
		// Real tables visible to this branch's unqualified references.
		var branchTables []string
		for _, ref := range st.Select.From {
			if ref.IsSubquery {
				continue
			}
			name := strings.ToLower(ref.Name)
			if !ctes[name] {
				branchTables = append(branchTables, name)
			}
		}

		for _, item := range st.Select.Items {
			switch {
			case item.Star && item.Qualifier == "":
				pq.HasStar = true
				for _, t := range branchTables {
					addStar(t)
				}
			case item.Star:
				pq.HasStar = true
				if t, ok := resolve(item.Qualifier); ok {
					addStar(t)
				}
			case item.IsExpr || item.Column == "":
				// Expressions carry no single column identity.
			case item.Qualifier != "":
				if t, ok := resolve(item.Qualifier); ok {
					addCol(t, strings.ToLower(item.Column))
				}
			default:
				// An unqualified column belongs to the only table in scope;
				// with several tables it cannot be attributed statically.
				table := ""
				if len(branchTables) == 1 {
					table = branchTables[0]
				}
				addCol(table, strings.ToLower(item.Column))
			}
		}
	})

	return pq
}
