package sqlguard

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse tokenizes a SQL string and builds one Statement per top-level
// semicolon-separated statement. The grammar is deliberately permissive:
// it recovers the structure the safety and policy checks need (statement
// type, CTEs, subqueries, function calls, FROM targets, projection items,
// INTO/locking clauses, LIMIT) without attempting full dialect fidelity.
func Parse(sql string) (*Script, error) {
	tokens, err := lex(sql)
	if err != nil {
		return nil, err
	}

	groups := splitStatements(tokens)
	if len(groups) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	script := &Script{SQL: sql}
	for _, g := range groups {
		stmt, err := parseStatement(g)
		if err != nil {
			return nil, err
		}
		script.Statements = append(script.Statements, stmt)
	}
	return script, nil
}

// splitStatements splits the token stream on semicolons outside
// parentheses. Empty groups (trailing semicolons) are dropped.
func splitStatements(tokens []token) [][]token {
	var groups [][]token
	depth := 0
	start := 0
	for i, t := range tokens {
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			if depth > 0 {
				depth--
			}
		case tokSemicolon:
			if depth == 0 {
				if i > start {
					groups = append(groups, tokens[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(tokens) {
		groups = append(groups, tokens[start:])
	}
	return groups
}

// statementVerbs maps a leading keyword to its statement type. Anything
// not listed parses as StatementOther, which the validator denies.
var statementVerbs = map[string]StatementType{
	"SELECT":   StatementSelect,
	"INSERT":   StatementInsert,
	"UPDATE":   StatementUpdate,
	"DELETE":   StatementDelete,
	"DROP":     StatementDrop,
	"CREATE":   StatementCreate,
	"ALTER":    StatementAlter,
	"TRUNCATE": StatementTruncate,
	"GRANT":    StatementGrant,
	"REVOKE":   StatementRevoke,
	"SET":      StatementSet,
	"RESET":    StatementSet,
	"COPY":     StatementCopy,
	"VALUES":   StatementOther,
	"TABLE":    StatementOther,
	"EXPLAIN":  StatementOther,
	"SHOW":     StatementOther,
	"BEGIN":    StatementOther,
	"COMMIT":   StatementOther,
	"ROLLBACK": StatementOther,
	"CALL":     StatementOther,
	"DO":       StatementOther,
	"VACUUM":   StatementOther,
	"ANALYZE":  StatementOther,
	"LISTEN":   StatementOther,
	"NOTIFY":   StatementOther,
	"UNLISTEN": StatementOther,
	"LOCK":     StatementOther,
	"DECLARE":  StatementOther,
	"FETCH":    StatementOther,
	"PREPARE":  StatementOther,
	"EXECUTE":  StatementOther,
	"COMMENT":  StatementOther,
	"MERGE":    StatementOther,
	"REFRESH":  StatementOther,
	"IMPORT":   StatementOther,
	"WITH":     StatementSelect, // resolved after CTE parsing
}

func parseStatement(toks []token) (*Statement, error) {
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	// A fully parenthesized statement: strip the outer parens.
	if toks[0].kind == tokLParen {
		if end := matchParen(toks, 0); end == len(toks)-1 && end > 1 {
			return parseStatement(toks[1:end])
		}
	}

	stmt := &Statement{Start: toks[0].pos, End: toks[len(toks)-1].end}

	// WITH prefix: parse the CTE list, then continue with the main body.
	rest := toks
	if toks[0].matches("WITH") {
		var err error
		rest, err = parseCTEs(stmt, toks)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, fmt.Errorf("WITH clause without a statement body")
		}
	}

	first := rest[0]
	if first.kind != tokIdent {
		return nil, fmt.Errorf("unexpected token %q at position %d", first.text, first.pos)
	}
	typ, ok := statementVerbs[strings.ToUpper(first.text)]
	if !ok {
		return nil, fmt.Errorf("unrecognized statement %q at position %d", first.text, first.pos)
	}
	if first.matches("WITH") {
		return nil, fmt.Errorf("unexpected WITH at position %d", first.pos)
	}
	stmt.Type = typ

	// Compound selects: split top-level UNION/INTERSECT/EXCEPT branches
	// and parse each branch independently.
	if typ == StatementSelect {
		branches := splitCompound(rest)
		rest = branches[0]
		for _, b := range branches[1:] {
			sub, err := parseStatement(b)
			if err != nil {
				return nil, err
			}
			sub.compound = true
			stmt.Subqueries = append(stmt.Subqueries, sub)
		}
	}

	// Generic pass: function calls and nested statements anywhere in the
	// branch body.
	if err := scanTokens(stmt, rest); err != nil {
		return nil, err
	}

	// Structural pass: clause-level SELECT shape at paren depth zero.
	if typ == StatementSelect {
		core, err := parseSelectCore(rest)
		if err != nil {
			return nil, err
		}
		stmt.Select = core
	}

	return stmt, nil
}

// parseCTEs consumes "WITH [RECURSIVE] name [(cols)] AS [[NOT] MATERIALIZED]
// (body) [, ...]" and returns the remaining tokens of the main statement.
func parseCTEs(stmt *Statement, toks []token) ([]token, error) {
	i := 1 // past WITH
	if i < len(toks) && toks[i].matches("RECURSIVE") {
		i++
	}

	for {
		if i >= len(toks) || (toks[i].kind != tokIdent && toks[i].kind != tokQuotedIdent) {
			return nil, fmt.Errorf("expected CTE name at position %d", ctePos(toks, i))
		}
		name := toks[i].text
		i++

		// Optional column list.
		if i < len(toks) && toks[i].kind == tokLParen {
			end := matchParen(toks, i)
			if end < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in CTE column list")
			}
			i = end + 1
		}

		if i >= len(toks) || !toks[i].matches("AS") {
			return nil, fmt.Errorf("expected AS in CTE %q", name)
		}
		i++

		if i < len(toks) && toks[i].matches("NOT") {
			i++
		}
		if i < len(toks) && toks[i].matches("MATERIALIZED") {
			i++
		}

		if i >= len(toks) || toks[i].kind != tokLParen {
			return nil, fmt.Errorf("expected ( after AS in CTE %q", name)
		}
		end := matchParen(toks, i)
		if end < 0 {
			return nil, fmt.Errorf("unbalanced parentheses in CTE %q", name)
		}
		body, err := parseStatement(toks[i+1 : end])
		if err != nil {
			return nil, fmt.Errorf("in CTE %q: %w", name, err)
		}
		stmt.CTEs = append(stmt.CTEs, CTE{Name: name, Body: body})
		i = end + 1

		if i < len(toks) && toks[i].kind == tokComma {
			i++
			continue
		}
		break
	}

	return toks[i:], nil
}

func ctePos(toks []token, i int) int {
	if i < len(toks) {
		return toks[i].pos
	}
	if len(toks) > 0 {
		return toks[len(toks)-1].end
	}
	return 0
}

// splitCompound splits a select branch list on top-level set operators.
// The returned slices include the operator-free branch tokens only.
func splitCompound(toks []token) [][]token {
	var branches [][]token
	depth := 0
	start := 0
	i := 0
	for i < len(toks) {
		t := toks[i]
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			if depth > 0 {
				depth--
			}
		}
		if depth == 0 && t.matchesAny("UNION", "INTERSECT", "EXCEPT") {
			if i > start {
				branches = append(branches, toks[start:i])
			}
			i++
			if i < len(toks) && toks[i].matchesAny("ALL", "DISTINCT") {
				i++
			}
			start = i
			continue
		}
		i++
	}
	if start < len(toks) {
		branches = append(branches, toks[start:])
	}
	if len(branches) == 0 {
		branches = append(branches, toks)
	}
	return branches
}

// matchParen returns the index of the rparen matching the lparen at i,
// or -1 when unbalanced.
func matchParen(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch toks[i].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// funcExempt lists keywords that are followed by parentheses without being
// function calls.
var funcExempt = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "EXISTS": true,
	"ANY": true, "ALL": true, "SOME": true, "VALUES": true, "ON": true,
	"USING": true, "AS": true, "WHERE": true, "FROM": true, "JOIN": true,
	"SELECT": true, "DISTINCT": true, "GROUP": true, "BY": true,
	"HAVING": true, "ORDER": true, "LIMIT": true, "OFFSET": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true, "BETWEEN": true,
	"LIKE": true, "ILIKE": true, "IS": true, "CASE": true, "WHEN": true,
	"THEN": true, "ELSE": true, "END": true, "OVER": true, "FILTER": true,
	"WITHIN": true, "ROW": true, "ARRAY": true, "INTERVAL": true,
}

// scanTokens walks a token range collecting function calls and nested
// statements. Nested statement ranges are parsed recursively and skipped,
// so each token belongs to exactly one Statement.
func scanTokens(stmt *Statement, toks []token) error {
	i := 0
	for i < len(toks) {
		t := toks[i]

		if t.kind == tokLParen {
			end := matchParen(toks, i)
			if end < 0 {
				return fmt.Errorf("unbalanced parentheses at position %d", t.pos)
			}
			inner := toks[i+1 : end]
			if isStatementStart(inner) {
				sub, err := parseStatement(inner)
				if err != nil {
					return err
				}
				stmt.Subqueries = append(stmt.Subqueries, sub)
				i = end + 1
				continue
			}
			i++
			continue
		}

		// Quoted identifiers can name functions too ("pg_sleep"(10) calls
		// pg_sleep), so both kinds are collected. A quoted name is never a
		// keyword, so the exemption list only applies to plain identifiers.
		if (t.kind == tokIdent || t.kind == tokQuotedIdent) &&
			i+1 < len(toks) && toks[i+1].kind == tokLParen &&
			(t.kind == tokQuotedIdent || !funcExempt[strings.ToUpper(t.text)]) {
			stmt.Funcs = append(stmt.Funcs, FuncCall{Name: strings.ToLower(t.text), Pos: t.pos})
		}

		i++
	}
	return nil
}

// isStatementStart reports whether a parenthesized token range begins a
// nested statement (subquery or hidden mutation) rather than an ordinary
// expression.
func isStatementStart(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	return toks[0].matchesAny("SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "VALUES")
}

// clauseBoundary lists depth-zero keywords that end the FROM clause.
func isClauseBoundary(t token) bool {
	return t.matchesAny("WHERE", "GROUP", "HAVING", "WINDOW", "ORDER",
		"LIMIT", "OFFSET", "FETCH", "FOR", "UNION", "INTERSECT", "EXCEPT")
}

// parseSelectCore extracts the clause-level structure of one select
// branch: projection items, INTO, FROM targets, locking, LIMIT.
func parseSelectCore(toks []token) (*SelectCore, error) {
	core := &SelectCore{}
	i := 1 // past SELECT

	// DISTINCT [ON (...)] / ALL prefix.
	if i < len(toks) && toks[i].matchesAny("DISTINCT", "ALL") {
		distinct := toks[i].matches("DISTINCT")
		i++
		if distinct && i < len(toks) && toks[i].matches("ON") && i+1 < len(toks) && toks[i+1].kind == tokLParen {
			end := matchParen(toks, i+1)
			if end < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in DISTINCT ON")
			}
			i = end + 1
		}
	}

	// Projection list: token ranges split on depth-zero commas, ending at
	// a depth-zero FROM or INTO (or end of branch).
	itemStart := i
	depth := 0
	fromIdx := -1
	for ; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokLParen:
			depth++
			continue
		case tokRParen:
			depth--
			continue
		case tokComma:
			if depth == 0 {
				core.Items = append(core.Items, parseSelectItem(toks[itemStart:i]))
				itemStart = i + 1
			}
			continue
		}
		if depth == 0 && t.matches("INTO") {
			core.Items = append(core.Items, parseSelectItem(toks[itemStart:i]))
			core.HasInto = true
			// Skip the INTO target (TEMP/TEMPORARY/UNLOGGED/TABLE and a
			// possibly qualified name).
			i++
			for i < len(toks) && (toks[i].matchesAny("TEMP", "TEMPORARY", "UNLOGGED", "TABLE") ||
				toks[i].kind == tokIdent || toks[i].kind == tokQuotedIdent || toks[i].kind == tokDot) {
				if toks[i].matches("FROM") {
					break
				}
				i++
			}
			itemStart = i
			i--
			continue
		}
		if depth == 0 && t.matches("FROM") {
			if i > itemStart {
				core.Items = append(core.Items, parseSelectItem(toks[itemStart:i]))
			}
			fromIdx = i
			break
		}
	}
	if fromIdx < 0 {
		// SELECT without FROM (e.g. SELECT 1, SELECT now()).
		if itemStart < len(toks) {
			// Trailing clauses (LIMIT etc.) may still follow; find them.
			endIdx := len(toks)
			d := 0
			for j := itemStart; j < len(toks); j++ {
				switch toks[j].kind {
				case tokLParen:
					d++
				case tokRParen:
					d--
				}
				if d == 0 && isClauseBoundary(toks[j]) {
					endIdx = j
					break
				}
			}
			if endIdx > itemStart {
				core.Items = append(core.Items, parseSelectItem(toks[itemStart:endIdx]))
			}
			parseTrailingClauses(core, toks, endIdx)
		}
		return core, nil
	}

	// FROM clause.
	next, err := parseFromClause(core, toks, fromIdx+1)
	if err != nil {
		return nil, err
	}

	parseTrailingClauses(core, toks, next)
	return core, nil
}

// parseTrailingClauses scans from i for depth-zero LIMIT and locking
// clauses. Other trailing clauses are structurally uninteresting.
func parseTrailingClauses(core *SelectCore, toks []token, i int) {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		}
		if depth != 0 {
			continue
		}
		if t.matches("LIMIT") {
			core.HasLimit = true
			if i+1 < len(toks) && toks[i+1].kind == tokNumber {
				if v, err := strconv.ParseInt(toks[i+1].text, 10, 64); err == nil {
					core.Limit = &LimitClause{Value: v, ValueStart: toks[i+1].pos, ValueEnd: toks[i+1].end}
				}
			}
		}
		if t.matches("FOR") && i+1 < len(toks) {
			rest := toks[i+1:]
			if rest[0].matchesAny("UPDATE", "SHARE") {
				core.HasLocking = true
			} else if len(rest) >= 3 && rest[0].matches("NO") && rest[1].matches("KEY") && rest[2].matches("UPDATE") {
				core.HasLocking = true
			} else if len(rest) >= 2 && rest[0].matches("KEY") && rest[1].matches("SHARE") {
				core.HasLocking = true
			}
		}
	}
}

// parseSelectItem interprets one projection entry.
func parseSelectItem(toks []token) SelectItem {
	// Strip a trailing "AS alias" or bare alias after a complete ref.
	if len(toks) >= 2 && toks[len(toks)-2].matches("AS") {
		toks = toks[:len(toks)-2]
	}

	if len(toks) == 0 {
		return SelectItem{IsExpr: true}
	}

	// Bare star.
	if len(toks) == 1 && toks[0].kind == tokStar {
		return SelectItem{Star: true}
	}

	// Qualified star: ident . star (possibly schema.table.*; the qualifier
	// is the segment immediately before the star).
	if len(toks) >= 3 && toks[len(toks)-1].kind == tokStar && toks[len(toks)-2].kind == tokDot {
		q := toks[len(toks)-3]
		if q.kind == tokIdent || q.kind == tokQuotedIdent {
			return SelectItem{Star: true, Qualifier: q.text}
		}
	}

	// Plain column ref: ident (.ident)* with an optional bare alias.
	parts, rest := identChain(toks)
	if parts != nil {
		if len(rest) == 1 && (rest[0].kind == tokIdent || rest[0].kind == tokQuotedIdent) {
			rest = nil // bare alias
		}
		if len(rest) == 0 {
			item := SelectItem{Column: parts[len(parts)-1]}
			if len(parts) > 1 {
				item.Qualifier = parts[len(parts)-2]
			}
			return item
		}
	}

	return SelectItem{IsExpr: true}
}

// identChain consumes a leading ident(.ident)* sequence and returns its
// parts and the remaining tokens. Returns nil parts when the range does
// not start with an identifier.
func identChain(toks []token) ([]string, []token) {
	if len(toks) == 0 || (toks[0].kind != tokIdent && toks[0].kind != tokQuotedIdent) {
		return nil, toks
	}
	parts := []string{toks[0].text}
	i := 1
	for i+1 < len(toks) && toks[i].kind == tokDot &&
		(toks[i+1].kind == tokIdent || toks[i+1].kind == tokQuotedIdent) {
		parts = append(parts, toks[i+1].text)
		i += 2
	}
	return parts, toks[i:]
}

// joinWords are the keywords that may precede JOIN in a join run.
var joinWords = map[string]bool{
	"JOIN": true, "LEFT": true, "RIGHT": true, "FULL": true, "INNER": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "LATERAL": true,
}

// parseFromClause consumes FROM targets (tables, subqueries, joins) from
// position i until a depth-zero clause boundary, appending refs to core.
// Returns the index of the first token after the clause.
func parseFromClause(core *SelectCore, toks []token, i int) (int, error) {
	expectRef := true

	for i < len(toks) {
		t := toks[i]

		if isClauseBoundary(t) {
			return i, nil
		}

		if expectRef {
			ref, next, err := parseTableRef(core, toks, i)
			if err != nil {
				return 0, err
			}
			if ref != nil {
				core.From = append(core.From, *ref)
			}
			i = next
			expectRef = false
			continue
		}

		switch {
		case t.kind == tokComma:
			expectRef = true
			i++
		case t.kind == tokIdent && joinWords[strings.ToUpper(t.text)]:
			// Consume the whole join-word run, then expect a ref.
			for i < len(toks) && toks[i].kind == tokIdent && joinWords[strings.ToUpper(toks[i].text)] {
				i++
			}
			expectRef = true
		case t.matches("ON"):
			// Join condition: skip tokens until the next depth-zero comma,
			// join word, or clause boundary. Subqueries and functions in
			// the condition were already collected by scanTokens.
			i++
			depth := 0
			for i < len(toks) {
				tt := toks[i]
				if tt.kind == tokLParen {
					depth++
				} else if tt.kind == tokRParen {
					depth--
				}
				if depth == 0 && (tt.kind == tokComma ||
					(tt.kind == tokIdent && joinWords[strings.ToUpper(tt.text)]) ||
					isClauseBoundary(tt)) {
					break
				}
				i++
			}
		case t.matches("USING") && i+1 < len(toks) && toks[i+1].kind == tokLParen:
			end := matchParen(toks, i+1)
			if end < 0 {
				return 0, fmt.Errorf("unbalanced parentheses in USING")
			}
			i = end + 1
		case t.kind == tokLParen:
			end := matchParen(toks, i)
			if end < 0 {
				return 0, fmt.Errorf("unbalanced parentheses in FROM clause")
			}
			i = end + 1
		default:
			i++
		}
	}
	return i, nil
}

// parseTableRef parses a single FROM target starting at i: a possibly
// schema-qualified table name with an optional alias, a parenthesized
// subquery with an alias, or a parenthesized join group.
func parseTableRef(core *SelectCore, toks []token, i int) (*TableRef, int, error) {
	if i >= len(toks) {
		return nil, i, nil
	}
	t := toks[i]

	// ONLY prefix (inheritance).
	if t.matches("ONLY") {
		i++
		if i >= len(toks) {
			return nil, i, nil
		}
		t = toks[i]
	}

	if t.kind == tokLParen {
		end := matchParen(toks, i)
		if end < 0 {
			return nil, 0, fmt.Errorf("unbalanced parentheses in FROM clause")
		}
		inner := toks[i+1 : end]
		if isStatementStart(inner) {
			ref := &TableRef{IsSubquery: true}
			next := end + 1
			next = parseAlias(toks, next, &ref.Alias)
			return ref, next, nil
		}
		// Parenthesized join group: parse its contents as a nested FROM
		// clause contributing refs to the same core.
		if _, err := parseFromClause(core, inner, 0); err != nil {
			return nil, 0, err
		}
		next := end + 1
		var discard string
		next = parseAlias(toks, next, &discard)
		return nil, next, nil
	}

	if t.kind != tokIdent && t.kind != tokQuotedIdent {
		// Not a recognizable target; let the caller's scanner move on.
		return nil, i + 1, nil
	}

	parts, _ := identChain(toks[i:])
	consumed := len(parts)*2 - 1
	next := i + consumed

	// A function in FROM (set-returning) is not a table.
	if next < len(toks) && toks[next].kind == tokLParen {
		end := matchParen(toks, next)
		if end < 0 {
			return nil, 0, fmt.Errorf("unbalanced parentheses in FROM clause")
		}
		next = end + 1
		var discard string
		next = parseAlias(toks, next, &discard)
		return nil, next, nil
	}

	ref := &TableRef{Name: parts[len(parts)-1]}
	if len(parts) > 1 {
		ref.Schema = parts[len(parts)-2]
	}
	next = parseAlias(toks, next, &ref.Alias)
	return ref, next, nil
}

// parseAlias consumes "[AS] alias [(cols)]" if present at i.
func parseAlias(toks []token, i int, out *string) int {
	if i < len(toks) && toks[i].matches("AS") {
		i++
		if i < len(toks) && (toks[i].kind == tokIdent || toks[i].kind == tokQuotedIdent) {
			*out = toks[i].text
			i++
		}
	} else if i < len(toks) && (toks[i].kind == tokIdent || toks[i].kind == tokQuotedIdent) &&
		!isClauseBoundary(toks[i]) && !joinWords[strings.ToUpper(toks[i].text)] &&
		!toks[i].matchesAny("ON", "USING", "ONLY", "TABLESAMPLE") {
		*out = toks[i].text
		i++
	}
	// Column alias list: alias(c1, c2).
	if i < len(toks) && toks[i].kind == tokLParen && *out != "" {
		if end := matchParen(toks, i); end > 0 {
			i = end + 1
		}
	}
	return i
}
