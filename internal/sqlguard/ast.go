package sqlguard

// StatementType classifies a parsed statement by its leading verb.
type StatementType int

const (
	StatementSelect StatementType = iota
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementDrop
	StatementCreate
	StatementAlter
	StatementTruncate
	StatementGrant
	StatementRevoke
	StatementSet
	StatementCopy
	StatementOther
)

// String returns the SQL verb for the statement type.
func (t StatementType) String() string {
	switch t {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementDrop:
		return "DROP"
	case StatementCreate:
		return "CREATE"
	case StatementAlter:
		return "ALTER"
	case StatementTruncate:
		return "TRUNCATE"
	case StatementGrant:
		return "GRANT"
	case StatementRevoke:
		return "REVOKE"
	case StatementSet:
		return "SET"
	case StatementCopy:
		return "COPY"
	default:
		return "OTHER"
	}
}

// Denied reports whether the statement type is on the read-only gateway's
// denylist. Only plain SELECT is allowed; everything else, including
// generic commands the parser cannot otherwise classify, is denied.
func (t StatementType) Denied() bool {
	return t != StatementSelect
}

// Script is a full parsed input, which may contain several semicolon
// separated statements. The validator rejects multi-statement scripts;
// the parser still represents them so the rejection can say why.
type Script struct {
	SQL        string
	Statements []*Statement
}

// Statement is one parsed SQL statement. For compound selects
// (UNION/INTERSECT/EXCEPT) the first branch is the statement itself and
// each further branch appears in Subqueries.
type Statement struct {
	Type       StatementType
	CTEs       []CTE
	Select     *SelectCore // non-nil only when Type == StatementSelect
	Funcs      []FuncCall
	Subqueries []*Statement
	Start      int // byte offset of the first token in the original SQL
	End        int // byte offset one past the last token

	// compound marks a branch split off a UNION/INTERSECT/EXCEPT chain,
	// as opposed to a parenthesized subquery.
	compound bool
}

// CTE is a single WITH-clause entry. Its body is an independently parsed
// statement; a mutation hiding in a CTE body is caught by checking the
// body against the same statement-type denylist as the outer statement.
type CTE struct {
	Name string
	Body *Statement
}

// SelectCore holds the clause-level structure of a SELECT. HasLimit is
// set for any statement-level LIMIT clause; Limit is populated only when
// its argument is a plain number that can be rewritten in place.
type SelectCore struct {
	Items      []SelectItem
	From       []TableRef
	HasInto    bool
	HasLocking bool
	HasLimit   bool
	Limit      *LimitClause
}

// SelectItem is one projection entry. Star items carry an optional
// qualifier (alias.* vs bare *); plain column references carry the
// qualifier and column name; anything more complex is marked IsExpr.
type SelectItem struct {
	Star      bool
	Qualifier string
	Column    string
	IsExpr    bool
}

// TableRef is a FROM or JOIN target. Subquery targets have IsSubquery set
// and only their alias populated; the subquery body itself is recorded on
// the enclosing statement.
type TableRef struct {
	Schema     string
	Name       string
	Alias      string
	IsSubquery bool
}

// FuncCall is a function invocation found anywhere in a statement.
type FuncCall struct {
	Name string
	Pos  int
}

// LimitClause records a top-level LIMIT with the byte span of its numeric
// argument, so AddLimit can splice a smaller value in place.
type LimitClause struct {
	Value      int64
	ValueStart int
	ValueEnd   int
}

// Walk visits the statement and every nested statement (CTE bodies,
// subqueries, compound-select branches) in preorder.
func (s *Statement) Walk(fn func(*Statement)) {
	if s == nil {
		return
	}
	fn(s)
	for _, cte := range s.CTEs {
		cte.Body.Walk(fn)
	}
	for _, sub := range s.Subqueries {
		sub.Walk(fn)
	}
}

// AllFuncs returns every function call in the statement tree.
func (s *Statement) AllFuncs() []FuncCall {
	var out []FuncCall
	s.Walk(func(st *Statement) {
		out = append(out, st.Funcs...)
	})
	return out
}

// TopLimit returns the LIMIT clause governing the whole statement. For a
// compound select that is the limit of the last branch; otherwise the
// statement's own.
func (s *Statement) TopLimit() *LimitClause {
	if s.Select == nil {
		return nil
	}
	// Compound branches are appended in source order; the trailing
	// branch owns any statement-level LIMIT.
	for i := len(s.Subqueries) - 1; i >= 0; i-- {
		sub := s.Subqueries[i]
		if sub.compound && sub.Select != nil {
			return sub.Select.Limit
		}
	}
	return s.Select.Limit
}

// HasTopLimit reports whether the statement carries any governing LIMIT
// clause, including forms like LIMIT ALL or LIMIT $1 whose argument
// TopLimit cannot represent.
func (s *Statement) HasTopLimit() bool {
	if s.Select == nil {
		return false
	}
	for i := len(s.Subqueries) - 1; i >= 0; i-- {
		sub := s.Subqueries[i]
		if sub.compound && sub.Select != nil {
			return sub.Select.HasLimit
		}
	}
	return s.Select.HasLimit
}

// IsReadOnly reports whether the statement and everything nested inside it
// is a SELECT.
func (s *Statement) IsReadOnly() bool {
	readonly := true
	s.Walk(func(st *Statement) {
		if st.Type != StatementSelect {
			readonly = false
		}
	})
	return readonly
}
