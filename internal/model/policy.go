package model

// SelectStarPolicy controls how queries using a wildcard projection are
// treated when any of the exposed columns is denied.
type SelectStarPolicy string

const (
	// SelectStarReject denies the entire query when SELECT * would expose
	// a denied column. The true column set of a star expansion is opaque
	// to static inspection, so a partial grant is not meaningful.
	SelectStarReject SelectStarPolicy = "reject"
	// SelectStarAllow lets SELECT * through; callers are expected to
	// rewrite the projection via GetSafeColumns instead.
	SelectStarAllow SelectStarPolicy = "allow"
)

// PolicyConfig is the per-database access policy. When AllowedTables is
// non-empty it is authoritative and DeniedTables is ignored.
type PolicyConfig struct {
	AllowedSchemas     []string         `yaml:"allowed_schemas" json:"allowed_schemas"`
	AllowedTables      []string         `yaml:"allowed_tables" json:"allowed_tables"`
	DeniedTables       []string         `yaml:"denied_tables" json:"denied_tables"`
	DeniedColumns      []string         `yaml:"denied_columns" json:"denied_columns"`
	DeniedColumnGlobs  []string         `yaml:"denied_column_patterns" json:"denied_column_patterns"`
	SelectStar         SelectStarPolicy `yaml:"select_star_policy" json:"select_star_policy"`
}

// CheckType identifies which policy dimension a violation belongs to.
type CheckType string

const (
	CheckSchema CheckType = "schema"
	CheckTable  CheckType = "table"
	CheckColumn CheckType = "column"
)

// PolicyViolation is a single denied resource with the reason it was denied.
type PolicyViolation struct {
	CheckType CheckType `json:"check_type"`
	Resource  string    `json:"resource"`
	Reason    string    `json:"reason"`
}

// PolicyValidationResult aggregates every violation found across the
// schema, table, and column checks. The policy engine never short-circuits,
// so one audit event can report the complete violation set.
type PolicyValidationResult struct {
	Passed     bool              `json:"passed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// ViolationsOf returns the violations of a single check type.
func (r *PolicyValidationResult) ViolationsOf(t CheckType) []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.CheckType == t {
			out = append(out, v)
		}
	}
	return out
}
