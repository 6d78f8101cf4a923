package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgguard/pgguard/internal/connector"
	"github.com/pgguard/pgguard/internal/model"
)

// CostGate rejects queries whose planner estimates exceed the configured
// ceilings, before any rows are touched. It runs after validation and
// policy, so the SQL it EXPLAINs is already known to be a single safe
// SELECT.
type CostGate struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	MaxCost float64 `yaml:"max_cost" json:"max_cost"`
	MaxRows float64 `yaml:"max_rows" json:"max_rows"`
}

// explainPlan mirrors the top level of EXPLAIN (FORMAT JSON) output.
type explainPlan struct {
	Plan struct {
		TotalCost float64 `json:"Total Cost"`
		PlanRows  float64 `json:"Plan Rows"`
	} `json:"Plan"`
}

// Check runs EXPLAIN through the supplied fetch, which the executor binds
// to the same read-only transaction the query itself will run in, and
// compares the top-level plan estimates against the ceilings. The gate
// fails closed: when EXPLAIN itself errors or returns something
// unreadable, the query is denied rather than waved through unpriced.
func (g *CostGate) Check(ctx context.Context, fetch connector.FetchFunc, sql string) (model.ExplainResult, error) {
	if g == nil || !g.Enabled {
		return model.ExplainResult{Passed: true}, nil
	}

	res, err := fetch(ctx, "EXPLAIN (FORMAT JSON) "+sql)
	if err != nil {
		return model.ExplainResult{}, WrapError(CodeQueryTooExpensive, err,
			"query cost could not be estimated; refusing to run it")
	}

	plan, err := parseExplain(res)
	if err != nil {
		return model.ExplainResult{}, WrapError(CodeQueryTooExpensive, err,
			"query cost could not be estimated; refusing to run it")
	}

	out := model.ExplainResult{
		EstimatedRows: plan.Plan.PlanRows,
		TotalCost:     plan.Plan.TotalCost,
	}
	if g.MaxCost > 0 && out.TotalCost > g.MaxCost {
		return out, NewError(CodeQueryTooExpensive,
			"estimated cost %.0f exceeds the limit of %.0f; narrow the query with filters or a smaller join",
			out.TotalCost, g.MaxCost)
	}
	if g.MaxRows > 0 && out.EstimatedRows > g.MaxRows {
		return out, NewError(CodeQueryTooExpensive,
			"estimated row count %.0f exceeds the limit of %.0f; add a WHERE clause or LIMIT",
			out.EstimatedRows, g.MaxRows)
	}

	out.Passed = true
	return out, nil
}

func parseExplain(res *model.QueryResult) (*explainPlan, error) {
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return nil, fmt.Errorf("empty EXPLAIN output")
	}

	var raw []byte
	switch v := res.Rows[0][0].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("unexpected EXPLAIN output type %T", v)
	}

	var plans []explainPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return nil, fmt.Errorf("decode EXPLAIN output: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("EXPLAIN returned no plan")
	}
	return &plans[0], nil
}
