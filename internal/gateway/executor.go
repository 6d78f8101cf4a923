package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgguard/pgguard/internal/connector"
	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/policy"
	"github.com/pgguard/pgguard/internal/sqlguard"
)

// SchemaProvider supplies schema snapshots; *schemacache.Cache is the
// production implementation.
type SchemaProvider interface {
	GetOrRefresh(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error)
	Invalidate(database string)
}

// Auditor receives one event per query attempt; *audit.Logger is the
// production implementation.
type Auditor interface {
	Log(model.AuditEvent)
}

// Target bundles everything the executor needs for one configured
// database: its pool, its access policy, and the schema it introspects.
type Target struct {
	Name       string
	Pool       connector.Pool
	Policy     *policy.Engine
	SchemaName string
}

// Options bounds every execution.
type Options struct {
	// MaxRows caps result sets; AddLimit enforces it inside the SQL and
	// the fetch loop enforces it again at scan time.
	MaxRows int
	// QueryTimeout becomes the server-side statement timeout.
	QueryTimeout time.Duration
}

// Request is one query attempt with its caller identity, carried through
// to the audit record.
type Request struct {
	Database  string
	SQL       string
	Question  string
	RequestID string
	SessionID string
	Client    model.ClientInfo
	// MaxRows optionally tightens (never widens) the configured cap.
	MaxRows int
}

// Executor is the pipeline every query runs through: static validation,
// policy authorization, row limiting, cost gating, read-only execution,
// and audit logging. It is the single point where lower-layer failures
// become typed gateway errors; nothing below it talks to clients.
type Executor struct {
	targets map[string]*Target
	cache   SchemaProvider
	auditor Auditor
	gate    *CostGate
	opts    Options
}

// NewExecutor wires the pipeline. All dependencies are explicit; there is
// no package-level state to configure.
func NewExecutor(targets []*Target, cache SchemaProvider, auditor Auditor, gate *CostGate, opts Options) *Executor {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 1000
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	m := make(map[string]*Target, len(targets))
	for _, t := range targets {
		m[t.Name] = t
	}
	return &Executor{targets: m, cache: cache, auditor: auditor, gate: gate, opts: opts}
}

// Databases lists the configured database names.
func (e *Executor) Databases() []string {
	names := make([]string, 0, len(e.targets))
	for name := range e.targets {
		names = append(names, name)
	}
	return names
}

// Target returns the named target, or nil.
func (e *Executor) Target(name string) *Target {
	return e.targets[name]
}

// Schema returns a fresh-enough snapshot for the database, refreshing the
// cache if needed.
func (e *Executor) Schema(ctx context.Context, database string) (*model.DatabaseSchema, error) {
	t := e.targets[database]
	if t == nil {
		return nil, NewError(CodeConnectionFailure, "database %q is not configured", database)
	}
	snap, err := e.cache.GetOrRefresh(ctx, database, t.Pool.DB(), t.SchemaName)
	if err != nil {
		return nil, WrapError(CodeConnectionFailure, err, "schema introspection failed for %q", database)
	}
	return snap, nil
}

// InvalidateSchema drops the cached snapshot for one database.
func (e *Executor) InvalidateSchema(database string) {
	e.cache.Invalidate(database)
}

// Execute runs one query through the full pipeline. Every attempt emits
// exactly one audit event, success or failure, before this returns; an
// error is always a *Error with a stable code.
func (e *Executor) Execute(ctx context.Context, req Request) (*model.QueryResult, error) {
	start := time.Now()

	target := e.targets[req.Database]
	if target == nil {
		gerr := NewError(CodeConnectionFailure, "database %q is not configured", req.Database)
		e.logDenied(req, gerr, skippedChecks(), start)
		return nil, gerr
	}

	// Static safety validation.
	if vres := sqlguard.Validate(req.SQL); !vres.IsValid || !vres.IsSafe {
		var gerr *Error
		if !vres.IsValid {
			gerr = NewError(CodeSyntaxError, "%s", vres.ErrorMessage)
		} else {
			gerr = NewError(CodeUnsafeSQL, "%s", vres.ErrorMessage)
		}
		e.logDenied(req, gerr, skippedChecks(), start)
		return nil, gerr
	}

	// Policy authorization against the parsed structure. A stale or
	// failed schema refresh degrades the star expansion check but never
	// blocks the policy decision itself.
	pq := sqlguard.ParseForPolicy(req.SQL)
	snapshot, err := e.cache.GetOrRefresh(ctx, req.Database, target.Pool.DB(), target.SchemaName)
	if err != nil {
		slog.Warn("schema refresh failed; policy runs without snapshot",
			"database", req.Database, "error", err)
	}

	pres := target.Policy.ValidateParsed(&pq, snapshot)
	if !pres.Passed {
		gerr := classifyPolicy(pres)
		e.logDenied(req, gerr, policyChecks(pres), start)
		return nil, gerr
	}

	// Row cap, enforced inside the SQL itself.
	maxRows := e.opts.MaxRows
	if req.MaxRows > 0 && req.MaxRows < maxRows {
		maxRows = req.MaxRows
	}
	limited := sqlguard.AddLimit(req.SQL, maxRows)

	// Execution inside a database-enforced READ ONLY transaction. The
	// planner cost ceiling is checked first, on the same connection and
	// under the same statement timeout as the query it prices.
	checks := model.CheckInfo{
		TableAccess:  model.CheckPassed,
		ColumnAccess: model.CheckPassed,
		ExplainCheck: model.CheckSkipped,
	}
	roOpts := connector.ReadOnlyOptions{
		Timeout: e.opts.QueryTimeout,
		MaxRows: maxRows,
	}
	if e.gate != nil && e.gate.Enabled {
		roOpts.Preflight = func(ctx context.Context, fetch connector.FetchFunc) error {
			if _, err := e.gate.Check(ctx, fetch, limited); err != nil {
				checks.ExplainCheck = model.CheckDenied
				return err
			}
			checks.ExplainCheck = model.CheckPassed
			return nil
		}
	}

	result, err := target.Pool.FetchReadOnly(ctx, limited, roOpts)
	if err != nil {
		gerr := translateExecError(err)
		if checks.ExplainCheck == model.CheckDenied {
			e.logDenied(req, gerr, checks, start)
			return nil, gerr
		}
		e.auditor.Log(model.AuditEvent{
			EventType: model.AuditQueryFailed,
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Database:  req.Database,
			Client:    req.Client,
			Query:     model.QueryInfo{Question: req.Question, SQL: req.SQL},
			Result: model.ResultInfo{
				Status:          "error",
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				ErrorCode:       string(gerr.Code),
				ErrorMessage:    gerr.Message,
			},
			Checks: checks,
		})
		return nil, gerr
	}

	e.auditor.Log(model.AuditEvent{
		EventType: model.AuditQueryExecuted,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Database:  req.Database,
		Client:    req.Client,
		Query:     model.QueryInfo{Question: req.Question, SQL: req.SQL},
		Result: model.ResultInfo{
			Status:          "success",
			RowsReturned:    result.RowCount,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Truncated:       result.Truncated,
		},
		Checks: checks,
	})
	return result, nil
}

// classifyPolicy picks the error code for a failed policy check. When a
// query violates several dimensions at once, the broadest wins: schema
// over table over column.
func classifyPolicy(res model.PolicyValidationResult) *Error {
	pick := func(t model.CheckType, code Code) *Error {
		vs := res.ViolationsOf(t)
		if len(vs) == 0 {
			return nil
		}
		resources := make([]string, 0, len(vs))
		reasons := make([]string, 0, len(vs))
		for _, v := range vs {
			resources = append(resources, v.Resource)
			reasons = append(reasons, v.Reason)
		}
		gerr := NewError(code, "%s", strings.Join(reasons, "; "))
		gerr.Resources = resources
		return gerr
	}

	if gerr := pick(model.CheckSchema, CodeSchemaDenied); gerr != nil {
		return gerr
	}
	if gerr := pick(model.CheckTable, CodeTableDenied); gerr != nil {
		return gerr
	}
	if gerr := pick(model.CheckColumn, CodeColumnDenied); gerr != nil {
		return gerr
	}
	return NewError(CodeInternalError, "policy check failed without violations")
}

// translateExecError maps execution failures onto the taxonomy. An error
// that is already typed (the cost gate's, surfaced through the fetch)
// passes through unchanged.
func translateExecError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	switch {
	case errors.Is(err, connector.ErrQueryTimeout):
		return WrapError(CodeQueryTimeout, err, "query exceeded the execution timeout")
	case errors.Is(err, connector.ErrConnection):
		return WrapError(CodeConnectionFailure, err, "database connection failed")
	default:
		// Surfacing the database's own message helps the SQL generator
		// fix the query; the SQL itself was already policy-checked.
		return WrapError(CodeInternalError, err, "query execution failed: %v", err)
	}
}

func skippedChecks() model.CheckInfo {
	return model.CheckInfo{
		TableAccess:  model.CheckSkipped,
		ColumnAccess: model.CheckSkipped,
		ExplainCheck: model.CheckSkipped,
	}
}

// policyChecks renders a failed policy result as per-gate outcomes.
// Schema violations count against table access; there is no separate
// schema slot in the audit record.
func policyChecks(res model.PolicyValidationResult) model.CheckInfo {
	checks := model.CheckInfo{
		TableAccess:  model.CheckPassed,
		ColumnAccess: model.CheckPassed,
		ExplainCheck: model.CheckSkipped,
	}
	if len(res.ViolationsOf(model.CheckSchema)) > 0 || len(res.ViolationsOf(model.CheckTable)) > 0 {
		checks.TableAccess = model.CheckDenied
	}
	if len(res.ViolationsOf(model.CheckColumn)) > 0 {
		checks.ColumnAccess = model.CheckDenied
	}
	return checks
}

// logDenied emits the audit record for an attempt stopped before
// execution.
func (e *Executor) logDenied(req Request, gerr *Error, checks model.CheckInfo, start time.Time) {
	e.auditor.Log(model.AuditEvent{
		EventType: model.AuditQueryDenied,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Database:  req.Database,
		Client:    req.Client,
		Query:     model.QueryInfo{Question: req.Question, SQL: req.SQL},
		Result: model.ResultInfo{
			Status:          "denied",
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ErrorCode:       string(gerr.Code),
			ErrorMessage:    gerr.Message,
		},
		Checks: checks,
	})
}
