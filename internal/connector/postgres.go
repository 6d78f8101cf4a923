package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/pgguard/pgguard/internal/model"
)

// pgQueryCanceled is the PostgreSQL error code raised when a statement is
// canceled, including by statement_timeout.
const pgQueryCanceled = "57014"

// postgresPool implements Pool over sqlx with the pgx stdlib driver.
type postgresPool struct {
	db *sqlx.DB
}

func openPostgres(cfg Config) (Pool, error) {
	db, err := sqlx.Connect("pgx", SanitizeDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	return &postgresPool{db: db}, nil
}

func (p *postgresPool) DB() *sqlx.DB { return p.db }

func (p *postgresPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *postgresPool) Close() error {
	return p.db.Close()
}

// Fetch runs a trusted query and collects every row.
func (p *postgresPool) Fetch(ctx context.Context, query string, args ...interface{}) (*model.QueryResult, error) {
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, translatePgError(ctx, err)
	}
	defer rows.Close()
	return collectRows(ctx, rows, 0)
}

// FetchReadOnly runs untrusted SQL inside a READ ONLY transaction with a
// server-side statement timeout. SET LOCAL scopes the timeout to the
// transaction, so the pooled connection comes back clean.
func (p *postgresPool) FetchReadOnly(ctx context.Context, query string, opts ReadOnlyOptions) (*model.QueryResult, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		if terr := translatePgError(ctx, err); errors.Is(terr, ErrQueryTimeout) {
			return nil, terr
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only tx, rollback is the happy path

	if opts.Timeout > 0 {
		timeoutMs := opts.Timeout.Milliseconds()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}

	if opts.Preflight != nil {
		fetch := func(ctx context.Context, q string) (*model.QueryResult, error) {
			rows, err := tx.QueryxContext(ctx, q)
			if err != nil {
				return nil, translatePgError(ctx, err)
			}
			defer rows.Close()
			return collectRows(ctx, rows, 0)
		}
		if err := opts.Preflight(ctx, fetch); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, translatePgError(ctx, err)
	}
	defer rows.Close()

	res, err := collectRows(ctx, rows, opts.MaxRows)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Execute runs a trusted statement and reports the affected row count.
func (p *postgresPool) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translatePgError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // driver cannot report; not an execution failure
	}
	return n, nil
}

// collectRows drains a result set into a QueryResult. With maxRows > 0 it
// stops after maxRows rows and marks the result truncated if more exist.
func collectRows(ctx context.Context, rows *sqlx.Rows, maxRows int) (*model.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &model.QueryResult{Columns: cols, Rows: [][]interface{}{}}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeRow(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, translatePgError(ctx, err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// normalizeRow converts driver byte slices to strings so results marshal
// as text rather than base64.
func normalizeRow(vals []interface{}) []interface{} {
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals
}

// translatePgError maps timeout-shaped failures to ErrQueryTimeout and
// leaves everything else wrapped as-is.
func translatePgError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %s", ErrQueryTimeout, pgErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return err
}
