// Package connector owns the database side of the gateway: engine
// selection, connection pooling, and the read-only execution primitive
// every query ultimately runs through.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgguard/pgguard/internal/model"
)

// Engine identifies a supported database engine. The set is closed at
// compile time: adding an engine means adding a case to Open, not
// registering a plugin at runtime.
type Engine int

const (
	EnginePostgres Engine = iota
)

func (e Engine) String() string {
	switch e {
	case EnginePostgres:
		return "postgres"
	default:
		return fmt.Sprintf("engine(%d)", int(e))
	}
}

// ParseEngine maps a config string to an Engine. The aliases cover what
// connection URLs commonly use.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pgx":
		return EnginePostgres, nil
	default:
		return 0, fmt.Errorf("unsupported engine %q (supported: postgres)", s)
	}
}

// Config holds the connection parameters for one database pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// FetchFunc runs one gateway-authored query on an already-acquired
// connection and returns all rows.
type FetchFunc func(ctx context.Context, query string) (*model.QueryResult, error)

// ReadOnlyOptions bounds a FetchReadOnly call. Timeout becomes a
// server-side statement timeout in addition to the context deadline;
// MaxRows caps the result set, with the overflow recorded as truncation.
type ReadOnlyOptions struct {
	Timeout time.Duration
	MaxRows int

	// Preflight, when set, runs inside the transaction before the main
	// query, bound to the same connection and statement timeout. A non-nil
	// error aborts the fetch and is returned unchanged.
	Preflight func(ctx context.Context, fetch FetchFunc) error
}

// ErrQueryTimeout is returned when the server cancels a statement for
// exceeding its timeout, or the context deadline expires mid-query.
var ErrQueryTimeout = errors.New("query timed out")

// ErrConnection is returned when a connection or transaction could not be
// obtained at all, as opposed to a query failing once it ran.
var ErrConnection = errors.New("connection failure")

// Pool is the fixed capability surface the gateway needs from a database.
// FetchReadOnly is the only method untrusted SQL is ever passed to.
type Pool interface {
	// Fetch runs a trusted, gateway-authored query and returns all rows.
	Fetch(ctx context.Context, query string, args ...interface{}) (*model.QueryResult, error)

	// FetchReadOnly runs a query inside a READ ONLY transaction with a
	// server-side statement timeout. The database itself rejects writes,
	// independent of any static validation upstream.
	FetchReadOnly(ctx context.Context, query string, opts ReadOnlyOptions) (*model.QueryResult, error)

	// Execute runs a trusted statement and returns the affected row count.
	Execute(ctx context.Context, query string, args ...interface{}) (int64, error)

	Ping(ctx context.Context) error
	Close() error

	// DB exposes the underlying pool for metadata introspection, which
	// scans typed rows directly.
	DB() *sqlx.DB
}

// Open builds a pool for the given engine. The switch is the complete
// engine mapping; an engine without a case here does not exist.
func Open(engine Engine, cfg Config) (Pool, error) {
	switch engine {
	case EnginePostgres:
		return openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported engine %q", engine)
	}
}

// SanitizeDSN percent-encodes the userinfo of a URL-style DSN. Raw
// passwords containing @, #, or % make the URL parser mis-split the
// authority component, which surfaces as confusing connection failures.
func SanitizeDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd < 0 {
		return dsn // key=value style, nothing to fix
	}

	scheme := dsn[:schemeEnd]
	rest := dsn[schemeEnd+3:]

	query := ""
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		query = rest[qi:]
		rest = rest[:qi]
	}

	atIdx := strings.LastIndex(rest, "@")
	if atIdx < 0 {
		return dsn
	}

	userinfo := rest[:atIdx]
	hostpath := rest[atIdx+1:]

	encoded := url.User(userinfo).String()
	if ci := strings.IndexByte(userinfo, ':'); ci >= 0 {
		encoded = url.UserPassword(userinfo[:ci], userinfo[ci+1:]).String()
	}

	return scheme + "://" + encoded + "@" + hostpath + query
}
