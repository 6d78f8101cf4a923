package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseEngine(t *testing.T) {
	for _, s := range []string{"postgres", "PostgreSQL", "pgx"} {
		e, err := ParseEngine(s)
		if err != nil || e != EnginePostgres {
			t.Errorf("ParseEngine(%q) = %v, %v", s, e, err)
		}
	}
	if _, err := ParseEngine("mysql"); err == nil {
		t.Error("ParseEngine accepted an unsupported engine")
	}
}

func TestSanitizeDSN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"plain",
			"postgres://app:secret@db:5432/appdb",
			"postgres://app:secret@db:5432/appdb",
		},
		{
			"password with at sign",
			"postgres://app:p@ss@db:5432/appdb",
			"postgres://app:p%40ss@db:5432/appdb",
		},
		{
			"password with hash",
			"postgres://app:p#ss@db:5432/appdb?sslmode=disable",
			"postgres://app:p%23ss@db:5432/appdb?sslmode=disable",
		},
		{
			"no credentials",
			"postgres://db:5432/appdb",
			"postgres://db:5432/appdb",
		},
		{
			"key value style untouched",
			"host=db port=5432 dbname=appdb",
			"host=db port=5432 dbname=appdb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeDSN(tt.in); got != tt.want {
				t.Errorf("SanitizeDSN(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTranslatePgError(t *testing.T) {
	ctx := context.Background()

	canceled := &pgconn.PgError{Code: pgQueryCanceled, Message: "canceling statement due to statement timeout"}
	if err := translatePgError(ctx, canceled); !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("57014 not mapped to ErrQueryTimeout: %v", err)
	}

	if err := translatePgError(ctx, context.DeadlineExceeded); !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("deadline not mapped to ErrQueryTimeout: %v", err)
	}

	other := &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	if err := translatePgError(ctx, other); errors.Is(err, ErrQueryTimeout) {
		t.Error("unrelated pg error mapped to timeout")
	}
}
