package config

import (
	"fmt"
	"strings"
)

// migrations run in order on every startup. Each statement must be safe to
// re-run: CREATE ... IF NOT EXISTS, or an ALTER TABLE whose duplicate-column
// error we tolerate below.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash     TEXT NOT NULL UNIQUE,
		key_prefix   TEXT NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at   DATETIME
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			// Re-running an ALTER TABLE ADD COLUMN against an already
			// migrated database is fine.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
