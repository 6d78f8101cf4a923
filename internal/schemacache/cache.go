// Package schemacache caches point-in-time snapshots of database metadata
// so that schema lookups on the hot path never touch the database. Entries
// expire by TTL and are refreshed wholesale; there is no partial update.
package schemacache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgguard/pgguard/internal/model"
)

// DefaultTTL is used when the configured TTL is zero.
const DefaultTTL = 5 * time.Minute

// Cache holds one schema snapshot per database name. Reads take a shared
// lock; refreshes serialize process-wide through refreshMu, held across
// the introspection I/O so concurrent callers for the same database
// perform exactly one refresh between them.
type Cache struct {
	ttl time.Duration

	// injectable for tests
	now          func() time.Time
	introspectFn func(ctx context.Context, db *sqlx.DB, database, schemaName string) (*model.DatabaseSchema, error)

	mu      sync.RWMutex
	entries map[string]*model.DatabaseSchema

	refreshMu sync.Mutex
}

// New builds an empty cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:          ttl,
		now:          time.Now,
		introspectFn: introspect,
		entries:      make(map[string]*model.DatabaseSchema),
	}
}

// Get returns the cached snapshot for the database, or nil when there is
// none or it has expired. Expiry is checked lazily at read time; nothing
// evicts in the background.
func (c *Cache) Get(database string) *model.DatabaseSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freshLocked(database)
}

func (c *Cache) freshLocked(database string) *model.DatabaseSchema {
	entry := c.entries[database]
	if entry == nil || entry.CachedAt == nil {
		return nil
	}
	if c.now().Sub(*entry.CachedAt) >= c.ttl {
		return nil
	}
	return entry
}

// Refresh introspects the database and replaces its snapshot. The whole
// entry is swapped at once; readers never observe a half-built snapshot.
// An introspection failure leaves the previous entry in place.
func (c *Cache) Refresh(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx, database, db, schemaName)
}

func (c *Cache) refreshLocked(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error) {
	start := c.now()
	snapshot, err := c.introspectFn(ctx, db, database, schemaName)
	if err != nil {
		return nil, fmt.Errorf("refresh schema for %s: %w", database, err)
	}
	cachedAt := c.now()
	snapshot.CachedAt = &cachedAt

	c.mu.Lock()
	c.entries[database] = snapshot
	c.mu.Unlock()

	slog.Debug("schema cache refreshed",
		"database", database,
		"tables", len(snapshot.Tables),
		"views", len(snapshot.Views),
		"took", cachedAt.Sub(start))
	return snapshot, nil
}

// GetOrRefresh returns a fresh snapshot, refreshing if needed. Concurrent
// callers for the same database serialize on the refresh lock and
// double-check the cache once they hold it, so the introspection queries
// run once, not once per caller.
func (c *Cache) GetOrRefresh(ctx context.Context, database string, db *sqlx.DB, schemaName string) (*model.DatabaseSchema, error) {
	if snapshot := c.Get(database); snapshot != nil {
		return snapshot, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited on the lock.
	c.mu.RLock()
	snapshot := c.freshLocked(database)
	c.mu.RUnlock()
	if snapshot != nil {
		return snapshot, nil
	}

	return c.refreshLocked(ctx, database, db, schemaName)
}

// Invalidate drops the snapshot for one database.
func (c *Cache) Invalidate(database string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, database)
}

// InvalidateAll drops every snapshot.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*model.DatabaseSchema)
}
