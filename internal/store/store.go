// Package store persists the durable per-tenant marker: the one piece of
// controller state guaranteed to survive eviction. Everything else the
// controller holds is re-derivable; this is not, so it lives in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Marker is the durable record for one tenant.
type Marker struct {
	TenantID     string
	LastActivity time.Time
}

// DB wraps the SQLite database holding durable markers.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the marker database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Busy timeout guards against transient lock contention with the
	// timer goroutines.
	dsn := path + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	wrapped := &DB{DB: db, path: path}
	if err := wrapped.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return wrapped, nil
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenant_markers (
			tenant_id TEXT PRIMARY KEY,
			last_activity INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_markers_activity ON tenant_markers(last_activity)`,
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// TouchMarker records activity for a tenant, creating the marker if it
// does not exist. Written on every inbound request.
func (db *DB) TouchMarker(tenantID string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO tenant_markers (tenant_id, last_activity, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			updated_at = CURRENT_TIMESTAMP`,
		tenantID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	return nil
}

// GetMarker returns the marker for a tenant, or nil if none was ever
// written.
func (db *DB) GetMarker(tenantID string) (*Marker, error) {
	var ms int64
	err := db.QueryRow(
		`SELECT last_activity FROM tenant_markers WHERE tenant_id = ?`,
		tenantID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get marker: %w", err)
	}
	return &Marker{TenantID: tenantID, LastActivity: time.UnixMilli(ms)}, nil
}

// DeleteMarker removes a tenant's marker. Used when a tenant is removed
// from the platform entirely, not on idle destroy.
func (db *DB) DeleteMarker(tenantID string) error {
	if _, err := db.Exec(`DELETE FROM tenant_markers WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}
