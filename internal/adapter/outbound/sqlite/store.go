// Package sqlite provides modernc.org/sqlite-backed implementations of the
// session and auth outbound ports, as a persistent alternative to the
// in-memory adapters in internal/adapter/outbound/memory. Grounded on
// HyphaGroup-oubliette's internal/auth/store.go: a single *sql.DB, a
// migrate-on-open schema, and plain database/sql queries (no ORM).
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB both stores are built from, so a deployment
// that wants persistent sessions and persistent auth data opens the
// database file once.
type DB struct {
	conn *sql.DB
}

// Open creates (or reuses) the sqlite database file at path, creating its
// parent directory if necessary, and runs the combined schema migration.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: avoid SQLITE_BUSY under write concurrency
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	negotiated_version  TEXT NOT NULL,
	client_capabilities TEXT NOT NULL,
	server_capabilities TEXT NOT NULL,
	client_info         TEXT NOT NULL,
	phase               INTEGER NOT NULL,
	identity_id         TEXT NOT NULL DEFAULT '',
	identity_name       TEXT NOT NULL DEFAULT '',
	roles               TEXT NOT NULL DEFAULT '[]',
	connection_id       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL,
	expires_at          DATETIME NOT NULL,
	last_access         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_connection ON sessions(connection_id);

CREATE TABLE IF NOT EXISTS identities (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL,
	roles TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash    TEXT PRIMARY KEY,
	identity_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	expires_at  DATETIME,
	revoked     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_api_keys_identity ON api_keys(identity_id);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
