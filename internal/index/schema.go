// Package index implements the SQLite-backed cache store for indexed notes,
// the reindex pass that keeps it consistent with the vault, and the query
// surface over it.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-sqlite3"

	"github.com/okvist/zet/internal/apperr"
)

// schemaVersion is persisted via PRAGMA user_version. A cache written with a
// different version is refused with ErrSchemaMismatch; a forced full reindex
// rebuilds it.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id          TEXT PRIMARY KEY,
	path        TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	checksum    TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	modified_at DATETIME NOT NULL,
	indexed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
	note_id TEXT NOT NULL,
	tag     TEXT NOT NULL,
	UNIQUE(note_id, tag),
	FOREIGN KEY(note_id) REFERENCES notes(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS links (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	UNIQUE(source, target),
	FOREIGN KEY(source) REFERENCES notes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
CREATE INDEX IF NOT EXISTS idx_links_source ON links(source);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);
`

// DB wraps a sql.DB with cache-store operations. One cache file exists per
// vault; the handle is acquired at command start and released on exit.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite cache and applies the schema. An
// existing cache written by an incompatible engine version yields
// apperr.ErrSchemaMismatch. A cache that cannot be opened or is locked by
// another instance yields apperr.ErrStoreUnavailable.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open cache: %w: %v", apperr.ErrStoreUnavailable, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping cache: %w: %v", apperr.ErrStoreUnavailable, err)
	}

	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: read schema version: %w: %v", apperr.ErrStoreUnavailable, err)
	}

	var tables int
	if err := conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'notes'`).Scan(&tables); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: inspect cache: %w: %v", apperr.ErrStoreUnavailable, err)
	}

	if tables > 0 && version != schemaVersion {
		conn.Close()
		return nil, fmt.Errorf("index: cache has schema version %d, engine wants %d: %w", version, schemaVersion, apperr.ErrSchemaMismatch)
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", translateErr(err))
	}
	if _, err := conn.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: set schema version: %w", translateErr(err))
	}

	return &DB{conn: conn}, nil
}

// Rebuild discards any existing cache at path and opens a fresh one. Used
// for recovery from ErrSchemaMismatch or suspected corruption, always paired
// with a full reindex.
func Rebuild(path string) (*DB, error) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index: remove stale cache %s: %w", p, err)
		}
	}
	return Open(path)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// translateErr maps SQLite driver errors onto the engine's error taxonomy.
// Lock contention surfaces as ErrStoreUnavailable (fail fast, never corrupt
// the cache with uncoordinated writers); unique/foreign-key failures surface
// as ErrConstraint so the surrounding transaction is rolled back and the
// note reported failed.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", apperr.ErrConstraint, err)
		}
	}
	return err
}
