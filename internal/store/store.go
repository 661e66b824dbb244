// Package store implements the durable phase queue on SQLite. It is the
// system of record: every status transition flows through it, and the
// conditional-update primitives it exposes are what make the per-feature
// running guard atomic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/phaseline/internal/ctxlog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a queue ID has no row.
var ErrNotFound = errors.New("store: phase not found")

// schema is the initial (and so far only) migration. The partial unique
// index on running phases backs invariant enforcement at the lowest layer:
// even a buggy caller cannot commit two running phases for one feature.
const schema = `
CREATE TABLE IF NOT EXISTS features (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 50,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS phases (
	queue_id        TEXT PRIMARY KEY,
	feature_id      TEXT NOT NULL REFERENCES features(id),
	phase_number    INTEGER NOT NULL CHECK (phase_number > 0),
	depends_on      TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 50,
	external_ref    TEXT,
	executor_handle TEXT,
	port_a          INTEGER,
	port_b          INTEGER,
	error_message   TEXT,
	payload         TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (feature_id, phase_number)
);

CREATE INDEX IF NOT EXISTS idx_phases_status ON phases(status);
CREATE INDEX IF NOT EXISTS idx_phases_feature ON phases(feature_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_one_running_per_feature
	ON phases(feature_id) WHERE status = 'running';
`

// Store wraps the SQLite handle for the phase queue.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the queue database at path, enabling WAL mode and
// foreign keys, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		closeErr := db.Close()
		return nil, errors.Join(fmt.Errorf("store: apply schema: %w", err), closeErr)
	}

	ctxlog.FromContext(ctx).Debug("Phase queue store opened.", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
