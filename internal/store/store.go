package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides sqlite-backed persistence for sessions, drafts, the remote
// listing cache and credentials.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and initializes the schema.
// Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode allows readers alongside the single writer; the busy timeout
	// covers checkpoint stalls.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite does not tolerate multiple writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	PRAGMA foreign_keys = ON;

	-- Chat sessions, each bound to one (workspace, repository, branch).
	CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		label               TEXT NOT NULL DEFAULT '',
		project_uuid        TEXT NOT NULL DEFAULT '',
		project_key         TEXT NOT NULL DEFAULT '',
		project_name        TEXT NOT NULL DEFAULT '',
		workspace_slug      TEXT NOT NULL DEFAULT '',
		workspace_name      TEXT NOT NULL DEFAULT '',
		workspace_uuid      TEXT NOT NULL DEFAULT '',
		repo_slug           TEXT NOT NULL DEFAULT '',
		repo_name           TEXT NOT NULL DEFAULT '',
		branch_name         TEXT NOT NULL DEFAULT '',
		branch_is_default   INTEGER NOT NULL DEFAULT 0,
		context_json        TEXT,
		allow_writes        INTEGER NOT NULL DEFAULT 0,
		has_pending_changes INTEGER NOT NULL DEFAULT 0,
		draft_count         INTEGER NOT NULL DEFAULT 0,
		pr_id               INTEGER,
		pr_url              TEXT,
		pr_branch           TEXT,
		pr_title            TEXT,
		pr_updated_at       INTEGER,
		task_key            TEXT,
		task_url            TEXT,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);

	-- Pending document edits, one row per (session, path).
	CREATE TABLE IF NOT EXISTS drafts (
		session_id    TEXT NOT NULL,
		path          TEXT NOT NULL,
		content       TEXT NOT NULL,
		summary       TEXT NOT NULL DEFAULT '',
		needs_persist INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (session_id, path),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	-- Remote listing cache, scoped by credential correlation id.
	CREATE TABLE IF NOT EXISTS remote_listing_cache (
		correlation_id TEXT NOT NULL,
		scope          TEXT NOT NULL,
		key            TEXT NOT NULL,
		payload        BLOB NOT NULL,
		updated_at     INTEGER NOT NULL,
		PRIMARY KEY (correlation_id, scope, key)
	);

	-- OAuth token pairs, keyed by correlation id.
	CREATE TABLE IF NOT EXISTS credentials (
		correlation_id TEXT PRIMARY KEY,
		token_json     TEXT NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_drafts_pending ON drafts(session_id, needs_persist);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
