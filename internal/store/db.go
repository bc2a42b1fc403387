// Package store provides the durable backing for the replication engine:
// the library mirror (entity tables plus the sync-status singleton), the
// snapshot chunk holding area, and the delta outbox.
//
// Everything lives in one embedded SQLite database opened in WAL mode.
// The coordinator is the only writer; the presentation side reads entity
// tables and observes status changes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with replication-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Library mirror entity tables. Wholesale-replaced on snapshot apply;
	-- history is merged by id and trimmed instead.
	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		short_name TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		name TEXT NOT NULL,
		squad_number INTEGER NOT NULL DEFAULT 0,
		role TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS officials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS competitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		season TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS venues (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		city TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		competition_id TEXT,
		home_team_id TEXT NOT NULL,
		away_team_id TEXT NOT NULL,
		venue_id TEXT,
		kickoff_at TEXT NOT NULL,
		status TEXT
	);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		schedule_id TEXT,
		home_team_id TEXT NOT NULL,
		away_team_id TEXT NOT NULL,
		home_score INTEGER NOT NULL DEFAULT 0,
		away_score INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT NOT NULL
	);

	-- Singleton status record, created lazily on first access.
	CREATE TABLE IF NOT EXISTS sync_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_snapshot_generated_at TEXT,
		last_snapshot_applied_at TEXT,
		pending_snapshot_chunks INTEGER NOT NULL DEFAULT 0,
		queued_snapshots INTEGER NOT NULL DEFAULT 0,
		queued_deltas INTEGER NOT NULL DEFAULT 0,
		reachable INTEGER NOT NULL DEFAULT 0,
		last_connectivity_status TEXT NOT NULL DEFAULT '',
		last_remote_sync TEXT,
		requires_backfill INTEGER NOT NULL DEFAULT 0
	);

	-- Holding area for partially-received snapshot generations.
	CREATE TABLE IF NOT EXISTS snapshot_chunks (
		generated_at TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL,
		payload BLOB NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (generated_at, chunk_index)
	);

	-- Locally-originated mutations awaiting delivery.
	CREATE TABLE IF NOT EXISTS delta_outbox (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		action TEXT NOT NULL,
		payload BLOB,
		modified_at TEXT NOT NULL,
		origin TEXT NOT NULL,
		dependencies TEXT,  -- JSON array of ids
		idempotency_key TEXT NOT NULL,
		requires_snapshot_refresh INTEGER NOT NULL DEFAULT 0,
		enqueued_at TEXT NOT NULL,
		last_attempt_at TEXT,
		failure_count INTEGER NOT NULL DEFAULT 0
	);

	-- Indexes for the ordered reads
	CREATE INDEX IF NOT EXISTS idx_teams_name ON teams(name);
	CREATE INDEX IF NOT EXISTS idx_schedules_kickoff ON schedules(kickoff_at);
	CREATE INDEX IF NOT EXISTS idx_history_completed ON history(completed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_chunks_received ON snapshot_chunks(received_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_enqueued ON delta_outbox(enqueued_at, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WipeAll clears the library mirror, chunk store, and outbox in a single
// transaction and resets the status singleton to its zero state.
// Used for account sign-out / factory reset.
func (db *DB) WipeAll(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"teams", "players", "officials", "competitions", "venues",
		"schedules", "history", "snapshot_chunks", "delta_outbox",
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_status"); err != nil {
		return fmt.Errorf("failed to reset status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wipe: %w", err)
	}

	return nil
}

// fmtTime renders a timestamp for storage. All stored timestamps are UTC
// RFC3339Nano so that generation keys compare byte-for-byte.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reverses fmtTime.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
