package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncStatus is the singleton record describing replica sync health.
// Exactly one row exists at any time; it is created lazily on first access.
type SyncStatus struct {
	LastSnapshotGeneratedAt *time.Time
	LastSnapshotAppliedAt   *time.Time
	PendingSnapshotChunks   int
	QueuedSnapshots         int
	QueuedDeltas            int
	Reachable               bool
	LastConnectivityStatus  string
	LastRemoteSync          *time.Time
	RequiresBackfill        bool
}

// Status loads the status singleton, creating a zero row if none exists.
func (db *DB) Status(ctx context.Context) (*SyncStatus, error) {
	if _, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO sync_status (id) VALUES (1)"); err != nil {
		return nil, fmt.Errorf("failed to ensure status row: %w", err)
	}

	row := db.conn.QueryRowContext(ctx, `
		SELECT last_snapshot_generated_at, last_snapshot_applied_at,
		       pending_snapshot_chunks, queued_snapshots, queued_deltas,
		       reachable, last_connectivity_status, last_remote_sync,
		       requires_backfill
		FROM sync_status WHERE id = 1
	`)

	var st SyncStatus
	var generatedAt, appliedAt, remoteSync sql.NullString
	var reachable, backfill int
	err := row.Scan(
		&generatedAt,
		&appliedAt,
		&st.PendingSnapshotChunks,
		&st.QueuedSnapshots,
		&st.QueuedDeltas,
		&reachable,
		&st.LastConnectivityStatus,
		&remoteSync,
		&backfill,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}

	st.LastSnapshotGeneratedAt = nullStringToTime(generatedAt)
	st.LastSnapshotAppliedAt = nullStringToTime(appliedAt)
	st.LastRemoteSync = nullStringToTime(remoteSync)
	st.Reachable = reachable != 0
	st.RequiresBackfill = backfill != 0

	return &st, nil
}

// UpdateStatus loads the singleton, applies mutate, and writes it back.
// Returns the mutated status. On write failure the mutated in-memory
// value is still returned alongside the error so callers can surface
// recent state best-effort.
func (db *DB) UpdateStatus(ctx context.Context, mutate func(*SyncStatus)) (*SyncStatus, error) {
	st, err := db.Status(ctx)
	if err != nil {
		st = &SyncStatus{}
	}
	mutate(st)

	_, werr := db.conn.ExecContext(ctx, `
		UPDATE sync_status SET
			last_snapshot_generated_at = ?,
			last_snapshot_applied_at = ?,
			pending_snapshot_chunks = ?,
			queued_snapshots = ?,
			queued_deltas = ?,
			reachable = ?,
			last_connectivity_status = ?,
			last_remote_sync = ?,
			requires_backfill = ?
		WHERE id = 1
	`,
		timeToNullString(st.LastSnapshotGeneratedAt),
		timeToNullString(st.LastSnapshotAppliedAt),
		st.PendingSnapshotChunks,
		st.QueuedSnapshots,
		st.QueuedDeltas,
		boolToInt(st.Reachable),
		st.LastConnectivityStatus,
		timeToNullString(st.LastRemoteSync),
		boolToInt(st.RequiresBackfill),
	)
	if werr != nil {
		return st, fmt.Errorf("failed to write status: %w", werr)
	}
	if err != nil {
		return st, fmt.Errorf("failed to load status before update: %w", err)
	}

	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
