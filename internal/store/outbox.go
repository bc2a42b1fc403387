package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
)

// OutboxRecord is a persisted delta awaiting delivery. Enum fields are
// kept as raw strings here; the coordinator decodes them and drops records
// whose discriminants no longer parse.
type OutboxRecord struct {
	ID                      string
	Entity                  string
	Action                  string
	Payload                 []byte
	ModifiedAt              time.Time
	Origin                  string
	Dependencies            []string
	IdempotencyKey          string
	RequiresSnapshotRefresh bool
	EnqueuedAt              time.Time
	LastAttemptAt           *time.Time
	FailureCount            int
}

// EnqueueDelta upserts a delta into the outbox by id.
//
// Re-enqueueing an existing id overwrites every mutable field, resets the
// attempt counters, and sets enqueued_at to the supplied time - the record
// moves to the back of FIFO delivery order. The idempotency key is carried
// over from the envelope so retries of the same logical change keep it.
func (db *DB) EnqueueDelta(ctx context.Context, e *protocol.DeltaEnvelope, enqueuedAt time.Time) error {
	deps := make([]string, 0, len(e.Dependencies))
	for _, d := range e.Dependencies {
		deps = append(deps, d.String())
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO delta_outbox (
			id, entity, action, payload, modified_at, origin,
			dependencies, idempotency_key, requires_snapshot_refresh,
			enqueued_at, last_attempt_at, failure_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)
		ON CONFLICT(id) DO UPDATE SET
			entity = excluded.entity,
			action = excluded.action,
			payload = excluded.payload,
			modified_at = excluded.modified_at,
			origin = excluded.origin,
			dependencies = excluded.dependencies,
			idempotency_key = excluded.idempotency_key,
			requires_snapshot_refresh = excluded.requires_snapshot_refresh,
			enqueued_at = excluded.enqueued_at,
			last_attempt_at = NULL,
			failure_count = 0
	`,
		e.ID.String(),
		string(e.Entity),
		string(e.Action),
		e.Payload,
		fmtTime(e.ModifiedAt),
		string(e.Origin),
		string(depsJSON),
		e.IdempotencyKey.String(),
		boolToInt(e.RequiresSnapshotRefresh),
		fmtTime(enqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue delta %s: %w", e.ID, err)
	}

	return nil
}

// PendingDeltas returns all outbox records in stable FIFO order:
// enqueued_at ascending with id as the deterministic tie-break.
func (db *DB) PendingDeltas(ctx context.Context) ([]OutboxRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, entity, action, payload, modified_at, origin,
		       dependencies, idempotency_key, requires_snapshot_refresh,
		       enqueued_at, last_attempt_at, failure_count
		FROM delta_outbox
		ORDER BY enqueued_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		var modifiedAt, enqueuedAt string
		var depsJSON sql.NullString
		var lastAttempt sql.NullString
		var refresh int
		err := rows.Scan(
			&r.ID,
			&r.Entity,
			&r.Action,
			&r.Payload,
			&modifiedAt,
			&r.Origin,
			&depsJSON,
			&r.IdempotencyKey,
			&refresh,
			&enqueuedAt,
			&lastAttempt,
			&r.FailureCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}

		r.ModifiedAt = parseTime(modifiedAt)
		r.EnqueuedAt = parseTime(enqueuedAt)
		r.LastAttemptAt = nullStringToTime(lastAttempt)
		r.RequiresSnapshotRefresh = refresh != 0

		if depsJSON.Valid && depsJSON.String != "" && depsJSON.String != "null" {
			if err := json.Unmarshal([]byte(depsJSON.String), &r.Dependencies); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dependencies for %s: %w", r.ID, err)
			}
		}

		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return records, nil
}

// MarkDeltasAttempted records a delivery attempt: bumps failure_count and
// sets last_attempt_at. Rows are never removed here; removal happens only
// on acknowledgment or wipe. Retry policy is the caller's concern.
func (db *DB) MarkDeltasAttempted(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE delta_outbox
			SET failure_count = failure_count + 1, last_attempt_at = ?
			WHERE id = ?
		`, fmtTime(at), id.String())
		if err != nil {
			return fmt.Errorf("failed to mark delta %s attempted: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt marks: %w", err)
	}
	return nil
}

// MarkDeltasAcknowledged hard-deletes the given deltas and returns how
// many rows were removed. Ids not present are ignored (idempotent).
func (db *DB) MarkDeltasAcknowledged(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM delta_outbox WHERE id = ?", id.String())
		if err != nil {
			return 0, fmt.Errorf("failed to acknowledge delta %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit acknowledgments: %w", err)
	}
	return removed, nil
}

// RemoveAllDeltas empties the outbox.
func (db *DB) RemoveAllDeltas(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM delta_outbox"); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

// OutboxSize returns the number of pending deltas.
func (db *DB) OutboxSize(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM delta_outbox").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
