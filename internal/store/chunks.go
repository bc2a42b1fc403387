package store

import (
	"context"
	"fmt"
	"time"
)

// StoredChunk is one buffered piece of a partially-received snapshot
// generation. Payload holds the chunk's full encoded wire bytes.
type StoredChunk struct {
	GeneratedAt time.Time
	Index       int
	Count       int
	Payload     []byte
	ReceivedAt  time.Time
}

// SaveChunk persists a chunk keyed by (generatedAt, index), overwriting on
// redelivery, and returns every chunk currently stored for that generation
// ordered by index. Returning the stored set lets the coordinator check
// completeness without a second round trip. The receivedAt stamp feeds
// TTL-based pruning.
func (db *DB) SaveChunk(ctx context.Context, generatedAt time.Time, index, count int, payload []byte, receivedAt time.Time) ([]StoredChunk, error) {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO snapshot_chunks (generated_at, chunk_index, chunk_count, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(generated_at, chunk_index) DO UPDATE SET
			chunk_count = excluded.chunk_count,
			payload = excluded.payload,
			received_at = excluded.received_at
	`, fmtTime(generatedAt), index, count, payload, fmtTime(receivedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save chunk %d of generation %s: %w", index, fmtTime(generatedAt), err)
	}

	return db.ChunksFor(ctx, generatedAt)
}

// ChunksFor returns the stored chunks of a generation ordered by index.
func (db *DB) ChunksFor(ctx context.Context, generatedAt time.Time) ([]StoredChunk, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT generated_at, chunk_index, chunk_count, payload, received_at
		FROM snapshot_chunks
		WHERE generated_at = ?
		ORDER BY chunk_index ASC
	`, fmtTime(generatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []StoredChunk
	for rows.Next() {
		var c StoredChunk
		var genAt, receivedAt string
		if err := rows.Scan(&genAt, &c.Index, &c.Count, &c.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.GeneratedAt = parseTime(genAt)
		c.ReceivedAt = parseTime(receivedAt)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// RemoveChunksFor deletes every stored chunk of a generation.
// Idempotent - removing a generation with no chunks is not an error.
func (db *DB) RemoveChunksFor(ctx context.Context, generatedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM snapshot_chunks WHERE generated_at = ?", fmtTime(generatedAt))
	if err != nil {
		return fmt.Errorf("failed to remove chunks for generation %s: %w", fmtTime(generatedAt), err)
	}
	return nil
}

// ResetChunks removes every buffered chunk regardless of generation.
// Called when a new generation begins, invalidating stale partial state.
func (db *DB) ResetChunks(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM snapshot_chunks")
	if err != nil {
		return fmt.Errorf("failed to reset chunk store: %w", err)
	}
	return nil
}

// RemoveChunksExcept deletes buffered chunks of every generation other
// than the given one. Chunks of a generation can arrive in any order, so
// clearing older partials must not touch siblings that arrived early.
func (db *DB) RemoveChunksExcept(ctx context.Context, generatedAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM snapshot_chunks WHERE generated_at != ?", fmtTime(generatedAt))
	if err != nil {
		return fmt.Errorf("failed to clear superseded chunks: %w", err)
	}
	return nil
}

// PruneChunksOlderThan deletes chunks received before cutoff and returns
// the number removed. Used by the maintenance loop to garbage-collect
// generations that never completed.
func (db *DB) PruneChunksOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM snapshot_chunks WHERE received_at < ?", fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// ChunkCount returns the total number of buffered chunks.
func (db *DB) ChunkCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshot_chunks").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
