package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
	"github.com/matchday/libsync/internal/store"
)

// Config holds coordinator configuration.
type Config struct {
	// ChunkTTL is how long a buffered chunk of an incomplete generation
	// may sit before PruneStaleChunks discards it. Zero disables pruning.
	ChunkTTL time.Duration

	// Logger for coordinator activity
	Logger *log.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ChunkTTL: 24 * time.Hour,
		Logger:   log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:      time.Now,
	}
}

// coordinator implements the Coordinator interface.
type coordinator struct {
	mu     stdsync.Mutex
	db     *store.DB
	logger *log.Logger
	ttl    time.Duration
	now    func() time.Time

	statusObservers  []func(store.SyncStatus)
	libraryObservers []func()
}

// New creates a Coordinator over an opened database.
//
// The database must have its schema initialized before being passed in.
// If config is nil, DefaultConfig() is used.
func New(db *store.DB, config *Config) Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &coordinator{
		db:     db,
		logger: logger,
		ttl:    config.ChunkTTL,
		now:    now,
	}
}

// OnStatusChange implements Coordinator.OnStatusChange.
func (c *coordinator) OnStatusChange(fn func(store.SyncStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusObservers = append(c.statusObservers, fn)
}

// OnLibraryChange implements Coordinator.OnLibraryChange.
func (c *coordinator) OnLibraryChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.libraryObservers = append(c.libraryObservers, fn)
}

// IngestSnapshotData implements Coordinator.IngestSnapshotData.
func (c *coordinator) IngestSnapshotData(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := protocol.DecodeSnapshot(data)
	if err != nil {
		c.logger.Printf("Dropping undecodable snapshot payload: %v", err)
		return nil
	}

	status := c.loadStatus(ctx)

	if !shouldProcess(snap, status) {
		c.logger.Printf("Dropping snapshot generation %s (stale or already applied)",
			snap.GeneratedAt.Format(time.RFC3339Nano))
		if snap.Chunk != nil {
			if err := c.db.RemoveChunksFor(ctx, snap.GeneratedAt); err != nil {
				c.logger.Printf("Failed to purge chunks of dropped generation: %v", err)
			}
		}
		return nil
	}

	if snap.Chunk == nil {
		// Single-shot payload. Any buffered partial generation is now
		// obsolete.
		if err := c.db.ResetChunks(ctx); err != nil {
			c.logger.Printf("Failed to reset chunk store: %v", err)
		}
		return c.apply(ctx, snap)
	}

	return c.ingestChunk(ctx, snap, data)
}

// ingestChunk buffers one chunk of a generation and applies the snapshot
// once all chunks have arrived.
func (c *coordinator) ingestChunk(ctx context.Context, snap *protocol.SnapshotPayload, data []byte) error {
	// Index 0 announces a generation: clear leftovers from any older
	// generation that never completed. Siblings of this generation that
	// arrived ahead of chunk 0 stay put - arrival order is not guaranteed.
	if snap.Chunk.Index == 0 {
		if err := c.db.RemoveChunksExcept(ctx, snap.GeneratedAt); err != nil {
			c.logger.Printf("Failed to clear superseded chunks: %v", err)
		}
	}

	stored, err := c.db.SaveChunk(ctx, snap.GeneratedAt, snap.Chunk.Index, snap.Chunk.Count, data, c.now())
	if err != nil {
		return fmt.Errorf("failed to buffer chunk: %w", err)
	}

	pending := snap.Chunk.Count - len(stored)
	if pending < 0 {
		pending = 0
	}

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		st.PendingSnapshotChunks = pending
		applySettings(st, snap)
	})

	if len(stored) < snap.Chunk.Count {
		return nil
	}

	merged, err := c.mergeChunks(stored)
	if err != nil {
		// Generation claimed complete but nothing usable decoded.
		// Leave status pending; a future generation supersedes this one.
		c.logger.Printf("Failed to reassemble generation %s: %v",
			snap.GeneratedAt.Format(time.RFC3339Nano), err)
		return nil
	}

	if err := c.db.RemoveChunksFor(ctx, snap.GeneratedAt); err != nil {
		c.logger.Printf("Failed to remove applied generation chunks: %v", err)
	}

	return c.apply(ctx, merged)
}

// mergeChunks reassembles a complete generation from its stored chunks.
//
// Chunks arrive ordered by index. Entity sequences concatenate in index
// order, acknowledged change ids union across chunks, and Settings /
// LastSyncedAt are last-write-wins: the highest-indexed chunk carrying a
// non-nil value wins. Chunks that fail to decode are logged and skipped;
// if none decode the generation is unusable.
func (c *coordinator) mergeChunks(chunks []store.StoredChunk) (*protocol.SnapshotPayload, error) {
	var merged *protocol.SnapshotPayload
	seen := make(map[uuid.UUID]bool)
	var acks []uuid.UUID

	for _, chunk := range chunks {
		p, err := protocol.DecodeSnapshot(chunk.Payload)
		if err != nil {
			c.logger.Printf("Skipping undecodable chunk %d: %v", chunk.Index, err)
			continue
		}

		if merged == nil {
			merged = &protocol.SnapshotPayload{
				SchemaVersion: p.SchemaVersion,
				GeneratedAt:   p.GeneratedAt,
			}
		}

		merged.Teams = append(merged.Teams, p.Teams...)
		merged.Players = append(merged.Players, p.Players...)
		merged.Officials = append(merged.Officials, p.Officials...)
		merged.Venues = append(merged.Venues, p.Venues...)
		merged.Competitions = append(merged.Competitions, p.Competitions...)
		merged.Schedules = append(merged.Schedules, p.Schedules...)
		merged.History = append(merged.History, p.History...)

		for _, id := range p.AcknowledgedChangeIDs {
			if !seen[id] {
				seen[id] = true
				acks = append(acks, id)
			}
		}

		if p.Settings != nil {
			merged.Settings = p.Settings
		}
		if p.LastSyncedAt != nil {
			merged.LastSyncedAt = p.LastSyncedAt
		}
	}

	if merged == nil {
		return nil, fmt.Errorf("no chunk of %d decoded", len(chunks))
	}

	merged.AcknowledgedChangeIDs = acks
	return merged, nil
}

// apply commits a complete snapshot: wholesale entity replace plus
// acknowledgment pruning in one storage transaction, then status and
// library notifications.
func (c *coordinator) apply(ctx context.Context, snap *protocol.SnapshotPayload) error {
	if err := c.db.ApplySnapshot(ctx, snap, snap.AcknowledgedChangeIDs); err != nil {
		c.logger.Printf("Failed to apply snapshot generation %s: %v",
			snap.GeneratedAt.Format(time.RFC3339Nano), err)
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}

	queued, err := c.db.OutboxSize(ctx)
	if err != nil {
		c.logger.Printf("Failed to count outbox after apply: %v", err)
		queued = -1
	}

	generatedAt := snap.GeneratedAt
	appliedAt := c.now()

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		st.PendingSnapshotChunks = 0
		st.LastSnapshotGeneratedAt = &generatedAt
		st.LastSnapshotAppliedAt = &appliedAt
		st.QueuedSnapshots = 0
		if queued >= 0 {
			st.QueuedDeltas = queued
		}
		if snap.Settings != nil {
			applySettings(st, snap)
		} else {
			st.LastConnectivityStatus = ""
			st.RequiresBackfill = false
			st.LastRemoteSync = snap.LastSyncedAt
		}
	})

	c.logger.Printf("Applied snapshot generation %s (%d acks pruned from outbox)",
		generatedAt.Format(time.RFC3339Nano), len(snap.AcknowledgedChangeIDs))

	for _, fn := range c.libraryObservers {
		fn()
	}
	return nil
}

// shouldProcess is the staleness/duplicate gate. A payload is dropped
// when its generation predates the last applied one, or when it repeats a
// generation that already fully applied. First-ever snapshots and
// re-arriving chunks of an in-progress generation pass.
func shouldProcess(snap *protocol.SnapshotPayload, status *store.SyncStatus) bool {
	last := status.LastSnapshotGeneratedAt
	if last == nil {
		return true
	}
	if snap.GeneratedAt.Before(*last) {
		return false
	}
	if snap.GeneratedAt.Equal(*last) && status.PendingSnapshotChunks == 0 {
		return false
	}
	return true
}

// applySettings copies piggybacked producer settings into status.
// Reachability derives from the connectivity label.
func applySettings(st *store.SyncStatus, snap *protocol.SnapshotPayload) {
	s := snap.Settings
	if s == nil {
		return
	}
	st.LastConnectivityStatus = s.ConnectivityStatus
	st.Reachable = s.ConnectivityStatus == protocol.ConnectivityConnected
	st.RequiresBackfill = s.RequiresBackfill
	if s.LastSuccessfulRemoteSync != nil {
		st.LastRemoteSync = s.LastSuccessfulRemoteSync
	} else if snap.LastSyncedAt != nil {
		st.LastRemoteSync = snap.LastSyncedAt
	}
}

// IngestManualStatus implements Coordinator.IngestManualStatus.
func (c *coordinator) IngestManualStatus(ctx context.Context, msg *protocol.ManualSyncStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		st.Reachable = msg.Reachable
		st.QueuedSnapshots = msg.QueuedSnapshots
		st.QueuedDeltas = msg.QueuedDeltas
		st.PendingSnapshotChunks = msg.PendingSnapshotChunks
		if msg.LastSnapshot != nil {
			st.LastSnapshotGeneratedAt = msg.LastSnapshot
		}
	})
	return nil
}

// EnqueueDelta implements Coordinator.EnqueueDelta.
func (c *coordinator) EnqueueDelta(ctx context.Context, e *protocol.DeltaEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.SetDefaults()
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid delta envelope: %w", err)
	}

	if err := c.db.EnqueueDelta(ctx, e, c.now()); err != nil {
		return fmt.Errorf("failed to enqueue delta: %w", err)
	}

	queued, err := c.db.OutboxSize(ctx)
	if err != nil {
		c.logger.Printf("Failed to count outbox after enqueue: %v", err)
		return nil
	}

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		st.QueuedDeltas = queued
	})
	return nil
}

// PendingDeltas implements Coordinator.PendingDeltas.
func (c *coordinator) PendingDeltas(ctx context.Context) ([]*protocol.DeltaEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.db.PendingDeltas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	envelopes := make([]*protocol.DeltaEnvelope, 0, len(records))
	for _, r := range records {
		e, err := recordToEnvelope(r)
		if err != nil {
			// Forward-compatibility safety valve: a record written by a
			// newer build stays queued but is invisible to this one.
			c.logger.Printf("Skipping outbox record %s: %v", r.ID, err)
			continue
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, nil
}

// recordToEnvelope reconstructs a wire envelope from a persisted outbox
// row, failing on discriminants this build doesn't recognize.
func recordToEnvelope(r store.OutboxRecord) (*protocol.DeltaEnvelope, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("bad id: %w", err)
	}
	entity, ok := protocol.ParseEntityKind(r.Entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q: %w", r.Entity, protocol.ErrUnknownRecord)
	}
	action, ok := protocol.ParseAction(r.Action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q: %w", r.Action, protocol.ErrUnknownRecord)
	}
	origin, ok := protocol.ParseOrigin(r.Origin)
	if !ok {
		return nil, fmt.Errorf("unknown origin %q: %w", r.Origin, protocol.ErrUnknownRecord)
	}

	var deps []uuid.UUID
	for _, d := range r.Dependencies {
		dep, err := uuid.Parse(d)
		if err != nil {
			return nil, fmt.Errorf("bad dependency id %q: %w", d, err)
		}
		deps = append(deps, dep)
	}

	key := id
	if r.IdempotencyKey != "" {
		key, err = uuid.Parse(r.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("bad idempotency key: %w", err)
		}
	}

	return &protocol.DeltaEnvelope{
		ID:                      id,
		Entity:                  entity,
		Action:                  action,
		Payload:                 r.Payload,
		ModifiedAt:              r.ModifiedAt,
		Origin:                  origin,
		Dependencies:            deps,
		IdempotencyKey:          key,
		RequiresSnapshotRefresh: r.RequiresSnapshotRefresh,
	}, nil
}

// MarkDeltasAttempted implements Coordinator.MarkDeltasAttempted.
func (c *coordinator) MarkDeltasAttempted(ctx context.Context, ids []uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.MarkDeltasAttempted(ctx, ids, c.now()); err != nil {
		return fmt.Errorf("failed to mark deltas attempted: %w", err)
	}
	return nil
}

// Status implements Coordinator.Status.
func (c *coordinator) Status(ctx context.Context) (*store.SyncStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Status(ctx)
}

// SetReachable implements Coordinator.SetReachable.
func (c *coordinator) SetReachable(ctx context.Context, reachable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		st.Reachable = reachable
		if reachable {
			st.LastConnectivityStatus = protocol.ConnectivityConnected
		} else {
			st.LastConnectivityStatus = protocol.ConnectivityUnreachable
		}
	})
	return nil
}

// PruneStaleChunks implements Coordinator.PruneStaleChunks.
//
// The protocol itself has no generation timeout; this is the local
// garbage-collection policy for generations whose remaining chunks will
// never arrive. If pruning empties the buffer, pending counts converge
// back to zero.
func (c *coordinator) PruneStaleChunks(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return nil
	}

	cutoff := c.now().Add(-c.ttl)
	pruned, err := c.db.PruneChunksOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune stale chunks: %w", err)
	}
	if pruned == 0 {
		return nil
	}

	c.logger.Printf("Pruned %d stale snapshot chunks older than %s", pruned, c.ttl)

	remaining, err := c.db.ChunkCount(ctx)
	if err != nil {
		c.logger.Printf("Failed to recount chunks after prune: %v", err)
		return nil
	}
	if remaining == 0 {
		c.publishStatus(ctx, func(st *store.SyncStatus) {
			st.PendingSnapshotChunks = 0
		})
	}
	return nil
}

// WipeAll implements Coordinator.WipeAll.
func (c *coordinator) WipeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.WipeAll(ctx); err != nil {
		return fmt.Errorf("failed to wipe data: %w", err)
	}

	c.logger.Printf("Wiped library mirror, chunk store, and outbox")

	c.publishStatus(ctx, func(st *store.SyncStatus) {
		*st = store.SyncStatus{}
	})
	for _, fn := range c.libraryObservers {
		fn()
	}
	return nil
}

// loadStatus reads the status singleton best-effort: a transient storage
// error is logged and a zero status returned so the caller isn't blocked.
func (c *coordinator) loadStatus(ctx context.Context) *store.SyncStatus {
	st, err := c.db.Status(ctx)
	if err != nil {
		c.logger.Printf("Failed to load status (using zero value): %v", err)
		return &store.SyncStatus{}
	}
	return st
}

// publishStatus mutates the status singleton and notifies observers with
// the result. A failed write is logged; observers still see the mutated
// in-memory value so recent state is never hidden behind a transient
// storage error.
func (c *coordinator) publishStatus(ctx context.Context, mutate func(*store.SyncStatus)) {
	st, err := c.db.UpdateStatus(ctx, mutate)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("Failed to persist status update: %v", err)
	}
	if st == nil {
		return
	}
	for _, fn := range c.statusObservers {
		fn(*st)
	}
}
