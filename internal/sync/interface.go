// Package sync provides the replication coordinator: the protocol brain
// that turns inbound snapshot bytes into durable library state and feeds
// locally-queued deltas back toward the producer.
package sync

import (
	"context"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
	"github.com/matchday/libsync/internal/store"
)

// Coordinator drives snapshot ingestion and the delta outbox.
//
// All methods serialize on an internal mutex, so callers never observe
// concurrent mutation; transport callbacks can invoke the coordinator
// directly from their own goroutines. Registered observers are invoked
// synchronously and must not call back into the coordinator.
//
// Nothing here is fatal to the host process: malformed payloads, unknown
// discriminants, and stale or duplicate generations are logged and
// dropped; storage errors surface as returned errors for the caller to
// log, never as panics.
type Coordinator interface {
	// IngestSnapshotData decodes inbound snapshot bytes and runs them
	// through the staleness gate.
	//
	// Undecodable bytes are logged and dropped with a nil return - the
	// message is gone, the process is fine. Stale generations (older
	// than the last applied one) and duplicates of a fully-applied
	// generation are dropped, purging any chunks buffered under the
	// stale generation. Accepted chunked payloads are buffered until
	// the generation completes, then reassembled and applied; accepted
	// single-shot payloads apply immediately.
	IngestSnapshotData(ctx context.Context, data []byte) error

	// IngestManualStatus merges a producer status report into the
	// status singleton without touching entity data.
	IngestManualStatus(ctx context.Context, msg *protocol.ManualSyncStatus) error

	// EnqueueDelta upserts a locally-originated mutation into the
	// outbox by id and republishes queued-delta counts. Re-enqueueing
	// an existing id moves it to the back of delivery order.
	EnqueueDelta(ctx context.Context, e *protocol.DeltaEnvelope) error

	// PendingDeltas returns undelivered envelopes in stable FIFO order
	// (enqueued time, then id). Records whose persisted discriminants
	// no longer decode are logged and skipped so an old replica keeps
	// draining what it still understands.
	PendingDeltas(ctx context.Context) ([]*protocol.DeltaEnvelope, error)

	// MarkDeltasAttempted records that at least one delivery attempt
	// was made for each id. Nothing is removed; retry policy and
	// backoff belong to the caller.
	MarkDeltasAttempted(ctx context.Context, ids []uuid.UUID) error

	// Status returns the current sync-status singleton.
	Status(ctx context.Context) (*store.SyncStatus, error)

	// SetReachable records a transport reachability change and
	// republishes status.
	SetReachable(ctx context.Context, reachable bool) error

	// PruneStaleChunks garbage-collects buffered chunks older than the
	// configured TTL and recounts pending chunks. A zero or negative
	// TTL makes this a no-op.
	PruneStaleChunks(ctx context.Context) error

	// WipeAll clears the library mirror, chunk store, and outbox
	// atomically, resets status, and notifies observers. Used for
	// account sign-out / factory reset.
	WipeAll(ctx context.Context) error

	// OnStatusChange registers an observer invoked with the full
	// status record after every mutation.
	OnStatusChange(fn func(store.SyncStatus))

	// OnLibraryChange registers an observer invoked exactly once per
	// successfully applied snapshot generation (and on wipe).
	OnLibraryChange(fn func())
}
