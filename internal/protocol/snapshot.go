package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Connectivity labels carried in ProducerSettings.ConnectivityStatus.
const (
	ConnectivityConnected   = "connected"
	ConnectivityUnreachable = "unreachable"
	ConnectivityUnknown     = "unknown"
)

// ChunkInfo marks a snapshot payload as one piece of a split generation.
// Index runs 0..Count-1; all chunks of a generation share GeneratedAt.
type ChunkInfo struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

// ProducerSettings is the producer's own sync health, carried piggyback on
// snapshots. Across the chunks of one generation the last non-nil value
// processed wins.
type ProducerSettings struct {
	ConnectivityStatus       string     `json:"connectivity_status"`
	LastSuccessfulRemoteSync *time.Time `json:"last_successful_remote_sync,omitempty"`
	RequiresBackfill         bool       `json:"requires_backfill"`
}

// SnapshotPayload is all or part of the authoritative library state at a
// single logical timestamp.
//
// GeneratedAt is the sole ordering key: the replica compares it against
// the last applied generation to detect stale and duplicate deliveries.
// Entity slices are only meaningful once every chunk of the generation has
// been merged; AcknowledgedChangeIDs is a union across chunks.
type SnapshotPayload struct {
	SchemaVersion         int         `json:"schema_version"`
	GeneratedAt           time.Time   `json:"generated_at"`
	LastSyncedAt          *time.Time  `json:"last_synced_at,omitempty"`
	AcknowledgedChangeIDs []uuid.UUID `json:"acknowledged_change_ids,omitempty"`
	Chunk                 *ChunkInfo  `json:"chunk,omitempty"`
	Settings              *ProducerSettings `json:"settings,omitempty"`

	Teams        []Team          `json:"teams,omitempty"`
	Players      []Player        `json:"players,omitempty"`
	Officials    []Official      `json:"officials,omitempty"`
	Venues       []Venue         `json:"venues,omitempty"`
	Competitions []Competition   `json:"competitions,omitempty"`
	Schedules    []ScheduleEntry `json:"schedules,omitempty"`
	History      []MatchSummary  `json:"history,omitempty"`
}

// Validate checks structural invariants common to single-shot and chunked
// payloads.
func (p *SnapshotPayload) Validate() error {
	if p.GeneratedAt.IsZero() {
		return fmt.Errorf("generated_at is required")
	}
	if p.Chunk != nil {
		if p.Chunk.Count <= 0 {
			return fmt.Errorf("chunk count must be positive (got %d)", p.Chunk.Count)
		}
		if p.Chunk.Index < 0 || p.Chunk.Index >= p.Chunk.Count {
			return fmt.Errorf("chunk index %d out of range [0,%d)", p.Chunk.Index, p.Chunk.Count)
		}
	}
	return nil
}

// ManualSyncStatus is a control message carrying the producer's view of
// sync progress. The replica merges it into its status record without
// touching entity data.
type ManualSyncStatus struct {
	Reachable             bool       `json:"reachable"`
	QueuedSnapshots       int        `json:"queued_snapshots"`
	QueuedDeltas          int        `json:"queued_deltas"`
	PendingSnapshotChunks int        `json:"pending_snapshot_chunks"`
	LastSnapshot          *time.Time `json:"last_snapshot,omitempty"`
}
