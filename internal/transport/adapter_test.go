package transport

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
	"github.com/matchday/libsync/internal/store"
)

// fakeCoordinator records dispatched calls for assertion.
type fakeCoordinator struct {
	snapshots [][]byte
	statuses  []*protocol.ManualSyncStatus
	reachable []bool
}

func (f *fakeCoordinator) IngestSnapshotData(ctx context.Context, data []byte) error {
	f.snapshots = append(f.snapshots, data)
	return nil
}

func (f *fakeCoordinator) IngestManualStatus(ctx context.Context, msg *protocol.ManualSyncStatus) error {
	f.statuses = append(f.statuses, msg)
	return nil
}

func (f *fakeCoordinator) EnqueueDelta(ctx context.Context, e *protocol.DeltaEnvelope) error {
	return nil
}

func (f *fakeCoordinator) PendingDeltas(ctx context.Context) ([]*protocol.DeltaEnvelope, error) {
	return nil, nil
}

func (f *fakeCoordinator) MarkDeltasAttempted(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (f *fakeCoordinator) Status(ctx context.Context) (*store.SyncStatus, error) {
	return &store.SyncStatus{}, nil
}

func (f *fakeCoordinator) SetReachable(ctx context.Context, reachable bool) error {
	f.reachable = append(f.reachable, reachable)
	return nil
}

func (f *fakeCoordinator) PruneStaleChunks(ctx context.Context) error { return nil }

func (f *fakeCoordinator) WipeAll(ctx context.Context) error { return nil }

func (f *fakeCoordinator) OnStatusChange(fn func(store.SyncStatus)) {}

func (f *fakeCoordinator) OnLibraryChange(fn func()) {}

func newTestAdapter(t *testing.T) (*Adapter, *fakeCoordinator, *Spool) {
	t.Helper()

	dir := t.TempDir()
	spool, err := NewSpool(filepath.Join(dir, "in"), filepath.Join(dir, "out"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to create spool: %v", err)
	}
	t.Cleanup(func() { _ = spool.Stop() })

	coord := &fakeCoordinator{}
	adapter := NewAdapter(nil, spool, coord, log.New(io.Discard, "", 0))
	return adapter, coord, spool
}

func TestAdapterDispatchesSnapshot(t *testing.T) {
	adapter, coord, _ := newTestAdapter(t)

	adapter.dispatch(Message{Kind: KindSnapshot, Body: []byte("snapshot-bytes")})

	if len(coord.snapshots) != 1 || string(coord.snapshots[0]) != "snapshot-bytes" {
		t.Errorf("expected snapshot bytes forwarded as-is, got %v", coord.snapshots)
	}
}

func TestAdapterDispatchesSyncStatus(t *testing.T) {
	adapter, coord, _ := newTestAdapter(t)

	adapter.dispatch(Message{
		Kind: KindSyncStatus,
		Body: []byte(`{"reachable":true,"queued_snapshots":3,"queued_deltas":1}`),
	})

	if len(coord.statuses) != 1 {
		t.Fatalf("expected 1 status dispatched, got %d", len(coord.statuses))
	}
	st := coord.statuses[0]
	if !st.Reachable || st.QueuedSnapshots != 3 || st.QueuedDeltas != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	// Garbage bodies are dropped without reaching the coordinator.
	adapter.dispatch(Message{Kind: KindSyncStatus, Body: []byte("nope")})
	if len(coord.statuses) != 1 {
		t.Errorf("expected unparseable status dropped, got %d dispatched", len(coord.statuses))
	}
}

func TestAdapterIgnoresUnknownKinds(t *testing.T) {
	adapter, coord, _ := newTestAdapter(t)

	adapter.dispatch(Message{Kind: Kind("telemetry"), Body: []byte("{}")})

	if len(coord.snapshots) != 0 || len(coord.statuses) != 0 {
		t.Errorf("expected unknown kind ignored, got %+v", coord)
	}
}

func TestAdapterSpoolsWhenPeerAway(t *testing.T) {
	adapter, _, spool := newTestAdapter(t)
	ctx := context.Background()

	e := &protocol.DeltaEnvelope{
		ID:         uuid.New(),
		Entity:     protocol.EntityTeam,
		Action:     protocol.ActionUpdate,
		Payload:    []byte(`{"id":"t1"}`),
		ModifiedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := adapter.SendDelta(ctx, e); err != nil {
		t.Fatalf("failed to send delta: %v", err)
	}
	if err := adapter.RequestResync(ctx); err != nil {
		t.Fatalf("failed to request resync: %v", err)
	}

	pending, err := spool.PendingOutbound()
	if err != nil {
		t.Fatalf("failed to list outbox: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 spooled frames, got %d", len(pending))
	}

	// The spooled delta decodes back to the envelope that was sent.
	data, err := os.ReadFile(pending[0])
	if err != nil {
		t.Fatalf("failed to read spooled file: %v", err)
	}
	msg, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("failed to parse spooled file: %v", err)
	}
	if msg.Kind != KindDelta {
		t.Fatalf("expected delta frame first, got %s", msg.Kind)
	}
	got, err := protocol.DecodeDelta(msg.Body)
	if err != nil {
		t.Fatalf("failed to decode spooled delta: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected delta %s, got %s", e.ID, got.ID)
	}
}

func TestAdapterSendFailsWithoutChannels(t *testing.T) {
	coord := &fakeCoordinator{}
	adapter := NewAdapter(nil, nil, coord, log.New(io.Discard, "", 0))

	err := adapter.RequestResync(context.Background())
	if err != ErrUnreachable {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}
