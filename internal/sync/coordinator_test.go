package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/protocol"
	"github.com/matchday/libsync/internal/store"
)

// testClock is a controllable clock for coordinator tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCoordinator(t *testing.T) (Coordinator, *store.DB, *testClock) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	coord := New(db, &Config{
		ChunkTTL: 24 * time.Hour,
		Logger:   log.New(io.Discard, "", 0),
		Now:      clock.Now,
	})
	return coord, db, clock
}

// encodeSnapshot builds and encodes a single-shot payload carrying teams.
func encodeSnapshot(t *testing.T, generatedAt time.Time, teamNames ...string) []byte {
	t.Helper()
	return encodePayload(t, buildPayload(generatedAt, teamNames...))
}

func buildPayload(generatedAt time.Time, teamNames ...string) *protocol.SnapshotPayload {
	p := &protocol.SnapshotPayload{GeneratedAt: generatedAt}
	for _, name := range teamNames {
		p.Teams = append(p.Teams, protocol.Team{
			ID:        name + "-id",
			Name:      name,
			UpdatedAt: generatedAt,
		})
	}
	return p
}

func encodePayload(t *testing.T, p *protocol.SnapshotPayload) []byte {
	t.Helper()
	data, err := protocol.EncodeSnapshot(p)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return data
}

// encodeChunk encodes one chunk of a generation carrying the given teams.
func encodeChunk(t *testing.T, generatedAt time.Time, index, count int, teamNames ...string) []byte {
	t.Helper()
	p := buildPayload(generatedAt, teamNames...)
	p.Chunk = &protocol.ChunkInfo{Index: index, Count: count}
	return encodePayload(t, p)
}

func teamNames(t *testing.T, db *store.DB) []string {
	t.Helper()
	teams, err := db.Teams(context.Background())
	if err != nil {
		t.Fatalf("failed to read teams: %v", err)
	}
	names := make([]string, 0, len(teams))
	for _, tm := range teams {
		names = append(names, tm.Name)
	}
	return names
}

func TestIngestSingleShotSnapshot(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	applied := 0
	coord.OnLibraryChange(func() { applied++ })

	gen := clock.Now().Add(-time.Minute)
	if err := coord.IngestSnapshotData(ctx, encodeSnapshot(t, gen, "Rovers", "United")); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}

	names := teamNames(t, db)
	if len(names) != 2 {
		t.Fatalf("expected 2 teams, got %v", names)
	}
	if applied != 1 {
		t.Errorf("expected 1 library notification, got %d", applied)
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.LastSnapshotGeneratedAt == nil || !st.LastSnapshotGeneratedAt.Equal(gen) {
		t.Errorf("expected generated_at %v, got %v", gen, st.LastSnapshotGeneratedAt)
	}
	if st.LastSnapshotAppliedAt == nil || !st.LastSnapshotAppliedAt.Equal(clock.Now()) {
		t.Errorf("expected applied_at %v, got %v", clock.Now(), st.LastSnapshotAppliedAt)
	}
	if st.PendingSnapshotChunks != 0 {
		t.Errorf("expected no pending chunks, got %d", st.PendingSnapshotChunks)
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	newer := clock.Now()
	older := newer.Add(-time.Hour)

	if err := coord.IngestSnapshotData(ctx, encodeSnapshot(t, newer, "Current")); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}
	if err := coord.IngestSnapshotData(ctx, encodeSnapshot(t, older, "Stale")); err != nil {
		t.Fatalf("failed to ingest stale snapshot: %v", err)
	}

	names := teamNames(t, db)
	if len(names) != 1 || names[0] != "Current" {
		t.Errorf("expected stale generation ignored, got %v", names)
	}
}

func TestStaleChunkPurgesItsGeneration(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	newer := clock.Now()
	older := newer.Add(-time.Hour)

	// A partial older generation is buffering when the newer single-shot
	// generation lands and applies.
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, older, 0, 3, "OldA")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}
	if err := coord.IngestSnapshotData(ctx, encodeSnapshot(t, newer, "Current")); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}

	// A straggler chunk of the older generation arrives afterwards: it is
	// dropped and its buffered siblings purged.
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, older, 1, 3, "OldB")); err != nil {
		t.Fatalf("failed to ingest straggler chunk: %v", err)
	}

	count, err := db.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("failed to count chunks: %v", err)
	}
	if count != 0 {
		t.Errorf("expected stale generation's chunks purged, got %d", count)
	}

	names := teamNames(t, db)
	if len(names) != 1 || names[0] != "Current" {
		t.Errorf("expected mirror untouched by straggler, got %v", names)
	}
}

func TestDuplicateGenerationNotReapplied(t *testing.T) {
	coord, db, _ := newTestCoordinator(t)
	ctx := context.Background()

	applied := 0
	coord.OnLibraryChange(func() { applied++ })

	gen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data := encodeSnapshot(t, gen, "Rovers")

	if err := coord.IngestSnapshotData(ctx, data); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}
	if err := coord.IngestSnapshotData(ctx, data); err != nil {
		t.Fatalf("failed to ingest duplicate: %v", err)
	}

	if applied != 1 {
		t.Errorf("expected exactly 1 library notification for duplicate delivery, got %d", applied)
	}
	if names := teamNames(t, db); len(names) != 1 {
		t.Errorf("expected mirror unchanged, got %v", names)
	}
}

func TestUndecodableSnapshotDropped(t *testing.T) {
	coord, db, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coord.IngestSnapshotData(ctx, []byte("definitely not a snapshot")); err != nil {
		t.Fatalf("expected malformed bytes to be dropped quietly, got %v", err)
	}

	if names := teamNames(t, db); len(names) != 0 {
		t.Errorf("expected no state from malformed payload, got %v", names)
	}
}

func TestChunkReassemblyOrderIndependent(t *testing.T) {
	gen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run := func(t *testing.T, order []int) []string {
		coord, db, _ := newTestCoordinator(t)
		ctx := context.Background()

		chunks := [][]byte{
			encodeChunk(t, gen, 0, 3, "Alpha"),
			encodeChunk(t, gen, 1, 3, "Bravo"),
			encodeChunk(t, gen, 2, 3, "Charlie"),
		}
		for _, i := range order {
			if err := coord.IngestSnapshotData(ctx, chunks[i]); err != nil {
				t.Fatalf("failed to ingest chunk %d: %v", i, err)
			}
		}
		return teamNames(t, db)
	}

	inOrder := run(t, []int{0, 1, 2})
	shuffled := run(t, []int{1, 0, 2})

	if len(inOrder) != 3 {
		t.Fatalf("expected 3 teams from complete generation, got %v", inOrder)
	}
	if fmt.Sprint(inOrder) != fmt.Sprint(shuffled) {
		t.Errorf("expected arrival order not to matter: %v vs %v", inOrder, shuffled)
	}
}

func TestChunkProgressPublished(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	gen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, gen, 0, 3, "Alpha")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}
	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.PendingSnapshotChunks != 2 {
		t.Errorf("expected 2 pending chunks after first of three, got %d", st.PendingSnapshotChunks)
	}

	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, gen, 1, 3, "Bravo")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, gen, 2, 3, "Charlie")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}

	st, err = coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.PendingSnapshotChunks != 0 {
		t.Errorf("expected 0 pending chunks after completion, got %d", st.PendingSnapshotChunks)
	}
	if st.LastSnapshotGeneratedAt == nil || !st.LastSnapshotGeneratedAt.Equal(gen) {
		t.Errorf("expected completed generation recorded, got %v", st.LastSnapshotGeneratedAt)
	}
}

func TestNewGenerationChunkZeroEvictsOldPartial(t *testing.T) {
	coord, db, _ := newTestCoordinator(t)
	ctx := context.Background()

	oldGen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newGen := oldGen.Add(time.Hour)

	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, oldGen, 0, 3, "OldA")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, oldGen, 1, 3, "OldB")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}

	// Chunk 0 of the newer generation announces it: the abandoned partial
	// is evicted, and the new generation completes on its own terms.
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, newGen, 0, 2, "NewA")); err != nil {
		t.Fatalf("failed to ingest new generation chunk: %v", err)
	}

	chunks, err := db.ChunksFor(ctx, oldGen)
	if err != nil {
		t.Fatalf("failed to read chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected old partial evicted, got %d chunks", len(chunks))
	}

	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, newGen, 1, 2, "NewB")); err != nil {
		t.Fatalf("failed to ingest new generation chunk: %v", err)
	}

	names := teamNames(t, db)
	if len(names) != 2 || names[0] != "NewA" || names[1] != "NewB" {
		t.Errorf("expected new generation applied, got %v", names)
	}
}

func TestAcknowledgmentsPruneOutbox(t *testing.T) {
	coord, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	mkDelta := func() *protocol.DeltaEnvelope {
		return &protocol.DeltaEnvelope{
			ID:         uuid.New(),
			Entity:     protocol.EntityTeam,
			Action:     protocol.ActionUpdate,
			Payload:    []byte(`{"id":"t1"}`),
			ModifiedAt: clock.Now(),
		}
	}

	acked := mkDelta()
	kept := mkDelta()
	for _, e := range []*protocol.DeltaEnvelope{acked, kept} {
		if err := coord.EnqueueDelta(ctx, e); err != nil {
			t.Fatalf("failed to enqueue delta: %v", err)
		}
		clock.Advance(time.Second)
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.QueuedDeltas != 2 {
		t.Fatalf("expected 2 queued deltas, got %d", st.QueuedDeltas)
	}

	p := buildPayload(clock.Now(), "Rovers")
	p.AcknowledgedChangeIDs = []uuid.UUID{acked.ID}
	if err := coord.IngestSnapshotData(ctx, encodePayload(t, p)); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}

	pending, err := coord.PendingDeltas(ctx)
	if err != nil {
		t.Fatalf("failed to read pending deltas: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != kept.ID {
		t.Errorf("expected only unacknowledged delta to survive, got %v", pending)
	}

	st, err = coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.QueuedDeltas != 1 {
		t.Errorf("expected queued count republished as 1, got %d", st.QueuedDeltas)
	}
}

func TestPendingDeltasSkipUnknownDiscriminants(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	good := &protocol.DeltaEnvelope{
		ID:         uuid.New(),
		Entity:     protocol.EntityVenue,
		Action:     protocol.ActionCreate,
		Payload:    []byte(`{"id":"v1"}`),
		ModifiedAt: clock.Now(),
	}
	if err := coord.EnqueueDelta(ctx, good); err != nil {
		t.Fatalf("failed to enqueue delta: %v", err)
	}

	// A row written by a newer build with a discriminant this one doesn't
	// know. It stays queued but is invisible.
	_, err := db.RawDB().ExecContext(ctx, `
		INSERT INTO delta_outbox (id, entity, action, payload, modified_at, origin,
			idempotency_key, enqueued_at)
		VALUES (?, 'sponsor', 'create', ?, ?, 'local', ?, ?)
	`, uuid.NewString(), []byte(`{}`), clock.Now().Format(time.RFC3339Nano),
		uuid.NewString(), clock.Now().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("failed to insert foreign row: %v", err)
	}

	pending, err := coord.PendingDeltas(ctx)
	if err != nil {
		t.Fatalf("failed to read pending deltas: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != good.ID {
		t.Errorf("expected unknown-entity row skipped, got %v", pending)
	}

	size, err := db.OutboxSize(ctx)
	if err != nil {
		t.Fatalf("failed to count outbox: %v", err)
	}
	if size != 2 {
		t.Errorf("expected skipped row to stay queued, got %d rows", size)
	}
}

func TestMarkDeltasAttempted(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	e := &protocol.DeltaEnvelope{
		ID:         uuid.New(),
		Entity:     protocol.EntityTeam,
		Action:     protocol.ActionDelete,
		ModifiedAt: clock.Now(),
	}
	if err := coord.EnqueueDelta(ctx, e); err != nil {
		t.Fatalf("failed to enqueue delta: %v", err)
	}

	clock.Advance(time.Minute)
	if err := coord.MarkDeltasAttempted(ctx, []uuid.UUID{e.ID}); err != nil {
		t.Fatalf("failed to mark attempted: %v", err)
	}

	records, err := db.PendingDeltas(ctx)
	if err != nil {
		t.Fatalf("failed to read outbox: %v", err)
	}
	if records[0].FailureCount != 1 {
		t.Errorf("expected failure_count 1, got %d", records[0].FailureCount)
	}
	if records[0].LastAttemptAt == nil || !records[0].LastAttemptAt.Equal(clock.Now()) {
		t.Errorf("expected last_attempt_at %v, got %v", clock.Now(), records[0].LastAttemptAt)
	}
}

func TestProducerSettingsDriveStatus(t *testing.T) {
	coord, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	remoteSync := clock.Now().Add(-30 * time.Minute)
	p := buildPayload(clock.Now(), "Rovers")
	p.Settings = &protocol.ProducerSettings{
		ConnectivityStatus:       protocol.ConnectivityConnected,
		LastSuccessfulRemoteSync: &remoteSync,
		RequiresBackfill:         true,
	}

	if err := coord.IngestSnapshotData(ctx, encodePayload(t, p)); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if !st.Reachable || st.LastConnectivityStatus != protocol.ConnectivityConnected {
		t.Errorf("expected connected status, got %+v", st)
	}
	if st.LastRemoteSync == nil || !st.LastRemoteSync.Equal(remoteSync) {
		t.Errorf("expected remote sync %v, got %v", remoteSync, st.LastRemoteSync)
	}
	if !st.RequiresBackfill {
		t.Errorf("expected requires_backfill set")
	}
}

func TestIngestManualStatus(t *testing.T) {
	coord, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	var observed *store.SyncStatus
	coord.OnStatusChange(func(st store.SyncStatus) { observed = &st })

	last := clock.Now().Add(-time.Hour)
	msg := &protocol.ManualSyncStatus{
		Reachable:             true,
		QueuedSnapshots:       2,
		QueuedDeltas:          4,
		PendingSnapshotChunks: 1,
		LastSnapshot:          &last,
	}
	if err := coord.IngestManualStatus(ctx, msg); err != nil {
		t.Fatalf("failed to ingest manual status: %v", err)
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if !st.Reachable || st.QueuedSnapshots != 2 || st.QueuedDeltas != 4 || st.PendingSnapshotChunks != 1 {
		t.Errorf("expected manual status merged, got %+v", st)
	}
	if st.LastSnapshotGeneratedAt == nil || !st.LastSnapshotGeneratedAt.Equal(last) {
		t.Errorf("expected last snapshot %v, got %v", last, st.LastSnapshotGeneratedAt)
	}
	if observed == nil || observed.QueuedDeltas != 4 {
		t.Errorf("expected status observer notified, got %+v", observed)
	}
}

func TestPruneStaleChunks(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	gen := clock.Now()
	if err := coord.IngestSnapshotData(ctx, encodeChunk(t, gen, 0, 3, "Alpha")); err != nil {
		t.Fatalf("failed to ingest chunk: %v", err)
	}

	// Within TTL: nothing happens.
	if err := coord.PruneStaleChunks(ctx); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	count, err := db.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("failed to count chunks: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fresh chunk retained, got %d", count)
	}

	// Past TTL: the abandoned generation is collected and pending counts
	// converge back to zero.
	clock.Advance(25 * time.Hour)
	if err := coord.PruneStaleChunks(ctx); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	count, err = db.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("failed to count chunks: %v", err)
	}
	if count != 0 {
		t.Errorf("expected expired chunk pruned, got %d", count)
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.PendingSnapshotChunks != 0 {
		t.Errorf("expected pending chunks reset after prune, got %d", st.PendingSnapshotChunks)
	}
}

func TestSetReachable(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coord.SetReachable(ctx, true); err != nil {
		t.Fatalf("failed to set reachable: %v", err)
	}
	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if !st.Reachable || st.LastConnectivityStatus != protocol.ConnectivityConnected {
		t.Errorf("expected connected, got %+v", st)
	}

	if err := coord.SetReachable(ctx, false); err != nil {
		t.Fatalf("failed to set unreachable: %v", err)
	}
	st, err = coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.Reachable || st.LastConnectivityStatus != protocol.ConnectivityUnreachable {
		t.Errorf("expected unreachable, got %+v", st)
	}
}

func TestWipeAll(t *testing.T) {
	coord, db, clock := newTestCoordinator(t)
	ctx := context.Background()

	notified := 0
	coord.OnLibraryChange(func() { notified++ })

	if err := coord.IngestSnapshotData(ctx, encodeSnapshot(t, clock.Now(), "Rovers")); err != nil {
		t.Fatalf("failed to ingest snapshot: %v", err)
	}
	e := &protocol.DeltaEnvelope{
		ID:         uuid.New(),
		Entity:     protocol.EntityTeam,
		Action:     protocol.ActionDelete,
		ModifiedAt: clock.Now(),
	}
	if err := coord.EnqueueDelta(ctx, e); err != nil {
		t.Fatalf("failed to enqueue delta: %v", err)
	}

	if err := coord.WipeAll(ctx); err != nil {
		t.Fatalf("failed to wipe: %v", err)
	}

	if names := teamNames(t, db); len(names) != 0 {
		t.Errorf("expected teams wiped, got %v", names)
	}
	pending, err := coord.PendingDeltas(ctx)
	if err != nil {
		t.Fatalf("failed to read pending deltas: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected outbox wiped, got %d deltas", len(pending))
	}

	st, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if st.LastSnapshotGeneratedAt != nil || st.QueuedDeltas != 0 {
		t.Errorf("expected status reset, got %+v", st)
	}

	// Apply + wipe both notify.
	if notified != 2 {
		t.Errorf("expected 2 library notifications, got %d", notified)
	}
}

func TestEnqueueDeltaRejectsInvalid(t *testing.T) {
	coord, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	e := &protocol.DeltaEnvelope{
		ID:         uuid.New(),
		Entity:     protocol.EntityKind("mascot"),
		Action:     protocol.ActionCreate,
		Payload:    []byte(`{}`),
		ModifiedAt: clock.Now(),
	}
	if err := coord.EnqueueDelta(ctx, e); err == nil {
		t.Errorf("expected unknown entity to be rejected at enqueue")
	}
}
