package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matchday/libsync/internal/protocol"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return db
}

// testSnapshot builds a minimal single-shot payload.
func testSnapshot(t *testing.T, generatedAt time.Time, teamNames ...string) *protocol.SnapshotPayload {
	t.Helper()

	p := &protocol.SnapshotPayload{GeneratedAt: generatedAt}
	for i, name := range teamNames {
		p.Teams = append(p.Teams, protocol.Team{
			ID:        name + "-id",
			Name:      name,
			UpdatedAt: generatedAt.Add(time.Duration(i) * time.Second),
		})
	}
	return p
}
