package storage

import (
	"testing"
	"time"

	"resqmesh/mesh"
	"resqmesh/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testMessage(originID, text string) mesh.Message {
	fix := models.Fix{Latitude: 47.3769, Longitude: 8.5417, Timestamp: 1_760_000_000_000}
	message := mesh.NewSelfMessage(originID, &fix, text, time.UnixMilli(1_760_000_000_500))
	message.StoredAt = time.UnixMilli(1_760_000_001_000)
	return message
}
