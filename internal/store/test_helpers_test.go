package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/outbox/internal/record"
)

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a pending update with minimal required fields.
func createTestMutation(id, entityID string, createdAt time.Time) record.MutationRecord {
	eid := entityID
	return record.MutationRecord{
		ID:              id,
		EntityType:      record.EntityMatch,
		EntityID:        &eid,
		Operation:       record.OpUpdate,
		Payload:         record.Snapshot{"homeScore": float64(1)},
		ExpectedVersion: 1,
		Status:          record.StatusPending,
		CreatedAt:       createdAt,
	}
}

// createTestConflict creates an open conflict for a mutation.
func createTestConflict(id, mutationID, entityID string) record.ConflictRecord {
	return record.ConflictRecord{
		ID:            id,
		MutationID:    mutationID,
		EntityType:    record.EntityMatch,
		EntityID:      entityID,
		LocalData:     record.Snapshot{"homeScore": float64(2), "awayScore": float64(1)},
		ServerData:    record.Snapshot{"homeScore": float64(2), "awayScore": float64(3)},
		ServerVersion: 5,
		Status:        record.ConflictOpen,
		DetectedAt:    testEpoch,
	}
}
