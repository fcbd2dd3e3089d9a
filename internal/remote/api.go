package remote

import (
	"context"
	"fmt"

	"github.com/roach88/outbox/internal/record"
)

// Request is one replayed mutation as seen by the backend.
type Request struct {
	// IdempotencyKey is the mutation ID. The backend uses it to answer a
	// retried write with the original response.
	IdempotencyKey string

	EntityType record.EntityType

	// EntityID is empty for creates.
	EntityID string

	// Data is the payload snapshot. Unused for deletes.
	Data record.Snapshot

	// ExpectedVersion is the version the update was based on.
	ExpectedVersion int64
}

// API is the remote surface the engine replays mutations against.
//
// Implementations return *Error or *ConflictError for every failure so that
// KindOf can classify it.
type API interface {
	Create(ctx context.Context, req Request) (record.Entity, error)
	Update(ctx context.Context, req Request) (record.Entity, error)
	Delete(ctx context.Context, req Request) error
}

// HealthChecker reports whether the backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Collection returns the URL path segment for an entity type.
func Collection(t record.EntityType) (string, error) {
	switch t {
	case record.EntityMatch:
		return "matches", nil
	case record.EntityTeam:
		return "teams", nil
	case record.EntityPlayer:
		return "players", nil
	}
	return "", fmt.Errorf("no collection for entity type %q", t)
}

// EntityTypeFor maps a collection path segment back to its entity type.
func EntityTypeFor(collection string) (record.EntityType, bool) {
	for _, t := range record.EntityTypes {
		if c, _ := Collection(t); c == collection {
			return t, true
		}
	}
	return "", false
}
