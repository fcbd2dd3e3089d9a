package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRetries bounds how many transient failures a mutation may absorb
// before it becomes terminally failed.
const DefaultMaxRetries = 3

// EntityType is the closed set of entity kinds the engine knows how to sync.
type EntityType string

const (
	EntityMatch  EntityType = "match"
	EntityTeam   EntityType = "team"
	EntityPlayer EntityType = "player"
)

// EntityTypes lists every known entity type in a stable order.
var EntityTypes = []EntityType{EntityMatch, EntityTeam, EntityPlayer}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityMatch, EntityTeam, EntityPlayer:
		return true
	}
	return false
}

// ParseEntityType converts a string into an EntityType, rejecting unknown kinds.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Operation is the kind of change a mutation carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is create, update or delete.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued mutation.
//
//	pending -> syncing -> synced            (success, purged after the cycle)
//	pending -> syncing -> pending           (transient failure, retries left)
//	pending -> syncing -> error             (validation, or retries exhausted)
//	pending -> syncing -> conflict          (version mismatch, awaits resolution)
//	conflict -> synced | pending            (resolution applied)
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Statuses lists every mutation status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the status will never change without outside help.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusConflict
}

// ConflictStatus tracks whether a conflict still awaits a decision.
type ConflictStatus string

const (
	ConflictOpen           ConflictStatus = "open"
	ConflictResolvedLocal  ConflictStatus = "resolved_local"
	ConflictResolvedServer ConflictStatus = "resolved_server"
	ConflictResolvedMerge  ConflictStatus = "resolved_merge"
)

// Snapshot is a full JSON object view of an entity or payload.
type Snapshot map[string]any

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Apply returns a copy of s with every top-level field of patch written
// over it. Neither input is modified; the result is never nil.
func (s Snapshot) Apply(patch Snapshot) Snapshot {
	out := s.Clone()
	if out == nil {
		out = make(Snapshot, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Snapshot(val).Clone())
	case Snapshot:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}

// ParseSnapshot decodes a JSON object. Empty input yields an empty snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return Snapshot{}, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if s == nil {
		s = Snapshot{}
	}
	return s, nil
}

// Mutation is what a collaborator hands to the engine; the engine fills in
// identity, status and bookkeeping fields.
type Mutation struct {
	EntityType      EntityType      `json:"entityType" yaml:"entityType"`
	EntityID        *string         `json:"entityId,omitempty" yaml:"entityId,omitempty"`
	Operation       Operation       `json:"operation" yaml:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty" yaml:"-"`
	ExpectedVersion int64           `json:"expectedVersion,omitempty" yaml:"expectedVersion,omitempty"`
}

// MutationRecord is one durably queued intent.
type MutationRecord struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	EntityType      EntityType `json:"entityType"`
	EntityID        *string    `json:"entityId,omitempty"`
	Operation       Operation  `json:"operation"`
	Payload         Snapshot   `json:"payload"`
	ExpectedVersion int64      `json:"expectedVersion,omitempty"`
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retryCount"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
}

// EntityKey returns "type/id", or "" when the entity does not exist remotely yet.
func (m MutationRecord) EntityKey() string {
	if m.EntityID == nil {
		return ""
	}
	return EntityKey(m.EntityType, *m.EntityID)
}

// EntityKey builds the key used to group records per entity.
func EntityKey(t EntityType, id string) string {
	return string(t) + "/" + id
}

// ConflictRecord is created when the backend rejects an update because the
// entity moved past the version the client based its edit on.
type ConflictRecord struct {
	ID            string         `json:"id"`
	MutationID    string         `json:"mutationId"`
	EntityType    EntityType     `json:"entityType"`
	EntityID      string         `json:"entityId"`
	LocalData     Snapshot       `json:"localData"`
	ServerData    Snapshot       `json:"serverData"`
	BaseData      Snapshot       `json:"baseData,omitempty"`
	ServerVersion int64          `json:"serverVersion"`
	Status        ConflictStatus `json:"status"`
	DetectedAt    time.Time      `json:"detectedAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
}

// CachedEntity is the last-known-good local copy of an entity.
type CachedEntity struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Data       Snapshot   `json:"data"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Entity is the backend's view of an entity after a successful write.
type Entity struct {
	ID      string   `json:"id"`
	Version int64    `json:"version"`
	Data    Snapshot `json:"data"`
}

// SyncResult aggregates the outcome of one drain cycle.
type SyncResult struct {
	SyncedCount   int              `json:"syncedCount"`
	ConflictCount int              `json:"conflictCount"`
	ErrorCount    int              `json:"errorCount"`
	RetriedCount  int              `json:"retriedCount"`
	HeldCount     int              `json:"heldCount"`
	Conflicts     []ConflictRecord `json:"conflicts"`
}

// EmptySyncResult is the result of a cycle that did nothing.
func EmptySyncResult() SyncResult {
	return SyncResult{Conflicts: []ConflictRecord{}}
}
