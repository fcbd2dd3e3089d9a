package record

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// mutationNamespace seeds the UUIDv5 space for mutation IDs. Changing it
// changes every derived ID, so it is fixed for the life of a database.
var mutationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/roach88/outbox/mutation/v1"))

// MutationID derives a stable identifier from entityType+entityId+createdAt.
//
// The same intent enqueued twice (same entity, same timestamp) maps to the
// same ID, which the store turns into a no-op. Strings are NFC normalized so
// visually identical IDs from different input methods collide as expected.
func MutationID(entityType EntityType, entityID *string, createdAt time.Time) string {
	id := ""
	if entityID != nil {
		id = *entityID
	}
	key := norm.NFC.String(string(entityType)) + "|" +
		norm.NFC.String(id) + "|" +
		strconv.FormatInt(createdAt.UTC().UnixNano(), 10)
	return uuid.NewSHA1(mutationNamespace, []byte(key)).String()
}

// IDGenerator produces identifiers for records that have no natural key.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers for testing.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
// Panics once all ids have been consumed, to catch test misconfiguration.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
