package record

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

var definitionNames = map[EntityType]string{
	EntityMatch:  "#Match",
	EntityTeam:   "#Team",
	EntityPlayer: "#Player",
}

// Schema checks payload field constraints against the embedded CUE schema.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so every
// validation runs under mu.
type Schema struct {
	mu          sync.Mutex
	ctx         *cue.Context
	definitions map[EntityType]cue.Value
}

var (
	defaultSchema     *Schema
	defaultSchemaErr  error
	defaultSchemaOnce sync.Once
)

// DefaultSchema returns the process-wide schema compiled from schema.cue.
func DefaultSchema() (*Schema, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchema, defaultSchemaErr = NewSchema(schemaSource)
	})
	return defaultSchema, defaultSchemaErr
}

// NewSchema compiles CUE source that defines #Match, #Team and #Player.
func NewSchema(src string) (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}

	defs := make(map[EntityType]cue.Value, len(definitionNames))
	for entityType, name := range definitionNames {
		def := root.LookupPath(cue.ParsePath(name))
		if !def.Exists() {
			return nil, fmt.Errorf("payload schema missing definition %s", name)
		}
		defs[entityType] = def
	}

	return &Schema{ctx: ctx, definitions: defs}, nil
}

// Check validates a payload's field values.
func (s *Schema) Check(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[p.EntityType()]
	if !ok {
		return fmt.Errorf("%w: no schema for %q", ErrInvalidPayload, p.EntityType())
	}

	value := s.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.EntityType(), err)
	}
	return nil
}

// ValidateMutation decodes, constraint-checks and operation-checks a
// mutation's payload, returning the normalized snapshot to persist.
func ValidateMutation(s *Schema, m Mutation) (Snapshot, error) {
	if !m.EntityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, m.EntityType)
	}
	if !m.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, m.Operation)
	}

	switch m.Operation {
	case OpUpdate, OpDelete:
		if m.EntityID == nil || *m.EntityID == "" {
			return nil, fmt.Errorf("%w: %s requires an entity id", ErrInvalidPayload, m.Operation)
		}
	}
	if m.Operation == OpUpdate && m.ExpectedVersion <= 0 {
		return nil, fmt.Errorf("%w: update requires an expected version", ErrInvalidPayload)
	}

	payload, err := DecodePayload(m.EntityType, m.Payload)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(m.Operation); err != nil {
		return nil, err
	}
	if s != nil {
		if err := s.Check(payload); err != nil {
			return nil, err
		}
	}
	return ToSnapshot(payload)
}
