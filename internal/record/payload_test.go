package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecodePayload_Variants(t *testing.T) {
	tests := []struct {
		name       string
		entityType EntityType
		raw        string
		want       Payload
	}{
		{"match", EntityMatch, `{"homeScore":2,"awayScore":1}`, MatchPayload{HomeScore: intPtr(2), AwayScore: intPtr(1)}},
		{"team", EntityTeam, `{"name":"Rovers","players":["p1"]}`, TeamPayload{Name: strPtr("Rovers"), Players: []string{"p1"}}},
		{"player", EntityPlayer, `{"name":"Ana","number":9}`, PlayerPayload{Name: strPtr("Ana"), Number: intPtr(9)}},
		{"empty match", EntityMatch, ``, MatchPayload{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(tt.entityType, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.entityType, got.EntityType())
		})
	}
}

func TestDecodePayload_RejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload(EntityMatch, []byte(`{"homeScore":1,"standings":3}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodePayload_RejectsUnknownEntityType(t *testing.T) {
	_, err := DecodePayload(EntityType("stadium"), []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		op      Operation
		wantErr bool
	}{
		{"match create ok", MatchPayload{HomeTeamID: strPtr("a"), AwayTeamID: strPtr("b")}, OpCreate, false},
		{"match create missing away", MatchPayload{HomeTeamID: strPtr("a")}, OpCreate, true},
		{"match create same team", MatchPayload{HomeTeamID: strPtr("a"), AwayTeamID: strPtr("a")}, OpCreate, true},
		{"match update empty", MatchPayload{}, OpUpdate, true},
		{"match delete empty", MatchPayload{}, OpDelete, false},
		{"team create missing name", TeamPayload{}, OpCreate, true},
		{"team update roster only", TeamPayload{Players: []string{"p"}}, OpUpdate, false},
		{"player create ok", PlayerPayload{Name: strPtr("Ana")}, OpCreate, false},
		{"player update empty", PlayerPayload{}, OpUpdate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate(tt.op)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToSnapshot_OmitsUnsetFields(t *testing.T) {
	snap, err := ToSnapshot(MatchPayload{HomeScore: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, Snapshot{"homeScore": float64(0)}, snap)
}

func TestValidateMutation(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	t.Run("update requires id and version", func(t *testing.T) {
		_, err := ValidateMutation(schema, Mutation{
			EntityType: EntityMatch,
			Operation:  OpUpdate,
			Payload:    json.RawMessage(`{"homeScore":1}`),
		})
		assert.ErrorIs(t, err, ErrInvalidPayload)

		_, err = ValidateMutation(schema, Mutation{
			EntityType: EntityMatch,
			EntityID:   strPtr("m1"),
			Operation:  OpUpdate,
			Payload:    json.RawMessage(`{"homeScore":1}`),
		})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("valid update normalizes payload", func(t *testing.T) {
		snap, err := ValidateMutation(schema, Mutation{
			EntityType:      EntityMatch,
			EntityID:        strPtr("m1"),
			Operation:       OpUpdate,
			Payload:         json.RawMessage(`{"awayScore":3}`),
			ExpectedVersion: 4,
		})
		require.NoError(t, err)
		assert.Equal(t, Snapshot{"awayScore": float64(3)}, snap)
	})

	t.Run("schema rejects negative score", func(t *testing.T) {
		_, err := ValidateMutation(schema, Mutation{
			EntityType:      EntityMatch,
			EntityID:        strPtr("m1"),
			Operation:       OpUpdate,
			Payload:         json.RawMessage(`{"awayScore":-1}`),
			ExpectedVersion: 4,
		})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("create without id", func(t *testing.T) {
		snap, err := ValidateMutation(schema, Mutation{
			EntityType: EntityTeam,
			Operation:  OpCreate,
			Payload:    json.RawMessage(`{"name":"Rovers","shortName":"ROV"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, "Rovers", snap["name"])
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, err := ValidateMutation(schema, Mutation{EntityType: EntityTeam, Operation: "upsert"})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func intPtr(i int) *int { return &i }
