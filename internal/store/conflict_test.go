package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/record"
)

func parkedConflict(t *testing.T, s *Store) record.ConflictRecord {
	t.Helper()
	ctx := context.Background()
	_, err := s.Append(ctx, createTestMutation("m-1", "match-1", testEpoch))
	require.NoError(t, err)

	c := createTestConflict("c-1", "m-1", "match-1")
	require.NoError(t, s.ParkConflict(ctx, c))
	return c
}

func TestParkConflict_MarksMutation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	parkedConflict(t, s)

	m, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusConflict, m.Status)
	assert.Equal(t, 0, m.RetryCount, "conflicts never charge a retry")

	c, err := s.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, record.ConflictOpen, c.Status)
	assert.Equal(t, int64(5), c.ServerVersion)
	assert.Equal(t, float64(3), c.ServerData["awayScore"])
	assert.Nil(t, c.BaseData)
	assert.Nil(t, c.ResolvedAt)
}

func TestParkConflict_MissingMutationRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.ParkConflict(ctx, createTestConflict("c-1", "ghost", "match-1"))
	require.Error(t, err)

	_, err = s.GetConflict(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound, "conflict insert must roll back with the mutation update")
}

func TestParkConflict_BaseDataRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, createTestMutation("m-1", "match-1", testEpoch))
	require.NoError(t, err)

	c := createTestConflict("c-1", "m-1", "match-1")
	c.BaseData = record.Snapshot{}
	require.NoError(t, s.ParkConflict(ctx, c))

	got, err := s.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.NotNil(t, got.BaseData, "empty base is distinct from no base")
}

func TestListConflictsAndOpenEntities(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	parkedConflict(t, s)

	open, err := s.ListConflicts(ctx, record.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	keys, err := s.OpenConflictEntities(ctx)
	require.NoError(t, err)
	assert.True(t, keys["match/match-1"])

	resolved, err := s.ListConflicts(ctx, record.ConflictResolvedServer)
	require.NoError(t, err)
	assert.Empty(t, resolved)

	all, err := s.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRefreshConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	parkedConflict(t, s)

	require.NoError(t, s.RefreshConflict(ctx, "c-1", record.Snapshot{"awayScore": float64(4)}, 6))
	got, err := s.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.ServerVersion)
	assert.Equal(t, float64(4), got.ServerData["awayScore"])

	err = s.RefreshConflict(ctx, "missing", record.Snapshot{}, 1)
	assert.ErrorIs(t, err, ErrConflictNotOpen)
}

func TestApplyResolution_Finalize(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := parkedConflict(t, s)

	err := s.ApplyResolution(ctx, Resolution{
		ConflictID: c.ID,
		Status:     record.ConflictResolvedServer,
		Entity: &record.CachedEntity{
			EntityType: record.EntityMatch,
			EntityID:   "match-1",
			Data:       c.ServerData,
			Version:    c.ServerVersion,
		},
		Synced: []string{"m-1"},
	})
	require.NoError(t, err)

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ConflictResolvedServer, got.Status)
	require.NotNil(t, got.ResolvedAt)

	m, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSynced, m.Status)

	cached, err := s.CacheGet(ctx, record.EntityMatch, "match-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cached.Version)

	keys, err := s.OpenConflictEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestApplyResolution_Requeue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := parkedConflict(t, s)

	err := s.ApplyResolution(ctx, Resolution{
		ConflictID: c.ID,
		Status:     record.ConflictResolvedLocal,
		Requeue: &Requeue{
			MutationID:      "m-1",
			Payload:         c.LocalData,
			ExpectedVersion: c.ServerVersion,
		},
	})
	require.NoError(t, err)

	m, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, m.Status)
	assert.Equal(t, int64(5), m.ExpectedVersion)
	assert.Equal(t, float64(1), m.Payload["awayScore"])
}

func TestApplyResolution_TwiceFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := parkedConflict(t, s)

	res := Resolution{ConflictID: c.ID, Status: record.ConflictResolvedServer, Synced: []string{"m-1"}}
	require.NoError(t, s.ApplyResolution(ctx, res))
	assert.ErrorIs(t, s.ApplyResolution(ctx, res), ErrConflictNotOpen)
}

func TestApplyResolution_InvalidStatus(t *testing.T) {
	s := createTestStore(t)
	err := s.ApplyResolution(context.Background(), Resolution{ConflictID: "c-1", Status: record.ConflictOpen})
	assert.Error(t, err)
}
