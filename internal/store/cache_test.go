package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/record"
)

func TestCache_PutGetOverwrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.CachePut(ctx, record.CachedEntity{
		EntityType: record.EntityMatch,
		EntityID:   "match-1",
		Data:       record.Snapshot{"homeScore": float64(1)},
		Version:    3,
	})
	require.NoError(t, err)

	got, err := s.CacheGet(ctx, record.EntityMatch, "match-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, record.Snapshot{"homeScore": float64(1)}, got.Data)
	assert.True(t, got.UpdatedAt.Equal(testEpoch))

	err = s.CachePut(ctx, record.CachedEntity{
		EntityType: record.EntityMatch,
		EntityID:   "match-1",
		Data:       record.Snapshot{"homeScore": float64(2)},
		Version:    4,
	})
	require.NoError(t, err)

	got, err = s.CacheGet(ctx, record.EntityMatch, "match-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, float64(2), got.Data["homeScore"])
}

func TestCache_GetMissing(t *testing.T) {
	s := createTestStore(t)
	_, err := s.CacheGet(context.Background(), record.EntityTeam, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache_Delete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CachePut(ctx, record.CachedEntity{EntityType: record.EntityTeam, EntityID: "t1", Data: record.Snapshot{}, Version: 1}))
	require.NoError(t, s.CacheDelete(ctx, record.EntityTeam, "t1"))
	require.NoError(t, s.CacheDelete(ctx, record.EntityTeam, "t1"), "deleting a missing entry is not an error")

	_, err := s.CacheGet(ctx, record.EntityTeam, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache_ListByType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t2", "t1"} {
		require.NoError(t, s.CachePut(ctx, record.CachedEntity{EntityType: record.EntityTeam, EntityID: id, Data: record.Snapshot{}, Version: 1}))
	}
	require.NoError(t, s.CachePut(ctx, record.CachedEntity{EntityType: record.EntityPlayer, EntityID: "p1", Data: record.Snapshot{}, Version: 1}))

	teams, err := s.CacheList(ctx, record.EntityTeam)
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "t1", teams[0].EntityID)
	assert.Equal(t, "t2", teams[1].EntityID)
}
