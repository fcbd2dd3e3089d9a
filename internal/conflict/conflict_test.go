package conflict

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/record"
)

func scoreConflict() record.ConflictRecord {
	return record.ConflictRecord{
		ID:            "c-1",
		MutationID:    "m-1",
		EntityType:    record.EntityMatch,
		EntityID:      "match-1",
		LocalData:     record.Snapshot{"homeScore": float64(2), "awayScore": float64(1)},
		ServerData:    record.Snapshot{"homeScore": float64(2), "awayScore": float64(3)},
		ServerVersion: 4,
		Status:        record.ConflictOpen,
	}
}

func TestCompare(t *testing.T) {
	local := record.Snapshot{"homeScore": float64(2), "awayScore": float64(1), "venue": "Park"}
	server := record.Snapshot{"homeScore": 2, "awayScore": float64(3), "status": "live"}

	got := Compare(local, server)
	assert.Equal(t, []string{"awayScore", "status"}, got.Differences)
	assert.Equal(t, []string{"venue"}, got.LocalAdditions)
	assert.True(t, got.HasDifferences())
}

func TestCompare_Identical(t *testing.T) {
	s := record.Snapshot{"players": []any{"a", "b"}, "name": "Rovers"}
	got := Compare(s, s.Clone())
	assert.False(t, got.HasDifferences())
	assert.Empty(t, got.LocalAdditions)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(2, float64(2)))
	assert.True(t, Equal([]string{"a"}, []any{"a"}))
	assert.True(t, Equal(map[string]any{"x": int64(1)}, record.Snapshot{"x": float64(1)}))
	assert.False(t, Equal([]any{"a", "b"}, []any{"b", "a"}))
	assert.False(t, Equal("1", float64(1)))
}

func TestTryAutoMerge_ScoreConflict(t *testing.T) {
	got := TryAutoMerge(scoreConflict())
	assert.Equal(t, []string{"awayScore"}, got.Conflicts)
	assert.False(t, got.Clean())
	assert.Equal(t, float64(3), got.Merged["awayScore"], "conflicting field keeps the server value")
	assert.Equal(t, float64(2), got.Merged["homeScore"])
}

func TestTryAutoMerge_DisjointFields(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"venue": "Park Lane"},
		ServerData: record.Snapshot{"homeScore": float64(1), "awayScore": float64(0)},
	}

	got := TryAutoMerge(c)
	assert.Empty(t, got.Conflicts)
	assert.True(t, got.Clean())
	assert.Equal(t, record.Snapshot{
		"venue":     "Park Lane",
		"homeScore": float64(1),
		"awayScore": float64(0),
	}, got.Merged)
}

func TestTryAutoMerge_ThreeWayDisjoint(t *testing.T) {
	c := record.ConflictRecord{
		BaseData:   record.Snapshot{"homeScore": float64(0), "awayScore": float64(0)},
		LocalData:  record.Snapshot{"homeScore": float64(2), "awayScore": float64(0)},
		ServerData: record.Snapshot{"homeScore": float64(0), "awayScore": float64(3)},
	}

	got := TryAutoMerge(c)
	assert.Empty(t, got.Conflicts)
	assert.Equal(t, record.Snapshot{"homeScore": float64(2), "awayScore": float64(3)}, got.Merged)
}

func TestTryAutoMerge_ThreeWayBothChanged(t *testing.T) {
	c := record.ConflictRecord{
		BaseData:   record.Snapshot{"homeScore": float64(0)},
		LocalData:  record.Snapshot{"homeScore": float64(2)},
		ServerData: record.Snapshot{"homeScore": float64(1)},
	}

	got := TryAutoMerge(c)
	assert.Equal(t, []string{"homeScore"}, got.Conflicts)
	assert.Equal(t, float64(1), got.Merged["homeScore"])
}

func TestTryAutoMerge_ThreeWayServerRemovedField(t *testing.T) {
	c := record.ConflictRecord{
		BaseData:   record.Snapshot{"homeScore": float64(0), "venue": "Park Lane"},
		LocalData:  record.Snapshot{"homeScore": float64(2), "venue": "Park Lane"},
		ServerData: record.Snapshot{"homeScore": float64(0)},
	}

	got := TryAutoMerge(c)
	assert.Empty(t, got.Conflicts)
	assert.Equal(t, record.Snapshot{"homeScore": float64(2)}, got.Merged)
}

func TestTryAutoMerge_DoesNotAliasInputs(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"tags": []any{"cup"}},
		ServerData: record.Snapshot{"name": "Rovers"},
	}
	got := TryAutoMerge(c)
	got.Merged["name"] = "changed"
	got.Merged["tags"].([]any)[0] = "changed"

	assert.Equal(t, "Rovers", c.ServerData["name"])
	assert.Equal(t, "cup", c.LocalData["tags"].([]any)[0])
}

func TestMergeWithSelections_AllServer(t *testing.T) {
	c := scoreConflict()
	c.LocalData["venue"] = "Park Lane"
	c.ServerData["status"] = "live"

	got, err := MergeWithSelections(c, map[string]Selection{
		"homeScore": SelectServer,
		"awayScore": SelectServer,
		"status":    SelectServer,
	})
	require.NoError(t, err)
	for k, v := range c.ServerData {
		assert.Equal(t, v, got[k], "field %s", k)
	}
}

func TestMergeWithSelections_DefaultsToServer(t *testing.T) {
	got, err := MergeWithSelections(scoreConflict(), nil)
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"homeScore": float64(2), "awayScore": float64(3)}, got)
}

func TestMergeWithSelections_Local(t *testing.T) {
	got, err := MergeWithSelections(scoreConflict(), map[string]Selection{"awayScore": SelectLocal})
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["awayScore"])
}

func TestMergeWithSelections_LocalOnlyKey(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"venue": "Park Lane"},
		ServerData: record.Snapshot{"status": "live"},
	}

	got, err := MergeWithSelections(c, nil)
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"status": "live"}, got, "unselected local-only keys take the server side")

	got, err = MergeWithSelections(c, map[string]Selection{"venue": SelectServer})
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"status": "live"}, got)

	got, err = MergeWithSelections(c, map[string]Selection{"venue": SelectLocal})
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"venue": "Park Lane", "status": "live"}, got)

	got, err = MergeWithSelections(c, map[string]Selection{"venue": SelectMerge})
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"venue": "Park Lane", "status": "live"}, got)
}

func TestMergeWithSelections_UnselectedLocalFieldDropped(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"homeScore": float64(2), "venue": "Park Lane"},
		ServerData: record.Snapshot{"homeScore": float64(1)},
	}

	got, err := MergeWithSelections(c, nil)
	require.NoError(t, err)
	assert.Equal(t, record.Snapshot{"homeScore": float64(1)}, got)
}

func TestMergeWithSelections_ArrayUnion(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"players": []any{"p2", "p3", "p3"}, "name": "Local FC"},
		ServerData: record.Snapshot{"players": []any{"p1", "p2"}, "name": "Server FC"},
	}

	got, err := MergeWithSelections(c, map[string]Selection{
		"players": SelectMerge,
		"name":    SelectMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"p1", "p2", "p3"}, got["players"])
	assert.Equal(t, "Server FC", got["name"], "merge on a scalar falls back to server")
}

func TestMergeWithSelections_Errors(t *testing.T) {
	_, err := MergeWithSelections(scoreConflict(), map[string]Selection{"goals": SelectLocal})
	assert.Error(t, err)

	_, err = MergeWithSelections(scoreConflict(), map[string]Selection{"homeScore": "mine"})
	assert.Error(t, err)
}

func TestParseSelection(t *testing.T) {
	for _, s := range []string{"local", "server", "merge"} {
		sel, err := ParseSelection(s)
		require.NoError(t, err)
		assert.Equal(t, Selection(s), sel)
	}
	_, err := ParseSelection("both")
	assert.Error(t, err)
}

func TestFormatForDisplay(t *testing.T) {
	c := scoreConflict()
	c.LocalData["venue"] = "Park Lane"
	c.LocalData["status"] = "live"
	c.ServerData["status"] = "final"
	c.ServerData["tags"] = []any{"cup"}

	diffs := FormatForDisplay(c)

	list := make([]any, len(diffs))
	for i, d := range diffs {
		list[i] = map[string]any{
			"field":    d.Field,
			"local":    d.Local,
			"server":   d.Server,
			"inLocal":  d.InLocal,
			"inServer": d.InServer,
		}
	}
	out, err := record.MarshalCanonical(list)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "display_score_conflict", out)
}

func TestFormatForDisplay_NoDifferences(t *testing.T) {
	c := record.ConflictRecord{
		LocalData:  record.Snapshot{"name": "Rovers"},
		ServerData: record.Snapshot{"name": "Rovers"},
	}
	diffs := FormatForDisplay(c)
	assert.NotNil(t, diffs)
	assert.Empty(t, diffs)
}
