package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_ScoreConflictLocal(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "score_conflict_local.yaml"))
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestMarshalTrace_OmitsZeroFields(t *testing.T) {
	result := NewResult()
	result.add(TraceEvent{Type: EventOnline, Status: "offline"})
	result.add(TraceEvent{Type: EventSync, Counts: map[string]int{"synced": 1}})

	out, err := MarshalTrace("tiny", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"tiny","trace":[{"seq":1,"status":"offline","type":"online"},{"counts":{"synced":1},"seq":2,"type":"sync"}]}`,
		string(out))
}
