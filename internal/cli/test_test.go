package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shippedScenarios = filepath.Join("..", "harness", "testdata", "scenarios")

const failingScenario = `name: wrong_count
description: "Expects a call that never happens"
flow:
  - enqueue: { entity: match/m1, operation: update, version: 1, payload: { homeScore: 1 } }
assertions:
  - type: call_count
    count: 1
`

const passingScenario = `name: one_update
description: "A single update drains"
flow:
  - enqueue: { entity: match/m1, operation: update, version: 1, payload: { homeScore: 1 } }
  - sync: {}
    expect: { synced: 1 }
assertions:
  - type: call_count
    count: 1
`

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestTestCommand_ShippedScenariosPass(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("test", shippedScenarios)
	assert.Contains(t, out, "✓ score_conflict_local")
	assert.Contains(t, out, "✓ All scenarios passed")

	out = env.mustRun("--format", "json", "test", shippedScenarios)
	res := decodeData[TestResult](t, out)
	assert.Zero(t, res.Failed)
	assert.Equal(t, res.Total, res.Passed)

	var golden bool
	for _, s := range res.Scenarios {
		if s.Name == "score_conflict_local" {
			golden = s.Golden
		}
	}
	assert.True(t, golden, "score_conflict_local is checked against its golden trace")
}

func TestTestCommand_Filter(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("--format", "json", "test", shippedScenarios, "--filter", "score_*")
	res := decodeData[TestResult](t, out)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "score_conflict_local", res.Scenarios[0].Name)
}

func TestTestCommand_FailingScenario(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(t.TempDir(), "scenarios")
	writeScenario(t, dir, "wrong_count.yaml", failingScenario)

	out, err := env.run("test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_count")
	assert.Contains(t, out, "1 remote calls")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")

	out, err = env.run("--format", "json", "test", dir)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeScenario, resp.Error.Code)
}

func TestTestCommand_UpdateThenCompareGolden(t *testing.T) {
	env := newCLIEnv(t)
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	writeScenario(t, dir, "one_update.yml", passingScenario)

	out := env.mustRun("test", dir, "--update")
	assert.Contains(t, out, "✓ one_update (golden updated)")

	goldenPath := filepath.Join(root, "golden", "one_update.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"one_update"`)

	env.mustRun("test", dir)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"one_update","trace":[]}`), 0o644))
	out, err = env.run("test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_GoldenDirFlag(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(t.TempDir(), "scenarios")
	goldenDir := filepath.Join(t.TempDir(), "traces")
	writeScenario(t, dir, "one_update.yaml", passingScenario)

	env.mustRun("test", dir, "--update", "--golden-dir", goldenDir)
	_, err := os.Stat(filepath.Join(goldenDir, "one_update.golden"))
	require.NoError(t, err)
}

func TestTestCommand_LoadError(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(t.TempDir(), "scenarios")
	writeScenario(t, dir, "broken.yaml", "name: broken\n")

	out, err := env.run("test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_NoScenarios(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("test", t.TempDir())
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
