package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/outbox/internal/record"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to the map shapes
// record.MarshalCanonical accepts. Zero fields are omitted.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type": event.Type,
			"seq":  event.Seq,
		}
		if event.Entity != "" {
			eventMap["entity"] = event.Entity
		}
		if event.Operation != "" {
			eventMap["operation"] = event.Operation
		}
		if event.ExpectedVersion != 0 {
			eventMap["expected_version"] = event.ExpectedVersion
		}
		if event.Version != 0 {
			eventMap["version"] = event.Version
		}
		if len(event.Data) > 0 {
			eventMap["data"] = event.Data
		}
		if event.Counts != nil {
			counts := make(map[string]any, len(event.Counts))
			for k, v := range event.Counts {
				counts[k] = v
			}
			eventMap["counts"] = counts
		}
		if len(event.Conflicts) > 0 {
			eventMap["conflicts"] = event.Conflicts
		}
		if event.ConflictID != "" {
			eventMap["conflict_id"] = event.ConflictID
		}
		if event.Outcome != "" {
			eventMap["outcome"] = event.Outcome
		}
		if event.Status != "" {
			eventMap["status"] = event.Status
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// MarshalTrace renders a result's trace as canonical JSON.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	return record.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
