package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/outbox/internal/record"
)

// Scenario defines one sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Options configure the engine under test.
	Options Options `yaml:"options,omitempty"`

	// Seed places entities on the backend before the flow starts, as if
	// another client had written them.
	Seed []EntityState `yaml:"seed,omitempty"`

	// Cache places last-known-good copies in the local entity cache.
	Cache []EntityState `yaml:"cache,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final queue, conflict, cache and backend state.
	Assertions []Assertion `yaml:"assertions"`
}

// Options configure the engine for a scenario.
type Options struct {
	AutoMerge  bool `yaml:"auto_merge,omitempty"`
	MaxRetries int  `yaml:"max_retries,omitempty"`
}

// EntityState is an entity at a version.
type EntityState struct {
	// Entity is "type/id".
	Entity  string         `yaml:"entity"`
	Version int64          `yaml:"version"`
	Data    map[string]any `yaml:"data"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Fail scripts the next remote calls: transient, offline, validation,
	// or pass for a call that behaves normally.
	Fail []string `yaml:"fail,omitempty"`

	Sync *SyncStep `yaml:"sync,omitempty"`

	// Online records a connectivity change on the engine.
	Online *bool `yaml:"online,omitempty"`

	// Server writes an entity on the backend mid-flow.
	Server *EntityState `yaml:"server,omitempty"`

	Resolve *ResolveStep `yaml:"resolve,omitempty"`

	// Expect checks the step's outcome. Only sync and resolve steps carry
	// one.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EnqueueStep submits a mutation to the engine.
type EnqueueStep struct {
	// Entity is "type/id", or just the type for a create.
	Entity    string         `yaml:"entity"`
	Operation string         `yaml:"operation"`
	Version   int64          `yaml:"version,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty"`

	// Reject expects Enqueue to refuse the mutation.
	Reject bool `yaml:"reject,omitempty"`
}

// SyncStep runs one drain cycle. It has no fields yet; write "sync: {}".
type SyncStep struct{}

// ResolveStep applies a resolution to an open conflict.
type ResolveStep struct {
	Conflict string `yaml:"conflict"`

	// Strategy is local, server or merge.
	Strategy string `yaml:"strategy"`

	// Selections pick a side per field for the merge strategy.
	Selections map[string]string `yaml:"selections,omitempty"`
}

// ExpectClause specifies the expected outcome of a sync or resolve step.
// Unset counts are not checked.
type ExpectClause struct {
	Synced    *int `yaml:"synced,omitempty"`
	Conflicts *int `yaml:"conflicts,omitempty"`
	Errors    *int `yaml:"errors,omitempty"`
	Retried   *int `yaml:"retried,omitempty"`
	Held      *int `yaml:"held,omitempty"`

	// Offline expects the cycle to end because connectivity was lost.
	Offline bool `yaml:"offline,omitempty"`

	// Outcome is the expected resolve outcome (applied, requeued, conflict).
	Outcome string `yaml:"outcome,omitempty"`

	// Error expects the resolve call to fail with a message containing it.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "queue_count": mutations with Status number Count
	// - "conflict_count": conflicts with Status number Count
	// - "remote_state": backend entity matches Version and Expect
	// - "cached_state": cached entity matches Version and Expect
	// - "call_count": remote calls (of Method, if set) number Count
	Type string `yaml:"type"`

	Status string `yaml:"status,omitempty"`
	Count  int    `yaml:"count,omitempty"`

	// Entity is "type/id" (used by remote_state and cached_state).
	Entity  string         `yaml:"entity,omitempty"`
	Version int64          `yaml:"version,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`

	// Absent expects the entity not to exist.
	Absent bool `yaml:"absent,omitempty"`

	// Method is create, update or delete (used by call_count).
	Method string `yaml:"method,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueCount    = "queue_count"
	AssertConflictCount = "conflict_count"
	AssertRemoteState   = "remote_state"
	AssertCachedState   = "cached_state"
	AssertCallCount     = "call_count"
)

// Failure kinds accepted by a fail step.
const (
	FailTransient  = "transient"
	FailOffline    = "offline"
	FailValidation = "validation"
	FailPass       = "pass"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Options.MaxRetries < 0 {
		return fmt.Errorf("options.max_retries must be non-negative")
	}

	for i, st := range s.Seed {
		if err := validateEntityState(fmt.Sprintf("seed[%d]", i), st); err != nil {
			return err
		}
	}
	for i, st := range s.Cache {
		if err := validateEntityState(fmt.Sprintf("cache[%d]", i), st); err != nil {
			return err
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateEntityState(where string, st EntityState) error {
	if _, id, err := parseEntity(st.Entity); err != nil {
		return fmt.Errorf("%s: %w", where, err)
	} else if id == "" {
		return fmt.Errorf("%s: entity %q needs an id", where, st.Entity)
	}
	if st.Version < 1 {
		return fmt.Errorf("%s: version must be at least 1", where)
	}
	return nil
}

// validateStep checks that exactly one action is set and that expect is
// only used where it means something.
func validateStep(index int, step *FlowStep) error {
	actions := 0
	for _, set := range []bool{
		step.Enqueue != nil,
		step.Fail != nil,
		step.Sync != nil,
		step.Online != nil,
		step.Server != nil,
		step.Resolve != nil,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("flow[%d]: exactly one of enqueue, fail, sync, online, server or resolve is required", index)
	}
	if step.Expect != nil && step.Sync == nil && step.Resolve == nil {
		return fmt.Errorf("flow[%d]: expect is only valid on sync and resolve steps", index)
	}

	switch {
	case step.Enqueue != nil:
		if _, _, err := parseEntity(step.Enqueue.Entity); err != nil {
			return fmt.Errorf("flow[%d].enqueue: %w", index, err)
		}
		if step.Enqueue.Operation == "" {
			return fmt.Errorf("flow[%d].enqueue: operation is required", index)
		}
	case step.Fail != nil:
		if len(step.Fail) == 0 {
			return fmt.Errorf("flow[%d].fail: at least one failure kind is required", index)
		}
		for _, kind := range step.Fail {
			if _, ok := failures[kind]; !ok {
				return fmt.Errorf("flow[%d].fail: unknown failure kind %q", index, kind)
			}
		}
	case step.Server != nil:
		if err := validateEntityState(fmt.Sprintf("flow[%d].server", index), *step.Server); err != nil {
			return err
		}
	case step.Resolve != nil:
		if step.Resolve.Conflict == "" {
			return fmt.Errorf("flow[%d].resolve: conflict is required", index)
		}
		switch step.Resolve.Strategy {
		case "local", "server":
			if len(step.Resolve.Selections) > 0 {
				return fmt.Errorf("flow[%d].resolve: selections are only valid for the merge strategy", index)
			}
		case "merge":
		default:
			return fmt.Errorf("flow[%d].resolve: unknown strategy %q", index, step.Resolve.Strategy)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertQueueCount:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for queue_count", index)
		}
		if !record.Status(a.Status).Valid() {
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
	case AssertConflictCount:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for conflict_count", index)
		}
	case AssertRemoteState, AssertCachedState:
		if _, id, err := parseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		} else if id == "" {
			return fmt.Errorf("assertions[%d]: entity %q needs an id", index, a.Entity)
		}
		if a.Absent && (a.Version != 0 || len(a.Expect) > 0) {
			return fmt.Errorf("assertions[%d]: absent cannot be combined with version or expect", index)
		}
	case AssertCallCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseEntity splits "type/id". The id is empty when only a type is given.
func parseEntity(s string) (record.EntityType, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("entity is required")
	}
	typ, id, _ := strings.Cut(s, "/")
	t, err := record.ParseEntityType(typ)
	if err != nil {
		return "", "", err
	}
	return t, id, nil
}
