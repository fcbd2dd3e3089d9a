package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/outbox/internal/conflict"
	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/store"
	"github.com/roach88/outbox/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	// Remote calls are usually what explains a state mismatch.
	fmt.Fprintf(&buf, "\nRemote calls:\n")
	for _, event := range e.Trace {
		if event.Type == EventCall {
			fmt.Fprintf(&buf, "  [%d] %s %s v%d %v\n", event.Seq, event.Operation, event.Entity, event.ExpectedVersion, event.Data)
		}
	}

	return buf.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
	API   *testutil.FakeAPI
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch {
		case assertion.Type == AssertCallCount:
			err = assertCallCount(result.Trace, assertion)
		case actx == nil || actx.Store == nil || actx.API == nil:
			err = fmt.Errorf("assertion[%d]: %s requires store and backend context", i, assertion.Type)
		default:
			switch assertion.Type {
			case AssertQueueCount:
				err = assertQueueCount(actx.Ctx, actx.Store, result.Trace, assertion)
			case AssertConflictCount:
				err = assertConflictCount(actx.Ctx, actx.Store, result.Trace, assertion)
			case AssertRemoteState:
				err = assertRemoteState(actx.API, result.Trace, assertion)
			case AssertCachedState:
				err = assertCachedState(actx.Ctx, actx.Store, result.Trace, assertion)
			default:
				err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
			}
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

// assertQueueCount counts mutations with a status. Synced mutations are
// purged at the end of each cycle, so a synced count only sees those
// finalized since the last cycle.
func assertQueueCount(ctx context.Context, st *store.Store, trace []TraceEvent, a Assertion) error {
	counts, err := st.Counts(ctx)
	if err != nil {
		return fmt.Errorf("queue_count: %w", err)
	}
	if got := counts[record.Status(a.Status)]; got != a.Count {
		return &AssertionError{
			Type:     AssertQueueCount,
			Expected: fmt.Sprintf("%d %s mutations", a.Count, a.Status),
			Actual:   fmt.Sprintf("%d (all: %s)", got, formatCounts(counts)),
			Trace:    trace,
		}
	}
	return nil
}

func assertConflictCount(ctx context.Context, st *store.Store, trace []TraceEvent, a Assertion) error {
	status := record.ConflictStatus(a.Status)
	if a.Status == "all" {
		status = ""
	}
	conflicts, err := st.ListConflicts(ctx, status)
	if err != nil {
		return fmt.Errorf("conflict_count: %w", err)
	}
	if len(conflicts) != a.Count {
		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.ID + "=" + string(c.Status)
		}
		return &AssertionError{
			Type:     AssertConflictCount,
			Expected: fmt.Sprintf("%d %s conflicts", a.Count, a.Status),
			Actual:   fmt.Sprintf("%d %v", len(conflicts), ids),
			Trace:    trace,
		}
	}
	return nil
}

func assertRemoteState(api *testutil.FakeAPI, trace []TraceEvent, a Assertion) error {
	typ, id, _ := parseEntity(a.Entity)
	entity, ok := api.Entity(typ, id)
	return checkEntity(AssertRemoteState, a, trace, ok, entity.Version, entity.Data)
}

func assertCachedState(ctx context.Context, st *store.Store, trace []TraceEvent, a Assertion) error {
	typ, id, _ := parseEntity(a.Entity)
	cached, err := st.CacheGet(ctx, typ, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("cached_state: %w", err)
	}
	return checkEntity(AssertCachedState, a, trace, err == nil, cached.Version, cached.Data)
}

// checkEntity validates existence, version and a field subset.
func checkEntity(kind string, a Assertion, trace []TraceEvent, found bool, version int64, data record.Snapshot) error {
	switch {
	case a.Absent && found:
		return &AssertionError{
			Type:     kind,
			Expected: a.Entity + " absent",
			Actual:   fmt.Sprintf("present at version %d", version),
			Trace:    trace,
		}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{
			Type:     kind,
			Expected: a.Entity + " present",
			Actual:   "not found",
			Trace:    trace,
		}
	}

	if a.Version != 0 && a.Version != version {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s at version %d", a.Entity, a.Version),
			Actual:   fmt.Sprintf("version %d", version),
			Trace:    trace,
		}
	}

	want, err := toSnapshot(a.Expect)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	for field, expected := range want {
		actual, ok := data[field]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s.%s = %v", a.Entity, field, expected),
				Actual:   "field not present",
				Trace:    trace,
			}
		}
		if !conflict.Equal(actual, expected) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s.%s = %v", a.Entity, field, expected),
				Actual:   fmt.Sprintf("%v", actual),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertCallCount counts remote calls in the trace, including scripted
// failures.
func assertCallCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventCall && (a.Method == "" || event.Operation == a.Method) {
			count++
		}
	}

	if count != a.Count {
		what := "remote calls"
		if a.Method != "" {
			what = a.Method + " calls"
		}
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

func formatCounts(counts map[record.Status]int) string {
	parts := make([]string, 0, len(counts))
	for status, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
