package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/outbox/internal/conflict"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/store"
	"github.com/roach88/outbox/internal/testutil"
)

// Epoch is the frozen clock start for every run.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// conflictIDPool bounds how many conflicts one scenario may produce.
const conflictIDPool = 64

// harness holds the per-run fixtures.
type harness struct {
	store  *store.Store
	engine *engine.Engine
	api    *testutil.FakeAPI
	clock  *testutil.FakeClock
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database against a fresh fake
// backend. Conflict IDs are conflict-1, conflict-2, ... in detection order.
//
// Execution flow:
//  1. Seed the backend and the entity cache
//  2. Execute flow steps in order, recording the trace
//  3. Evaluate assertions against the final state
//
// Run returns an error only when the scenario cannot be executed (for
// example a store failure); mismatched expectations are reported in Result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(Epoch)

	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	api := testutil.NewFakeAPI()

	opts := []engine.Option{
		engine.WithClock(clock.Now),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithIDGenerator(record.NewFixedGenerator(conflictIDs(conflictIDPool)...)),
		engine.WithAutoMerge(scenario.Options.AutoMerge),
	}
	if scenario.Options.MaxRetries > 0 {
		opts = append(opts, engine.WithMaxRetries(scenario.Options.MaxRetries))
	}
	eng := engine.New(st, api, opts...)
	defer eng.Stop()

	h := &harness{
		store:  st,
		engine: eng,
		api:    api,
		clock:  clock,
		result: NewResult(),
	}
	api.OnCall(h.recordCall)

	if err := h.seed(ctx, scenario); err != nil {
		return nil, err
	}

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		h.clock.Advance(time.Second)
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, API: api}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func conflictIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("conflict-%d", i+1)
	}
	return ids
}

func (h *harness) seed(ctx context.Context, s *Scenario) error {
	for i, st := range s.Seed {
		typ, id, _ := parseEntity(st.Entity)
		data, err := toSnapshot(st.Data)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		h.api.Seed(typ, id, data, st.Version)
	}
	for i, st := range s.Cache {
		typ, id, _ := parseEntity(st.Entity)
		data, err := toSnapshot(st.Data)
		if err != nil {
			return fmt.Errorf("cache[%d]: %w", i, err)
		}
		err = h.store.CachePut(ctx, record.CachedEntity{
			EntityType: typ,
			EntityID:   id,
			Data:       data,
			Version:    st.Version,
		})
		if err != nil {
			return fmt.Errorf("cache[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *harness) execute(ctx context.Context, index int, step FlowStep) error {
	switch {
	case step.Enqueue != nil:
		return h.enqueue(ctx, index, step.Enqueue)

	case step.Fail != nil:
		errs := make([]error, 0, len(step.Fail))
		for _, kind := range step.Fail {
			errs = append(errs, failures[kind]())
		}
		h.api.FailNext(errs...)
		return nil

	case step.Sync != nil:
		return h.sync(ctx, index, step.Expect)

	case step.Online != nil:
		h.engine.SetOnline(*step.Online)
		status := "offline"
		if *step.Online {
			status = "online"
		}
		h.result.add(TraceEvent{Type: EventOnline, Status: status})
		return nil

	case step.Server != nil:
		typ, id, _ := parseEntity(step.Server.Entity)
		data, err := toSnapshot(step.Server.Data)
		if err != nil {
			return err
		}
		h.api.Seed(typ, id, data, step.Server.Version)
		h.result.add(TraceEvent{
			Type:    EventServer,
			Entity:  step.Server.Entity,
			Version: step.Server.Version,
			Data:    data,
		})
		return nil

	case step.Resolve != nil:
		return h.resolve(ctx, index, step.Resolve, step.Expect)
	}
	return fmt.Errorf("empty step")
}

func (h *harness) enqueue(ctx context.Context, index int, s *EnqueueStep) error {
	typ, id, _ := parseEntity(s.Entity)

	data, err := toSnapshot(s.Payload)
	if err != nil {
		return err
	}
	m := record.Mutation{
		EntityType:      typ,
		Operation:       record.Operation(s.Operation),
		ExpectedVersion: s.Version,
	}
	if id != "" {
		m.EntityID = &id
	}
	if len(s.Payload) > 0 {
		if m.Payload, err = json.Marshal(s.Payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	ev := TraceEvent{
		Type:            EventEnqueue,
		Entity:          s.Entity,
		Operation:       s.Operation,
		ExpectedVersion: s.Version,
		Data:            data,
		Status:          "queued",
	}

	_, err = h.engine.Enqueue(ctx, m)
	switch {
	case err != nil && errors.Is(err, record.ErrInvalidPayload):
		ev.Status = "rejected"
		if !s.Reject {
			h.result.AddError(fmt.Sprintf("flow[%d]: enqueue %s rejected: %v", index, s.Entity, err))
		}
	case err != nil:
		return fmt.Errorf("enqueue %s: %w", s.Entity, err)
	case s.Reject:
		h.result.AddError(fmt.Sprintf("flow[%d]: expected enqueue %s to be rejected", index, s.Entity))
	}
	h.result.add(ev)
	return nil
}

func (h *harness) sync(ctx context.Context, index int, expect *ExpectClause) error {
	res, err := h.engine.Sync(ctx)
	offline := errors.Is(err, engine.ErrOffline)
	if err != nil && !offline {
		return fmt.Errorf("sync: %w", err)
	}

	ev := TraceEvent{
		Type: EventSync,
		Counts: map[string]int{
			"synced":    res.SyncedCount,
			"conflicts": res.ConflictCount,
			"errors":    res.ErrorCount,
			"retried":   res.RetriedCount,
			"held":      res.HeldCount,
		},
	}
	for _, c := range res.Conflicts {
		ev.Conflicts = append(ev.Conflicts, c.ID)
	}
	if offline {
		ev.Status = "offline"
	}
	h.result.add(ev)

	if expect == nil {
		return nil
	}
	for _, c := range []struct {
		name string
		want *int
		got  int
	}{
		{"synced", expect.Synced, res.SyncedCount},
		{"conflicts", expect.Conflicts, res.ConflictCount},
		{"errors", expect.Errors, res.ErrorCount},
		{"retried", expect.Retried, res.RetriedCount},
		{"held", expect.Held, res.HeldCount},
	} {
		if c.want != nil && *c.want != c.got {
			h.result.AddError(fmt.Sprintf("flow[%d]: expected %d %s, got %d", index, *c.want, c.name, c.got))
		}
	}
	if expect.Offline != offline {
		h.result.AddError(fmt.Sprintf("flow[%d]: expected offline=%t, got %t", index, expect.Offline, offline))
	}
	return nil
}

func (h *harness) resolve(ctx context.Context, index int, s *ResolveStep, expect *ExpectClause) error {
	var (
		res engine.Resolution
		err error
	)
	switch s.Strategy {
	case "local":
		res, err = h.engine.ResolveWithLocal(ctx, s.Conflict)
	case "server":
		res, err = h.engine.ResolveWithServer(ctx, s.Conflict)
	case "merge":
		sels := make(map[string]conflict.Selection, len(s.Selections))
		for field, name := range s.Selections {
			sel, perr := conflict.ParseSelection(name)
			if perr != nil {
				return fmt.Errorf("resolve %s: %w", s.Conflict, perr)
			}
			sels[field] = sel
		}
		res, err = h.engine.ResolveWithMerge(ctx, s.Conflict, sels)
	}

	ev := TraceEvent{Type: EventResolve, ConflictID: s.Conflict}
	if err != nil {
		ev.Outcome = "error"
		h.result.add(ev)
		switch {
		case expect == nil || expect.Error == "":
			h.result.AddError(fmt.Sprintf("flow[%d]: %v", index, err))
		case !strings.Contains(err.Error(), expect.Error):
			h.result.AddError(fmt.Sprintf("flow[%d]: expected error containing %q, got %v", index, expect.Error, err))
		}
		return nil
	}

	ev.Outcome = string(res.Outcome)
	ev.Status = string(res.Conflict.Status)
	h.result.add(ev)

	if expect == nil {
		return nil
	}
	if expect.Error != "" {
		h.result.AddError(fmt.Sprintf("flow[%d]: expected error containing %q, resolve succeeded", index, expect.Error))
	}
	if expect.Outcome != "" && expect.Outcome != ev.Outcome {
		h.result.AddError(fmt.Sprintf("flow[%d]: expected outcome %s, got %s", index, expect.Outcome, ev.Outcome))
	}
	return nil
}

// recordCall traces a remote call. The idempotency key is left out because
// it embeds a timestamp.
func (h *harness) recordCall(c testutil.Call) {
	entity := string(c.Request.EntityType)
	if c.Request.EntityID != "" {
		entity += "/" + c.Request.EntityID
	}
	h.result.add(TraceEvent{
		Type:            EventCall,
		Entity:          entity,
		Operation:       c.Method,
		ExpectedVersion: c.Request.ExpectedVersion,
		Data:            c.Request.Data,
	})
}

// failures maps a fail step kind to the error FakeAPI returns.
var failures = map[string]func() error{
	FailTransient:  func() error { return testutil.Transient("scripted transient failure") },
	FailOffline:    testutil.Offline,
	FailValidation: func() error { return testutil.Validation("scripted validation failure") },
	FailPass:       func() error { return nil },
}

// toSnapshot normalizes YAML values (ints, nested maps) to the JSON shapes
// the engine stores.
func toSnapshot(m map[string]any) (record.Snapshot, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return record.ParseSnapshot(data)
}
