package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/remote"
)

// Call is one request received by FakeAPI.
type Call struct {
	Method  string // "create", "update" or "delete"
	Request remote.Request
}

// FakeAPI is an in-memory remote.API that records every call in order.
//
// By default it behaves like a versioned backend: creates get IDs
// "created-1", "created-2", ... at version 1; updates against a seeded
// entity conflict unless the expected version matches, and otherwise merge
// fields and bump the version; updates to unknown entities succeed at
// expectedVersion+1. Errors queued with FailNext are returned first, one
// per call, before any state changes.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FakeAPI struct {
	mu       sync.Mutex
	calls    []Call
	failures []error
	entities map[string]record.Entity
	created  int
	onCall   func(Call)
}

var _ remote.API = (*FakeAPI)(nil)

// NewFakeAPI creates an empty fake backend.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{entities: make(map[string]record.Entity)}
}

// Seed stores an entity at a version, as if another client had written it.
func (f *FakeAPI) Seed(t record.EntityType, id string, data record.Snapshot, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[record.EntityKey(t, id)] = record.Entity{ID: id, Version: version, Data: data.Clone()}
}

// Entity returns the stored entity, if any.
func (f *FakeAPI) Entity(t record.EntityType, id string) (record.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[record.EntityKey(t, id)]
	e.Data = e.Data.Clone()
	return e, ok
}

// FailNext queues errors returned by the next len(errs) calls, in order.
// A nil entry lets that call through.
func (f *FakeAPI) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// OnCall registers a hook run (outside the lock) at the start of every call.
func (f *FakeAPI) OnCall(fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns a copy of every call received so far.
func (f *FakeAPI) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many calls were received.
func (f *FakeAPI) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Create implements remote.API.
func (f *FakeAPI) Create(ctx context.Context, req remote.Request) (record.Entity, error) {
	if err := f.begin("create", req); err != nil {
		return record.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.created++
	e := record.Entity{ID: fmt.Sprintf("created-%d", f.created), Version: 1, Data: req.Data.Clone()}
	f.entities[record.EntityKey(req.EntityType, e.ID)] = e
	return cloneEntity(e), nil
}

// Update implements remote.API.
func (f *FakeAPI) Update(ctx context.Context, req remote.Request) (record.Entity, error) {
	if err := f.begin("update", req); err != nil {
		return record.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := record.EntityKey(req.EntityType, req.EntityID)
	e, ok := f.entities[key]
	if !ok {
		e = record.Entity{ID: req.EntityID, Version: req.ExpectedVersion, Data: record.Snapshot{}}
	}
	if e.Version != req.ExpectedVersion {
		return record.Entity{}, &remote.ConflictError{
			Op:             "update " + key,
			CurrentData:    e.Data.Clone(),
			CurrentVersion: e.Version,
		}
	}

	data := e.Data.Clone()
	if data == nil {
		data = record.Snapshot{}
	}
	for k, v := range req.Data {
		data[k] = v
	}
	e.Data = data
	e.Version++
	f.entities[key] = e
	return cloneEntity(e), nil
}

// Delete implements remote.API.
func (f *FakeAPI) Delete(ctx context.Context, req remote.Request) error {
	if err := f.begin("delete", req); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, record.EntityKey(req.EntityType, req.EntityID))
	return nil
}

// begin records the call and pops the next scripted failure.
func (f *FakeAPI) begin(method string, req remote.Request) error {
	req.Data = req.Data.Clone()
	call := Call{Method: method, Request: req}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onCall
	var err error
	if len(f.failures) > 0 {
		err = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func cloneEntity(e record.Entity) record.Entity {
	e.Data = e.Data.Clone()
	return e
}

// Transient returns a transient remote error, e.g. for FailNext.
func Transient(msg string) error {
	return remote.NewTransientError("fake", fmt.Errorf("%s", msg))
}

// Validation returns a validation remote error, e.g. for FailNext.
func Validation(msg string) error {
	return remote.NewValidationError("fake", msg)
}

// Offline returns an offline remote error, e.g. for FailNext.
func Offline() error {
	return remote.NewOfflineError("fake")
}
