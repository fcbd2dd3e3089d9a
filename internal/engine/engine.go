package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/remote"
	"github.com/roach88/outbox/internal/store"
)

// Queue is the durable repository the engine drives. *store.Store
// implements it; the engine never reaches the database any other way.
type Queue interface {
	Append(ctx context.Context, rec record.MutationRecord) (string, error)
	Get(ctx context.Context, id string) (record.MutationRecord, error)
	ListByStatus(ctx context.Context, status record.Status) ([]record.MutationRecord, error)
	ListPendingAfter(ctx context.Context, entityType record.EntityType, entityID string, seq int64) ([]record.MutationRecord, error)
	UpdateStatus(ctx context.Context, id string, status record.Status, errorMessage string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	RetryLater(ctx context.Context, id, errorMessage string) (int, error)
	DeleteWhereStatus(ctx context.Context, status record.Status) (int64, error)
	RebaseExpectedVersion(ctx context.Context, entityType record.EntityType, entityID string, from, to int64) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (map[record.Status]int, error)

	CachePut(ctx context.Context, e record.CachedEntity) error
	CacheGet(ctx context.Context, entityType record.EntityType, entityID string) (record.CachedEntity, error)
	CacheDelete(ctx context.Context, entityType record.EntityType, entityID string) error

	ParkConflict(ctx context.Context, c record.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (record.ConflictRecord, error)
	ListConflicts(ctx context.Context, status record.ConflictStatus) ([]record.ConflictRecord, error)
	OpenConflictEntities(ctx context.Context) (map[string]bool, error)
	RefreshConflict(ctx context.Context, id string, serverData record.Snapshot, serverVersion int64) error
	ApplyResolution(ctx context.Context, r store.Resolution) error
}

// Engine owns the drain loop and the resolution applier.
//
// Construct one Engine in the composition root and pass it to whatever
// needs Enqueue or Sync.
//
// Thread-safety model:
//   - Enqueue, Sync, Resolve*, SetOnline, Trigger: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - At most one drain cycle is active (draining flag)
//   - Drain cycles and resolutions never write the store concurrently (mu)
//   - Remote calls within a cycle are strictly sequential
type Engine struct {
	queue  Queue
	api    remote.API
	schema *record.Schema
	logger *slog.Logger
	now    func() time.Time
	ids    record.IDGenerator
	events *broadcaster

	maxRetries int
	autoMerge  bool
	retry      RetryConfig

	mu       sync.Mutex // serializes drain cycles and resolutions
	draining atomic.Bool
	online   atomic.Bool
	stopped  atomic.Bool

	trigger  chan struct{} // coalescing wake-up for Run (buffered, size 1)
	stopCh   chan struct{}
	stopOnce sync.Once

	stampMu   sync.Mutex
	lastStamp time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the time source for createdAt and detection stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMaxRetries sets how many transient failures a mutation may absorb.
//
// Default: 3 (record.DefaultMaxRetries)
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithAutoMerge enables automatic resolution of conflicts whose local and
// server edits touch disjoint fields.
func WithAutoMerge(enabled bool) Option {
	return func(e *Engine) {
		e.autoMerge = enabled
	}
}

// WithIDGenerator sets the generator for conflict IDs.
// Default: record.UUIDv7Generator.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRetryConfig sets the backoff used by Run between retry cycles.
func WithRetryConfig(c RetryConfig) Option {
	return func(e *Engine) {
		e.retry = c
	}
}

// WithSchema sets the payload constraint schema checked at Enqueue.
// A nil schema skips constraint checks.
func WithSchema(s *record.Schema) Option {
	return func(e *Engine) {
		e.schema = s
	}
}

// WithOnline sets the initial connectivity state. Default: online.
func WithOnline(online bool) Option {
	return func(e *Engine) {
		e.online.Store(online)
	}
}

// New creates an Engine draining q into api.
func New(q Queue, api remote.API, opts ...Option) *Engine {
	e := &Engine{
		queue:      q,
		api:        api,
		logger:     slog.Default(),
		now:        time.Now,
		ids:        record.UUIDv7Generator{},
		events:     newBroadcaster(),
		maxRetries: record.DefaultMaxRetries,
		retry:      DefaultRetryConfig(),
		trigger:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	e.online.Store(true)

	for _, opt := range opts {
		opt(e)
	}

	if e.schema == nil {
		if s, err := record.DefaultSchema(); err == nil {
			e.schema = s
		} else {
			e.logger.Warn("payload schema unavailable, skipping constraint checks", "error", err)
		}
	}

	return e
}

// Enqueue validates a mutation and appends it to the durable queue,
// returning its ID. A store failure is returned; the mutation is then not
// queued.
//
// When online, Enqueue also wakes the Run loop for an eager drain. The wake
// is only a signal to Run: an engine whose Run loop was never started does
// not drain until Sync is called.
func (e *Engine) Enqueue(ctx context.Context, m record.Mutation) (string, error) {
	if e.stopped.Load() {
		return "", ErrStopped
	}

	payload, err := record.ValidateMutation(e.schema, m)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	createdAt := e.stamp()
	rec := record.MutationRecord{
		ID:              record.MutationID(m.EntityType, m.EntityID, createdAt),
		EntityType:      m.EntityType,
		EntityID:        m.EntityID,
		Operation:       m.Operation,
		Payload:         payload,
		ExpectedVersion: m.ExpectedVersion,
		Status:          record.StatusPending,
		CreatedAt:       createdAt,
	}

	id, err := e.queue.Append(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	e.logger.Debug("mutation enqueued",
		"mutation_id", id,
		"entity_type", rec.EntityType,
		"operation", rec.Operation,
	)

	if e.online.Load() {
		e.Trigger()
	}
	return id, nil
}

// stamp returns a strictly increasing creation time so that two mutations
// on the same entity never derive the same ID.
func (e *Engine) stamp() time.Time {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()

	t := e.now().UTC()
	if !t.After(e.lastStamp) {
		t = e.lastStamp.Add(time.Nanosecond)
	}
	e.lastStamp = t
	return t
}

// Sync runs one drain cycle and returns its result.
//
// When offline, or when another cycle is already draining, Sync returns
// the empty result immediately. If connectivity is lost mid-cycle the
// partial result is returned with an error wrapping ErrOffline; untouched
// items stay pending with no penalty.
func (e *Engine) Sync(ctx context.Context) (record.SyncResult, error) {
	if e.stopped.Load() {
		return record.EmptySyncResult(), ErrStopped
	}
	if !e.online.Load() {
		return record.EmptySyncResult(), nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already active, trigger ignored")
		return record.EmptySyncResult(), nil
	}
	defer e.draining.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.drain(ctx)
}

// Draining reports whether a cycle is active.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// SetOnline records the connectivity state. It does not trigger a drain by
// itself; the connectivity monitor decides when to.
func (e *Engine) SetOnline(online bool) {
	if prev := e.online.Swap(online); prev != online {
		e.logger.Info("connectivity changed", "online", online)
	}
}

// Online reports the last recorded connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Trigger asks the Run loop for a drain cycle. Triggers coalesce: any
// number of calls before the loop wakes produce one cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Stop prevents new drain cycles. An in-flight cycle finishes normally.
// Subscriptions are closed. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
		e.events.closeAll()
		e.logger.Info("engine stopped")
	})
}

// Recover returns mutations stranded in syncing by a crash to pending.
// Call once at startup, before the first cycle.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.queue.RecoverInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		e.logger.Info("recovered in-flight mutations", "count", n)
	}
	return n, nil
}

// Conflicts lists conflicts with status; an empty status lists all.
func (e *Engine) Conflicts(ctx context.Context, status record.ConflictStatus) ([]record.ConflictRecord, error) {
	return e.queue.ListConflicts(ctx, status)
}

// Mutation returns a queued mutation by ID.
func (e *Engine) Mutation(ctx context.Context, id string) (record.MutationRecord, error) {
	return e.queue.Get(ctx, id)
}

// Counts returns the queue depth per status.
func (e *Engine) Counts(ctx context.Context) (map[record.Status]int, error) {
	return e.queue.Counts(ctx)
}

// Cached returns the last-known-good copy of an entity.
func (e *Engine) Cached(ctx context.Context, entityType record.EntityType, entityID string) (record.CachedEntity, error) {
	return e.queue.CacheGet(ctx, entityType, entityID)
}
