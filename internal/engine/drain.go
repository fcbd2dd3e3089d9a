package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/outbox/internal/conflict"
	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/remote"
	"github.com/roach88/outbox/internal/store"
)

// drainState carries per-cycle bookkeeping.
type drainState struct {
	result record.SyncResult
	held   map[string]bool // entity keys with an open conflict
}

// drain processes every pending mutation once. Caller holds e.mu.
func (e *Engine) drain(ctx context.Context) (record.SyncResult, error) {
	pending, err := e.queue.ListByStatus(ctx, record.StatusPending)
	if err != nil {
		return record.EmptySyncResult(), fmt.Errorf("drain: %w", err)
	}
	if len(pending) == 0 {
		return record.EmptySyncResult(), nil
	}

	held, err := e.queue.OpenConflictEntities(ctx)
	if err != nil {
		return record.EmptySyncResult(), fmt.Errorf("drain: %w", err)
	}

	st := &drainState{result: record.EmptySyncResult(), held: held}
	e.logger.Info("drain started", "pending", len(pending))

	var cycleErr error
	for _, item := range pending {
		if !e.online.Load() {
			cycleErr = fmt.Errorf("drain: %w", ErrOffline)
			break
		}

		// Earlier items in this cycle may have rebased this one.
		current, err := e.queue.Get(ctx, item.ID)
		if err != nil {
			cycleErr = fmt.Errorf("drain: %w", err)
			break
		}
		if current.Status != record.StatusPending {
			continue
		}

		if key := current.EntityKey(); key != "" && st.held[key] {
			st.result.HeldCount++
			e.logger.Debug("mutation held behind open conflict",
				"mutation_id", current.ID,
				"entity_type", current.EntityType,
				"entity_id", *current.EntityID,
			)
			continue
		}

		stop, err := e.process(ctx, st, current)
		if err != nil {
			cycleErr = fmt.Errorf("drain: %w", err)
			break
		}
		if stop {
			cycleErr = fmt.Errorf("drain: %w", ErrOffline)
			break
		}
	}

	if _, err := e.queue.DeleteWhereStatus(ctx, record.StatusSynced); err != nil && cycleErr == nil {
		cycleErr = fmt.Errorf("drain: purge synced: %w", err)
	}

	r := st.result
	e.logger.Info("drain finished",
		"synced", r.SyncedCount,
		"conflicts", r.ConflictCount,
		"errors", r.ErrorCount,
		"retried", r.RetriedCount,
		"held", r.HeldCount,
	)
	return r, cycleErr
}

// process dispatches one mutation and records the outcome. It returns
// stop=true when the cycle must end because connectivity was lost. Only
// store failures are returned as errors.
func (e *Engine) process(ctx context.Context, st *drainState, item record.MutationRecord) (stop bool, err error) {
	if err := e.queue.UpdateStatus(ctx, item.ID, record.StatusSyncing, ""); err != nil {
		return false, err
	}

	entity, callErr := e.dispatch(ctx, item, item.Payload, item.ExpectedVersion)
	if callErr == nil {
		return false, e.succeed(ctx, st, item, entity)
	}

	switch remote.KindOf(callErr) {
	case remote.KindConflict:
		return false, e.onConflict(ctx, st, item, callErr)

	case remote.KindOffline:
		e.logger.Info("connectivity lost mid-cycle, deferring", "mutation_id", item.ID)
		e.SetOnline(false)
		return true, e.queue.UpdateStatus(ctx, item.ID, record.StatusPending, item.ErrorMessage)

	case remote.KindTransient:
		return false, e.onTransient(ctx, st, item, callErr)

	default:
		return false, e.fail(ctx, st, item, callErr)
	}
}

// dispatch issues the remote call implied by the mutation's operation.
func (e *Engine) dispatch(ctx context.Context, item record.MutationRecord, data record.Snapshot, version int64) (record.Entity, error) {
	req := remote.Request{
		IdempotencyKey:  item.ID,
		EntityType:      item.EntityType,
		Data:            data,
		ExpectedVersion: version,
	}
	if item.EntityID != nil {
		req.EntityID = *item.EntityID
	}

	switch item.Operation {
	case record.OpCreate:
		return e.api.Create(ctx, req)
	case record.OpUpdate:
		return e.api.Update(ctx, req)
	case record.OpDelete:
		return record.Entity{ID: req.EntityID}, e.api.Delete(ctx, req)
	}
	return record.Entity{}, remote.NewValidationError("dispatch", fmt.Sprintf("unknown operation %q", item.Operation))
}

func (e *Engine) succeed(ctx context.Context, st *drainState, item record.MutationRecord, entity record.Entity) error {
	if err := e.queue.UpdateStatus(ctx, item.ID, record.StatusSynced, ""); err != nil {
		return err
	}
	if err := e.applyToCache(ctx, item, entity); err != nil {
		return err
	}

	st.result.SyncedCount++
	e.logger.Info("mutation synced",
		"mutation_id", item.ID,
		"entity_type", item.EntityType,
		"entity_id", entity.ID,
		"version", entity.Version,
	)
	return nil
}

// applyToCache mirrors a successful write into the entity cache and moves
// later updates chained on the old version onto the new one.
func (e *Engine) applyToCache(ctx context.Context, item record.MutationRecord, entity record.Entity) error {
	switch item.Operation {
	case record.OpDelete:
		return e.queue.CacheDelete(ctx, item.EntityType, entity.ID)

	case record.OpCreate:
		if entity.ID == "" {
			return nil
		}
		return e.queue.CachePut(ctx, record.CachedEntity{
			EntityType: item.EntityType,
			EntityID:   entity.ID,
			Data:       entity.Data,
			Version:    entity.Version,
		})

	case record.OpUpdate:
		if err := e.queue.CachePut(ctx, record.CachedEntity{
			EntityType: item.EntityType,
			EntityID:   *item.EntityID,
			Data:       entity.Data,
			Version:    entity.Version,
		}); err != nil {
			return err
		}
		if entity.Version > item.ExpectedVersion {
			n, err := e.queue.RebaseExpectedVersion(ctx, item.EntityType, *item.EntityID, item.ExpectedVersion, entity.Version)
			if err != nil {
				return err
			}
			if n > 0 {
				e.logger.Debug("rebased chained updates",
					"entity_type", item.EntityType,
					"entity_id", *item.EntityID,
					"count", n,
					"version", entity.Version,
				)
			}
		}
	}
	return nil
}

func (e *Engine) onConflict(ctx context.Context, st *drainState, item record.MutationRecord, callErr error) error {
	ce, ok := remote.AsConflict(callErr)
	if !ok || item.EntityID == nil {
		// A conflict without server state (or on an entity that does not
		// exist yet) cannot be resolved by a human.
		return e.fail(ctx, st, item, callErr)
	}

	c := e.buildConflict(ctx, item, ce)

	if e.autoMerge && item.Operation == record.OpUpdate {
		merged, handled, err := e.tryAutoResolve(ctx, st, item, c)
		if handled || err != nil {
			return err
		}
		c = merged
	}

	if err := e.queue.ParkConflict(ctx, c); err != nil {
		return err
	}

	st.held[record.EntityKey(c.EntityType, c.EntityID)] = true
	st.result.ConflictCount++
	st.result.Conflicts = append(st.result.Conflicts, c)

	e.logger.Warn("version conflict parked",
		"mutation_id", item.ID,
		"conflict_id", c.ID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"expected_version", item.ExpectedVersion,
		"server_version", c.ServerVersion,
	)
	e.events.publish(c)
	return nil
}

// buildConflict captures both sides at detection time. For an update the
// local side is the full entity as this client sees it: the patch applied to
// the cached copy it was made against, or to the server snapshot when that
// copy is not available. The patch itself stays on the mutation.
func (e *Engine) buildConflict(ctx context.Context, item record.MutationRecord, ce *remote.ConflictError) record.ConflictRecord {
	c := record.ConflictRecord{
		ID:            e.ids.Generate(),
		MutationID:    item.ID,
		EntityType:    item.EntityType,
		EntityID:      *item.EntityID,
		ServerData:    ce.CurrentData.Clone(),
		ServerVersion: ce.CurrentVersion,
		Status:        record.ConflictOpen,
		DetectedAt:    e.now().UTC(),
	}

	// The cached copy is a usable merge base only if it is the version the
	// edit was made against.
	cached, err := e.queue.CacheGet(ctx, item.EntityType, *item.EntityID)
	if err == nil && cached.Version == item.ExpectedVersion {
		c.BaseData = cached.Data
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("cache lookup failed, merging without base", "entity_id", *item.EntityID, "error", err)
	}

	switch {
	case item.Operation != record.OpUpdate:
		c.LocalData = item.Payload.Apply(nil)
	case c.BaseData != nil:
		c.LocalData = c.BaseData.Apply(item.Payload)
	default:
		c.LocalData = c.ServerData.Apply(item.Payload)
	}
	return c
}

// tryAutoResolve resubmits a cleanly mergeable conflict with the server's
// version. handled=true means the mutation reached a final outcome for
// this cycle and must not be parked. Otherwise the returned conflict
// (possibly refreshed by a second rejection) should be parked.
func (e *Engine) tryAutoResolve(ctx context.Context, st *drainState, item record.MutationRecord, c record.ConflictRecord) (record.ConflictRecord, bool, error) {
	mr := conflict.TryAutoMerge(c)
	if !mr.Clean() {
		return c, false, nil
	}

	entity, err := e.dispatch(ctx, item, mr.Merged, c.ServerVersion)
	if err == nil {
		e.logger.Info("conflict auto-merged", "mutation_id", item.ID, "entity_id", c.EntityID)
		return c, true, e.succeed(ctx, st, item, entity)
	}

	if ce, ok := remote.AsConflict(err); ok {
		return e.buildConflict(ctx, item, ce), false, nil
	}
	switch remote.KindOf(err) {
	case remote.KindOffline:
		// The loop stops at the next item once offline is recorded.
		e.SetOnline(false)
		return c, true, e.queue.UpdateStatus(ctx, item.ID, record.StatusPending, item.ErrorMessage)
	case remote.KindTransient:
		return c, true, e.onTransient(ctx, st, item, err)
	default:
		return c, true, e.fail(ctx, st, item, err)
	}
}

// onTransient charges one retry. A mutation reaching the retry bound is
// failed terminally and never attempted again.
func (e *Engine) onTransient(ctx context.Context, st *drainState, item record.MutationRecord, callErr error) error {
	if item.RetryCount+1 < e.maxRetries {
		n, err := e.queue.RetryLater(ctx, item.ID, callErr.Error())
		if err != nil {
			return err
		}
		st.result.RetriedCount++
		e.logger.Info("transient failure, will retry",
			"mutation_id", item.ID,
			"retry_count", n,
			"error", callErr,
		)
		return nil
	}

	n, err := e.queue.IncrementRetry(ctx, item.ID)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("gave up after %d attempts: %v", n, callErr)
	if err := e.queue.UpdateStatus(ctx, item.ID, record.StatusError, msg); err != nil {
		return err
	}
	st.result.ErrorCount++
	e.logger.Error("mutation failed",
		"mutation_id", item.ID,
		"retry_count", n,
		"error", callErr,
	)
	return nil
}

// fail marks a mutation terminally failed without charging a retry.
func (e *Engine) fail(ctx context.Context, st *drainState, item record.MutationRecord, callErr error) error {
	if err := e.queue.UpdateStatus(ctx, item.ID, record.StatusError, callErr.Error()); err != nil {
		return err
	}
	st.result.ErrorCount++
	e.logger.Error("mutation rejected",
		"mutation_id", item.ID,
		"entity_type", item.EntityType,
		"error", callErr,
	)
	return nil
}
