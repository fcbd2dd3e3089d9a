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

// Outcome describes what a resolution did.
type Outcome string

const (
	// OutcomeApplied means the conflict is closed and the backend holds the
	// resolved entity (or, for server-wins, already did).
	OutcomeApplied Outcome = "applied"

	// OutcomeRequeued means the conflict is closed and the resolved payload
	// waits in the queue for the next drain, because the backend could not
	// be reached.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeConflict means the server moved again during resubmission.
	// The conflict stays open with the newer server snapshot.
	OutcomeConflict Outcome = "conflict"
)

// Resolution is the result of a Resolve* call.
type Resolution struct {
	Outcome  Outcome               `json:"outcome"`
	Conflict record.ConflictRecord `json:"conflict"`

	// Entity is the backend's entity after a successful resubmission.
	Entity *record.Entity `json:"entity,omitempty"`
}

// View is a conflict prepared for a human resolver.
type View struct {
	Conflict record.ConflictRecord `json:"conflict"`

	// Diffs is the symmetric field diff between the effective local state
	// and the server snapshot.
	Diffs []conflict.FieldDiff `json:"diffs"`

	// Suggested is the automatic merge proposal.
	Suggested conflict.MergeResult `json:"suggested"`

	// Folded lists later queued updates on the entity whose fields are
	// included in the local side.
	Folded []string `json:"folded"`
}

// Display loads a conflict with its local side re-derived from every update
// queued on the entity since the conflict was detected.
func (e *Engine) Display(ctx context.Context, conflictID string) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, folded, err := e.loadEffective(ctx, conflictID, false)
	if err != nil {
		return View{}, err
	}
	return View{
		Conflict:  c,
		Diffs:     conflict.FormatForDisplay(c),
		Suggested: conflict.TryAutoMerge(c),
		Folded:    mutationIDs(folded),
	}, nil
}

// ResolveWithServer accepts the server snapshot. The cache takes the server
// data, the conflict closes and the originating mutation is finalized. No
// remote call is made.
//
// Later updates queued on the entity are left pending; they drain (and may
// conflict again) on the next cycle.
func (e *Engine) ResolveWithServer(ctx context.Context, conflictID string) (Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, _, err := e.loadEffective(ctx, conflictID, true)
	if err != nil {
		return Resolution{}, err
	}

	err = e.queue.ApplyResolution(ctx, store.Resolution{
		ConflictID: c.ID,
		Status:     record.ConflictResolvedServer,
		ResolvedAt: e.now().UTC(),
		Entity: &record.CachedEntity{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Data:       c.ServerData,
			Version:    c.ServerVersion,
		},
		Synced: []string{c.MutationID},
	})
	if err != nil {
		return Resolution{}, e.resolveErr(conflictID, err)
	}

	e.logResolved(c, record.ConflictResolvedServer, OutcomeApplied)
	return e.resolution(ctx, conflictID, OutcomeApplied, nil)
}

// ResolveWithLocal resubmits the local edit with the server's version as the
// expected version. Only the fields the conflicting mutation and the folded
// updates wrote are sent, so server fields the user never touched survive.
func (e *Engine) ResolveWithLocal(ctx context.Context, conflictID string) (Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, folded, err := e.loadEffective(ctx, conflictID, true)
	if err != nil {
		return Resolution{}, err
	}
	mut, err := e.queue.Get(ctx, c.MutationID)
	if err != nil {
		return Resolution{}, e.resolveErr(conflictID, err)
	}
	return e.resubmit(ctx, c, folded, record.ConflictResolvedLocal, localEdit(mut, folded))
}

// localEdit is the conflicting mutation's patch with the folded updates
// applied in queue order.
func localEdit(mut record.MutationRecord, folded []record.MutationRecord) record.Snapshot {
	if mut.Operation != record.OpUpdate {
		return mut.Payload.Clone()
	}
	edit := mut.Payload.Apply(nil)
	for _, m := range folded {
		edit = edit.Apply(m.Payload)
	}
	return edit
}

// ResolveWithMerge resubmits a snapshot built field by field from
// selections (see conflict.MergeWithSelections), with the server's version
// as the expected version.
func (e *Engine) ResolveWithMerge(ctx context.Context, conflictID string, selections map[string]conflict.Selection) (Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, folded, err := e.loadEffective(ctx, conflictID, true)
	if err != nil {
		return Resolution{}, err
	}

	merged, err := conflict.MergeWithSelections(c, selections)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	return e.resubmit(ctx, c, folded, record.ConflictResolvedMerge, merged)
}

// resubmit sends a resolved payload to the backend. Caller holds e.mu.
func (e *Engine) resubmit(ctx context.Context, c record.ConflictRecord, folded []record.MutationRecord, status record.ConflictStatus, payload record.Snapshot) (Resolution, error) {
	mut, err := e.queue.Get(ctx, c.MutationID)
	if err != nil {
		return Resolution{}, e.resolveErr(c.ID, err)
	}

	foldedIDs := mutationIDs(folded)

	if !e.online.Load() {
		return e.requeue(ctx, c, foldedIDs, status, payload, "offline")
	}

	entity, callErr := e.dispatch(ctx, mut, payload, c.ServerVersion)
	if callErr == nil {
		res := store.Resolution{
			ConflictID: c.ID,
			Status:     status,
			ResolvedAt: e.now().UTC(),
			Synced:     append([]string{mut.ID}, foldedIDs...),
		}
		if mut.Operation != record.OpDelete {
			res.Entity = &record.CachedEntity{
				EntityType: c.EntityType,
				EntityID:   c.EntityID,
				Data:       entity.Data,
				Version:    entity.Version,
			}
		}
		if err := e.queue.ApplyResolution(ctx, res); err != nil {
			return Resolution{}, e.resolveErr(c.ID, err)
		}
		if mut.Operation == record.OpDelete {
			if err := e.queue.CacheDelete(ctx, c.EntityType, c.EntityID); err != nil {
				return Resolution{}, e.resolveErr(c.ID, err)
			}
		} else if err := e.rebaseAfter(ctx, mut, entity); err != nil {
			return Resolution{}, e.resolveErr(c.ID, err)
		}

		e.logResolved(c, status, OutcomeApplied)
		return e.resolution(ctx, c.ID, OutcomeApplied, &entity)
	}

	switch remote.KindOf(callErr) {
	case remote.KindConflict:
		ce, ok := remote.AsConflict(callErr)
		if !ok {
			return Resolution{}, fmt.Errorf("resolve %s: %w", c.ID, callErr)
		}
		if err := e.queue.RefreshConflict(ctx, c.ID, ce.CurrentData, ce.CurrentVersion); err != nil {
			return Resolution{}, e.resolveErr(c.ID, err)
		}
		refreshed, err := e.resolution(ctx, c.ID, OutcomeConflict, nil)
		if err != nil {
			return Resolution{}, err
		}
		e.logger.Warn("server moved during resolution",
			"conflict_id", c.ID,
			"server_version", ce.CurrentVersion,
		)
		e.events.publish(refreshed.Conflict)
		return refreshed, nil

	case remote.KindOffline:
		e.SetOnline(false)
		return e.requeue(ctx, c, foldedIDs, status, payload, callErr.Error())

	case remote.KindTransient:
		return e.requeue(ctx, c, foldedIDs, status, payload, callErr.Error())

	default:
		return Resolution{}, fmt.Errorf("resolve %s: %w", c.ID, callErr)
	}
}

// requeue closes the conflict and hands the resolved payload back to the
// drain with the bumped expected version.
func (e *Engine) requeue(ctx context.Context, c record.ConflictRecord, foldedIDs []string, status record.ConflictStatus, payload record.Snapshot, reason string) (Resolution, error) {
	err := e.queue.ApplyResolution(ctx, store.Resolution{
		ConflictID: c.ID,
		Status:     status,
		ResolvedAt: e.now().UTC(),
		Synced:     foldedIDs,
		Requeue: &store.Requeue{
			MutationID:      c.MutationID,
			Payload:         payload,
			ExpectedVersion: c.ServerVersion,
		},
	})
	if err != nil {
		return Resolution{}, e.resolveErr(c.ID, err)
	}

	e.logger.Info("resolution deferred to next drain", "conflict_id", c.ID, "reason", reason)
	e.logResolved(c, status, OutcomeRequeued)
	return e.resolution(ctx, c.ID, OutcomeRequeued, nil)
}

// rebaseAfter moves updates still queued on the entity from the version the
// conflicting edit was based on onto the version just written.
func (e *Engine) rebaseAfter(ctx context.Context, mut record.MutationRecord, entity record.Entity) error {
	if mut.EntityID == nil || entity.Version <= mut.ExpectedVersion {
		return nil
	}
	_, err := e.queue.RebaseExpectedVersion(ctx, mut.EntityType, *mut.EntityID, mut.ExpectedVersion, entity.Version)
	return err
}

// loadEffective returns an open conflict whose LocalData has every
// consecutive update queued on the entity after the conflicting mutation
// folded in, plus the folded mutations. A queued delete ends the fold.
//
// With requireOpen=false a closed conflict is returned as stored.
func (e *Engine) loadEffective(ctx context.Context, conflictID string, requireOpen bool) (record.ConflictRecord, []record.MutationRecord, error) {
	c, err := e.queue.GetConflict(ctx, conflictID)
	if err != nil {
		return record.ConflictRecord{}, nil, e.resolveErr(conflictID, err)
	}
	if c.Status != record.ConflictOpen {
		if requireOpen {
			return record.ConflictRecord{}, nil, fmt.Errorf("resolve %s: %w", conflictID, ErrConflictClosed)
		}
		return c, nil, nil
	}

	mut, err := e.queue.Get(ctx, c.MutationID)
	if err != nil {
		return record.ConflictRecord{}, nil, e.resolveErr(conflictID, err)
	}
	later, err := e.queue.ListPendingAfter(ctx, c.EntityType, c.EntityID, mut.Seq)
	if err != nil {
		return record.ConflictRecord{}, nil, e.resolveErr(conflictID, err)
	}

	local := c.LocalData.Apply(nil)
	var folded []record.MutationRecord
	if mut.Operation == record.OpUpdate {
		for _, m := range later {
			if m.Operation != record.OpUpdate {
				break
			}
			local = local.Apply(m.Payload)
			folded = append(folded, m)
		}
	}
	c.LocalData = local
	return c, folded, nil
}

func (e *Engine) resolution(ctx context.Context, conflictID string, outcome Outcome, entity *record.Entity) (Resolution, error) {
	c, err := e.queue.GetConflict(ctx, conflictID)
	if err != nil {
		return Resolution{}, e.resolveErr(conflictID, err)
	}
	return Resolution{Outcome: outcome, Conflict: c, Entity: entity}, nil
}

func (e *Engine) resolveErr(conflictID string, err error) error {
	if errors.Is(err, store.ErrConflictNotOpen) {
		return fmt.Errorf("resolve %s: %w", conflictID, ErrConflictClosed)
	}
	return fmt.Errorf("resolve %s: %w", conflictID, err)
}

func (e *Engine) logResolved(c record.ConflictRecord, status record.ConflictStatus, outcome Outcome) {
	e.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"mutation_id", c.MutationID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"status", status,
		"outcome", outcome,
	)
}

func mutationIDs(recs []record.MutationRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}
