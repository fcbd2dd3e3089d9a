package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/outbox/internal/record"
)

// ErrConflictNotOpen is returned when resolving a conflict that was already
// resolved (or never existed).
var ErrConflictNotOpen = errors.New("conflict is not open")

const conflictColumns = `id, mutation_id, entity_type, entity_id, local_data, server_data, base_data,
	server_version, status, detected_at, resolved_at`

// ParkConflict records a conflict and moves its mutation to the conflict
// status in one transaction. The mutation's retry count is not touched.
func (s *Store) ParkConflict(ctx context.Context, c record.ConflictRecord) error {
	local, err := marshalSnapshot(c.LocalData)
	if err != nil {
		return fmt.Errorf("park conflict: %w", err)
	}
	server, err := marshalSnapshot(c.ServerData)
	if err != nil {
		return fmt.Errorf("park conflict: %w", err)
	}
	base, err := marshalOptionalSnapshot(c.BaseData)
	if err != nil {
		return fmt.Errorf("park conflict: %w", err)
	}

	status := c.Status
	if status == "" {
		status = record.ConflictOpen
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts
			(id, mutation_id, entity_type, entity_id, local_data, server_data, base_data, server_version, status, detected_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID,
			c.MutationID,
			string(c.EntityType),
			c.EntityID,
			local,
			server,
			base,
			c.ServerVersion,
			string(status),
			c.DetectedAt.UTC().UnixNano(),
			toNullNanos(c.ResolvedAt),
		)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE mutations SET status = 'conflict', error_message = ? WHERE id = ?
		`, fmt.Sprintf("version conflict: server at version %d", c.ServerVersion), c.MutationID)
		if err != nil {
			return fmt.Errorf("mark mutation: %w", err)
		}
		return expectOneRow(res, "mark mutation", c.MutationID)
	})
	if err != nil {
		return fmt.Errorf("park conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetConflict(ctx context.Context, id string) (record.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.ConflictRecord{}, fmt.Errorf("get conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.ConflictRecord{}, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

// ListConflicts returns conflicts with status, oldest first. An empty status
// lists every conflict.
func (s *Store) ListConflicts(ctx context.Context, status record.ConflictStatus) ([]record.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []record.ConflictRecord{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conflicts: iterate: %w", err)
	}
	return out, nil
}

// OpenConflictEntities returns the entity keys (see record.EntityKey) that
// currently have an open conflict.
func (s *Store) OpenConflictEntities(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_type, entity_id FROM conflicts WHERE status = 'open'
	`)
	if err != nil {
		return nil, fmt.Errorf("open conflict entities: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var entityType, entityID string
		if err := rows.Scan(&entityType, &entityID); err != nil {
			return nil, fmt.Errorf("open conflict entities: scan: %w", err)
		}
		keys[record.EntityKey(record.EntityType(entityType), entityID)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open conflict entities: iterate: %w", err)
	}
	return keys, nil
}

// RefreshConflict replaces the server side of an open conflict, used when a
// resolution attempt finds the server has moved again.
func (s *Store) RefreshConflict(ctx context.Context, id string, serverData record.Snapshot, serverVersion int64) error {
	server, err := marshalSnapshot(serverData)
	if err != nil {
		return fmt.Errorf("refresh conflict %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET server_data = ?, server_version = ?
		WHERE id = ? AND status = 'open'
	`, server, serverVersion, id)
	if err != nil {
		return fmt.Errorf("refresh conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh conflict %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh conflict %s: %w", id, ErrConflictNotOpen)
	}
	return nil
}

// Resolution describes everything that changes when a conflict is closed.
type Resolution struct {
	ConflictID string
	Status     record.ConflictStatus
	ResolvedAt time.Time

	// Entity, when set, overwrites the cached copy.
	Entity *record.CachedEntity

	// Synced lists mutations finalized as synced.
	Synced []string

	// Requeue, when set, returns a mutation to pending with a new payload and
	// expected version so the next drain resubmits it.
	Requeue *Requeue
}

// Requeue describes a deferred resubmission.
type Requeue struct {
	MutationID      string
	Payload         record.Snapshot
	ExpectedVersion int64
}

// ApplyResolution closes an open conflict and applies its side effects in
// one transaction. Returns ErrConflictNotOpen if the conflict is not open,
// in which case nothing changes.
func (s *Store) ApplyResolution(ctx context.Context, r Resolution) error {
	if r.Status == "" || r.Status == record.ConflictOpen {
		return fmt.Errorf("apply resolution %s: invalid status %q", r.ConflictID, r.Status)
	}
	resolvedAt := r.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = s.now()
	}

	var requeuePayload string
	if r.Requeue != nil {
		var err error
		requeuePayload, err = marshalSnapshot(r.Requeue.Payload)
		if err != nil {
			return fmt.Errorf("apply resolution %s: %w", r.ConflictID, err)
		}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET status = ?, resolved_at = ?
			WHERE id = ? AND status = 'open'
		`, string(r.Status), resolvedAt.UTC().UnixNano(), r.ConflictID)
		if err != nil {
			return fmt.Errorf("close conflict: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close conflict: rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflictNotOpen
		}

		if r.Entity != nil {
			if err := s.cachePut(ctx, tx, *r.Entity); err != nil {
				return fmt.Errorf("cache put: %w", err)
			}
		}

		for _, id := range r.Synced {
			_, err := tx.ExecContext(ctx, `
				UPDATE mutations SET status = 'synced', error_message = '', synced_at = ?
				WHERE id = ?
			`, resolvedAt.UTC().UnixNano(), id)
			if err != nil {
				return fmt.Errorf("finalize mutation %s: %w", id, err)
			}
		}

		if r.Requeue != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE mutations
				SET status = 'pending', payload = ?, expected_version = ?, retry_count = 0, error_message = ''
				WHERE id = ?
			`, requeuePayload, r.Requeue.ExpectedVersion, r.Requeue.MutationID)
			if err != nil {
				return fmt.Errorf("requeue mutation: %w", err)
			}
			if err := expectOneRow(res, "requeue mutation", r.Requeue.MutationID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply resolution %s: %w", r.ConflictID, err)
	}
	return nil
}

func scanConflict(row rowScanner) (record.ConflictRecord, error) {
	var (
		c          record.ConflictRecord
		entityType string
		local      string
		server     string
		base       sql.NullString
		status     string
		detectedAt int64
		resolvedAt sql.NullInt64
	)

	err := row.Scan(
		&c.ID,
		&c.MutationID,
		&entityType,
		&c.EntityID,
		&local,
		&server,
		&base,
		&c.ServerVersion,
		&status,
		&detectedAt,
		&resolvedAt,
	)
	if err != nil {
		return record.ConflictRecord{}, err
	}

	if c.LocalData, err = unmarshalSnapshot(local); err != nil {
		return record.ConflictRecord{}, err
	}
	if c.ServerData, err = unmarshalSnapshot(server); err != nil {
		return record.ConflictRecord{}, err
	}
	if c.BaseData, err = unmarshalOptionalSnapshot(base); err != nil {
		return record.ConflictRecord{}, err
	}

	c.EntityType = record.EntityType(entityType)
	c.Status = record.ConflictStatus(status)
	c.DetectedAt = fromNanos(detectedAt)
	c.ResolvedAt = fromNullNanos(resolvedAt)
	return c, nil
}
