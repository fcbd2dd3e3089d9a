package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/outbox/internal/record"
)

const mutationColumns = `seq, id, entity_type, entity_id, operation, payload, expected_version,
	status, retry_count, error_message, created_at, synced_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Get retrieves a single mutation by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (record.MutationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	rec, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.MutationRecord{}, fmt.Errorf("get mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.MutationRecord{}, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return rec, nil
}

// ListByStatus returns every mutation with status in insertion order.
// Returns an empty slice (not nil) if none match.
func (s *Store) ListByStatus(ctx context.Context, status record.Status) ([]record.MutationRecord, error) {
	return s.queryMutations(ctx, "list by status", `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE status = ?
		ORDER BY seq ASC
	`, string(status))
}

// ListAll returns every mutation regardless of status, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]record.MutationRecord, error) {
	return s.queryMutations(ctx, "list all", `
		SELECT `+mutationColumns+`
		FROM mutations
		ORDER BY seq ASC
	`)
}

// ListPendingAfter returns pending mutations on one entity that were queued
// after seq, oldest first.
func (s *Store) ListPendingAfter(ctx context.Context, entityType record.EntityType, entityID string, seq int64) ([]record.MutationRecord, error) {
	return s.queryMutations(ctx, "list pending after", `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE entity_type = ? AND entity_id = ? AND status = 'pending' AND seq > ?
		ORDER BY seq ASC
	`, string(entityType), entityID, seq)
}

// Counts returns the number of mutations per status. Every status is present
// in the map, with zero where nothing matches.
func (s *Store) Counts(ctx context.Context) (map[record.Status]int, error) {
	counts := make(map[record.Status]int, len(record.Statuses))
	for _, st := range record.Statuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count mutations: scan: %w", err)
		}
		counts[record.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count mutations: iterate: %w", err)
	}
	return counts, nil
}

func (s *Store) queryMutations(ctx context.Context, op, query string, args ...any) ([]record.MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []record.MutationRecord{}
	for rows.Next() {
		rec, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func scanMutation(row rowScanner) (record.MutationRecord, error) {
	var (
		rec        record.MutationRecord
		entityType string
		entityID   sql.NullString
		operation  string
		payload    string
		status     string
		createdAt  int64
		syncedAt   sql.NullInt64
	)

	err := row.Scan(
		&rec.Seq,
		&rec.ID,
		&entityType,
		&entityID,
		&operation,
		&payload,
		&rec.ExpectedVersion,
		&status,
		&rec.RetryCount,
		&rec.ErrorMessage,
		&createdAt,
		&syncedAt,
	)
	if err != nil {
		return record.MutationRecord{}, err
	}

	rec.Payload, err = unmarshalSnapshot(payload)
	if err != nil {
		return record.MutationRecord{}, fmt.Errorf("mutation %s: %w", rec.ID, err)
	}

	rec.EntityType = record.EntityType(entityType)
	rec.EntityID = stringPtr(entityID)
	rec.Operation = record.Operation(operation)
	rec.Status = record.Status(status)
	rec.CreatedAt = fromNanos(createdAt)
	rec.SyncedAt = fromNullNanos(syncedAt)
	return rec, nil
}
