package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/outbox/internal/record"
)

// Append inserts a mutation and returns its ID.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a duplicate ID is a no-op
// and the existing record is left untouched.
//
// Any failure to persist (disk full, database closed) is returned; the caller
// must treat the mutation as not queued.
func (s *Store) Append(ctx context.Context, rec record.MutationRecord) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("append mutation: empty id")
	}
	if rec.Status == "" {
		rec.Status = record.StatusPending
	}

	payload, err := marshalSnapshot(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("append mutation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(id, entity_type, entity_id, operation, payload, expected_version, status, retry_count, error_message, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		string(rec.EntityType),
		nullableString(rec.EntityID),
		string(rec.Operation),
		payload,
		rec.ExpectedVersion,
		string(rec.Status),
		rec.RetryCount,
		rec.ErrorMessage,
		rec.CreatedAt.UTC().UnixNano(),
		toNullNanos(rec.SyncedAt),
	)
	if err != nil {
		return "", fmt.Errorf("append mutation: %w", err)
	}

	return rec.ID, nil
}

// UpdateStatus moves a mutation to status. errorMessage replaces any previous
// message; synced_at is stamped when the new status is synced.
// Returns ErrNotFound if no mutation has the id.
func (s *Store) UpdateStatus(ctx context.Context, id string, status record.Status, errorMessage string) error {
	if !status.Valid() {
		return fmt.Errorf("update status: invalid status %q", status)
	}

	var syncedAt sql.NullInt64
	if status == record.StatusSynced {
		syncedAt = sql.NullInt64{Int64: s.stamp(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, error_message = ?, synced_at = COALESCE(?, synced_at)
		WHERE id = ?
	`, string(status), errorMessage, syncedAt, id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return expectOneRow(res, "update status", id)
}

// IncrementRetry adds one to a mutation's retry count and returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = incrementRetry(ctx, tx, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	return count, nil
}

// RetryLater increments the retry count and returns the mutation to pending
// in one transaction, recording errorMessage for diagnostics.
func (s *Store) RetryLater(ctx context.Context, id, errorMessage string) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = incrementRetry(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE mutations SET status = 'pending', error_message = ? WHERE id = ?
		`, errorMessage, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retry later %s: %w", id, err)
	}
	return count, nil
}

func incrementRetry(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE mutations SET retry_count = retry_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return 0, err
	}
	if err := expectOneRow(res, "increment retry", id); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM mutations WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteWhereStatus removes every mutation with status and returns how many
// rows were removed. Used to purge synced items after a drain cycle.
func (s *Store) DeleteWhereStatus(ctx context.Context, status record.Status) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("delete where status %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete where status %s: rows affected: %w", status, err)
	}
	return n, nil
}

// RebaseExpectedVersion moves pending updates on the same entity from one
// expected version to another.
//
// Edits queued offline against version N all carry N. Once the first of them
// lands and the backend answers N+1, the rest must be based on N+1 or the
// client would conflict with itself.
func (s *Store) RebaseExpectedVersion(ctx context.Context, entityType record.EntityType, entityID string, from, to int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET expected_version = ?
		WHERE entity_type = ? AND entity_id = ? AND operation = 'update'
		  AND status = 'pending' AND expected_version = ?
	`, to, string(entityType), entityID, from)
	if err != nil {
		return 0, fmt.Errorf("rebase expected version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rebase expected version: rows affected: %w", err)
	}
	return n, nil
}

// RecoverInFlight returns mutations stranded in syncing (the process died
// mid-call) to pending. No retry is charged: the previous attempt's outcome
// is unknown, not failed.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: rows affected: %w", err)
	}
	return n, nil
}

func expectOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}
