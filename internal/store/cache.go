package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/outbox/internal/record"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CachePut inserts or overwrites the cached copy of an entity.
// A zero UpdatedAt is stamped with the store clock.
func (s *Store) CachePut(ctx context.Context, e record.CachedEntity) error {
	if err := s.cachePut(ctx, s.db, e); err != nil {
		return fmt.Errorf("cache put %s: %w", record.EntityKey(e.EntityType, e.EntityID), err)
	}
	return nil
}

func (s *Store) cachePut(ctx context.Context, ex execer, e record.CachedEntity) error {
	data, err := marshalSnapshot(e.Data)
	if err != nil {
		return err
	}
	updatedAt := s.stamp()
	if !e.UpdatedAt.IsZero() {
		updatedAt = e.UpdatedAt.UTC().UnixNano()
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO entity_cache (entity_type, entity_id, data, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, string(e.EntityType), e.EntityID, data, e.Version, updatedAt)
	return err
}

// CacheGet returns the cached copy of an entity.
// Returns ErrNotFound if the entity has never been cached.
func (s *Store) CacheGet(ctx context.Context, entityType record.EntityType, entityID string) (record.CachedEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data, version, updated_at
		FROM entity_cache
		WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)

	e, err := scanCachedEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.CachedEntity{}, fmt.Errorf("cache get %s: %w", record.EntityKey(entityType, entityID), ErrNotFound)
	}
	if err != nil {
		return record.CachedEntity{}, fmt.Errorf("cache get %s: %w", record.EntityKey(entityType, entityID), err)
	}
	return e, nil
}

// CacheDelete drops an entity from the cache. Deleting a missing entry is not an error.
func (s *Store) CacheDelete(ctx context.Context, entityType record.EntityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entity_cache WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("cache delete %s: %w", record.EntityKey(entityType, entityID), err)
	}
	return nil
}

// CacheList returns every cached entity of a type ordered by id.
func (s *Store) CacheList(ctx context.Context, entityType record.EntityType) ([]record.CachedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data, version, updated_at
		FROM entity_cache
		WHERE entity_type = ?
		ORDER BY entity_id COLLATE BINARY ASC
	`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("cache list %s: %w", entityType, err)
	}
	defer rows.Close()

	out := []record.CachedEntity{}
	for rows.Next() {
		e, err := scanCachedEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("cache list %s: %w", entityType, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache list %s: iterate: %w", entityType, err)
	}
	return out, nil
}

func scanCachedEntity(row rowScanner) (record.CachedEntity, error) {
	var (
		e          record.CachedEntity
		entityType string
		data       string
		updatedAt  int64
	)
	if err := row.Scan(&entityType, &e.EntityID, &data, &e.Version, &updatedAt); err != nil {
		return record.CachedEntity{}, err
	}

	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return record.CachedEntity{}, err
	}
	e.EntityType = record.EntityType(entityType)
	e.Data = snap
	e.UpdatedAt = fromNanos(updatedAt)
	return e, nil
}
