package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/outbox/internal/record"
)

// marshalSnapshot converts a snapshot to JSON TEXT for storage.
// A nil snapshot is stored as "{}".
func marshalSnapshot(s record.Snapshot) (string, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

// marshalOptionalSnapshot stores nil as SQL NULL so "no base" and "empty
// base" stay distinguishable.
func marshalOptionalSnapshot(s record.Snapshot) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := marshalSnapshot(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: data, Valid: true}, nil
}

func unmarshalSnapshot(data string) (record.Snapshot, error) {
	s, err := record.ParseSnapshot([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, nil
}

func unmarshalOptionalSnapshot(data sql.NullString) (record.Snapshot, error) {
	if !data.Valid {
		return nil, nil
	}
	return unmarshalSnapshot(data.String)
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}
