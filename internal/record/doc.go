// Package record defines the durable records the offline sync engine works
// with: queued mutations, parked conflicts and cached entities.
//
// This package contains type definitions, payload validation and identity
// helpers only. All other internal packages import record; record imports
// nothing internal.
//
// Key design constraints:
//   - Payloads are a closed tagged union keyed by EntityType and are
//     validated before anything is persisted
//   - Snapshots are plain JSON objects so field-level diffing does not
//     depend on Go struct layout
//   - Mutation IDs are derived from entityType+entityId+createdAt, so a
//     repeated enqueue of the same intent collapses to one record
//   - JSON tags use camelCase to match the backend wire format
package record
