// Package engine replays locally queued mutations against the remote backend.
//
// ARCHITECTURE:
//
// Single-Flight Drain:
// A drain cycle reads every pending mutation in FIFO order and dispatches
// them one at a time. At most one cycle runs at once; a trigger that
// arrives mid-cycle is a no-op because the active cycle (or the next one)
// will observe the new items on its next read.
//
// Mutation lifecycle inside a cycle:
// 1. Mark syncing
// 2. Dispatch (create -> POST, update -> PUT with expected version, delete -> DELETE)
// 3. Success: mark synced, refresh the entity cache, rebase chained updates
// 4. Conflict: park a ConflictRecord, mark conflict, notify subscribers
// 5. Transient: return to pending until the retry bound, then error
// 6. Validation: error immediately
// 7. After the loop, purge synced rows
//
// Per-entity order:
// An entity with an open conflict holds every later mutation on that entity
// in pending. Other entities keep draining.
//
// Resolution:
// ResolveWithLocal, ResolveWithServer and ResolveWithMerge share the
// engine mutex with drain cycles, so the store only ever sees one writer.
//
// Stopping:
// Stop prevents new cycles from starting. A remote call already in flight
// completes, times out or fails under normal classification.
package engine
