// Package store provides SQLite-backed durable storage for the offline
// mutation queue.
//
// The store holds three tables:
//   - mutations: queued create/update/delete intents, FIFO by seq
//   - conflicts: version conflicts parked until a resolution is applied
//   - entity_cache: last-known-good copy of each entity
//
// # Ordering
//
// Every listing of mutations is ORDER BY seq ASC. seq is assigned by SQLite
// on insert and never reused, so replay order equals enqueue order even when
// wall clocks jump.
//
// # Atomicity
//
// Each exported method is a single statement or a single transaction. No
// caller can observe a record half way through a status change, and a
// conflict is never recorded without its mutation being parked alongside it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// A failing disk surfaces as an error from Append; the store never drops a
// mutation silently.
package store
