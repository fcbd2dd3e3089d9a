// Package harness runs sync scenarios against the real engine.
//
// A scenario seeds an in-memory backend, enqueues mutations, scripts remote
// failures, drives drain cycles and resolutions, and finally asserts on the
// queue, the conflict store, the entity cache and the backend. Every run
// uses a fresh in-memory database, a frozen clock and fixed conflict IDs,
// so the recorded trace is deterministic and can be compared against a
// golden file.
//
// # Scenario Format
//
//	name: score_conflict
//	description: "A stale score edit is parked and resolved locally"
//	options:
//	  auto_merge: false
//	  max_retries: 3
//	seed:
//	  - entity: match/m1
//	    version: 5
//	    data: { homeScore: 2, awayScore: 3 }
//	flow:
//	  - enqueue: { entity: match/m1, operation: update, version: 3, payload: { awayScore: 1 } }
//	  - sync: {}
//	    expect: { conflicts: 1 }
//	  - resolve: { conflict: conflict-1, strategy: local }
//	    expect: { outcome: applied }
//	assertions:
//	  - type: queue_count
//	    status: pending
//	    count: 0
//	  - type: remote_state
//	    entity: match/m1
//	    version: 6
//	    expect: { awayScore: 1 }
//
// Entities are written "type/id"; a create carries the type alone.
//
// # Assertion Types
//
//   - queue_count: number of mutations with a status
//   - conflict_count: number of conflicts with a status ("all" counts every one)
//   - remote_state: backend entity version and field subset (absent: true for deletes)
//   - cached_state: entity cache version and field subset (absent: true when evicted)
//   - call_count: number of remote calls, optionally for one method
//
// # Golden Files
//
// RunWithGolden stores the canonical JSON trace in testdata/golden. Mutation
// IDs and timestamps never appear in the trace. Regenerate with:
//
//	go test ./internal/harness -update
package harness
