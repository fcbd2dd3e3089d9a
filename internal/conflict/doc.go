// Package conflict compares the local and server views of an entity after a
// version conflict and builds merged snapshots from them.
//
// Every function here is pure: it takes snapshots (or a ConflictRecord) and
// returns new values without touching the store or the network. The engine
// uses TryAutoMerge for optional automatic resolution; FormatForDisplay and
// MergeWithSelections back the manual resolution flow.
//
// A local snapshot is usually partial: an update payload carries only the
// fields the user edited. A key missing from local therefore means "no
// local opinion", never "deleted locally".
package conflict
