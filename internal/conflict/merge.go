package conflict

import (
	"fmt"

	"github.com/roach88/outbox/internal/record"
)

// MergeResult is the outcome of TryAutoMerge.
type MergeResult struct {
	// Merged starts from the server snapshot with every safe local field
	// applied. Fields listed in Conflicts keep their server value.
	Merged record.Snapshot `json:"merged"`

	// Conflicts lists fields modified on both sides, sorted. Empty when the
	// two edits touched disjoint fields.
	Conflicts []string `json:"conflicts"`
}

// Clean reports whether the merge needs no human decision.
func (r MergeResult) Clean() bool {
	return len(r.Conflicts) == 0
}

// TryAutoMerge merges the local edit into the server snapshot.
//
// Without a base snapshot a local field is safe when it is new or already
// equal to the server value; any other local field collides with the server.
// With a base (the cached copy the edit was made against) the merge is
// three-way: a field only counts as a collision when both sides moved it
// away from the base to different values.
func TryAutoMerge(c record.ConflictRecord) MergeResult {
	merged := c.ServerData.Clone()
	if merged == nil {
		merged = record.Snapshot{}
	}
	conflicts := []string{}

	for _, k := range unionKeys(c.LocalData) {
		lv := c.LocalData[k]
		sv, inServer := c.ServerData[k]
		bv, inBase := c.BaseData[k]

		switch {
		case !inServer && inBase && Equal(lv, bv):
			// Removed on the server, untouched locally.
		case !inServer:
			merged[k] = cloneAny(lv)
		case Equal(lv, sv):
		case c.BaseData != nil:
			switch {
			case inBase && Equal(lv, bv):
				// Only the server moved.
			case inBase && Equal(sv, bv):
				merged[k] = cloneAny(lv)
			default:
				conflicts = append(conflicts, k)
			}
		default:
			conflicts = append(conflicts, k)
		}
	}

	return MergeResult{Merged: merged, Conflicts: conflicts}
}

// Selection picks which side wins a field during manual resolution.
type Selection string

const (
	SelectLocal  Selection = "local"
	SelectServer Selection = "server"
	SelectMerge  Selection = "merge"
)

// ParseSelection validates a selection name.
func ParseSelection(s string) (Selection, error) {
	switch sel := Selection(s); sel {
	case SelectLocal, SelectServer, SelectMerge:
		return sel, nil
	}
	return "", fmt.Errorf("unknown selection %q (want local, server or merge)", s)
}

// MergeWithSelections builds the resolved snapshot over the union of keys in
// both snapshots. Unspecified fields take the server value. SelectMerge on
// two arrays unions their elements, de-duplicated by value; on anything else
// it falls back to the server value. A key only the local side carries is
// left out unless SelectLocal or SelectMerge names it. SelectLocal on a key
// the local side does not carry keeps the server value.
//
// Selections for keys absent from both snapshots and unknown selection
// values are errors.
func MergeWithSelections(c record.ConflictRecord, selections map[string]Selection) (record.Snapshot, error) {
	keys := unionKeys(c.LocalData, c.ServerData)
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	for field, sel := range selections {
		if !known[field] {
			return nil, fmt.Errorf("selection for unknown field %q", field)
		}
		if _, err := ParseSelection(string(sel)); err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
	}

	out := make(record.Snapshot, len(keys))
	for _, k := range keys {
		lv, inLocal := c.LocalData[k]
		sv, inServer := c.ServerData[k]

		// A key the server lacks is only kept when a local value or a merge
		// was asked for.
		if !inServer {
			if sel := selections[k]; sel == SelectLocal || sel == SelectMerge {
				out[k] = cloneAny(lv)
			}
			continue
		}

		switch selections[k] {
		case SelectLocal:
			if inLocal {
				out[k] = cloneAny(lv)
			} else {
				out[k] = cloneAny(sv)
			}
		case SelectMerge:
			merged, err := mergeValues(lv, sv, inLocal)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = merged
		default:
			out[k] = cloneAny(sv)
		}
	}
	return out, nil
}

func mergeValues(local, server any, inLocal bool) (any, error) {
	la, lok := asArray(local)
	sa, sok := asArray(server)
	if !inLocal || !lok || !sok {
		return cloneAny(server), nil
	}
	return unionArrays(sa, la)
}

// unionArrays keeps first's order and appends elements from second that are
// not already present. Elements are compared by canonical encoding.
func unionArrays(first, second []any) ([]any, error) {
	out := make([]any, 0, len(first)+len(second))
	seen := make(map[string]bool, len(first)+len(second))
	for _, list := range [][]any{first, second} {
		for _, elem := range list {
			key, err := record.MarshalCanonical(normalize(elem))
			if err != nil {
				return nil, err
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, cloneAny(elem))
		}
	}
	return out, nil
}

func asArray(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func cloneAny(v any) any {
	return record.Snapshot{"v": v}.Clone()["v"]
}
