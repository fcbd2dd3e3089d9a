package conflict

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/roach88/outbox/internal/record"
)

// Comparison is the field-level outcome of Compare.
type Comparison struct {
	// Differences lists keys whose values genuinely differ, sorted.
	Differences []string

	// LocalAdditions lists keys present locally but absent on the server, sorted.
	LocalAdditions []string
}

// HasDifferences reports whether any key genuinely differs.
func (c Comparison) HasDifferences() bool {
	return len(c.Differences) > 0
}

// Compare walks every key present in either snapshot. Deep-equal values are
// skipped, keys only present locally are safe additions, everything else is
// a genuine difference.
func Compare(local, server record.Snapshot) Comparison {
	out := Comparison{Differences: []string{}, LocalAdditions: []string{}}
	for _, k := range unionKeys(local, server) {
		lv, inLocal := local[k]
		sv, inServer := server[k]
		switch {
		case inLocal && inServer && Equal(lv, sv):
		case inLocal && !inServer:
			out.LocalAdditions = append(out.LocalAdditions, k)
		default:
			out.Differences = append(out.Differences, k)
		}
	}
	return out
}

// Equal reports whether two snapshot values are deeply equal. Nil and empty
// collections compare equal; numbers compare by value.
func Equal(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b), cmpopts.EquateEmpty())
}

// normalize widens numeric types to float64 so that values built in Go and
// values decoded from JSON compare alike.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case record.Snapshot:
		return normalize(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	}
	return v
}

func unionKeys(snaps ...record.Snapshot) []string {
	seen := make(map[string]struct{})
	for _, s := range snaps {
		for k := range s {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
