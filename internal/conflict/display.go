package conflict

import "github.com/roach88/outbox/internal/record"

// FieldDiff is one differing field, for presentation to a human resolver.
// A side that does not carry the field has Local/Server nil and the matching
// In* flag false.
type FieldDiff struct {
	Field    string `json:"field"`
	Local    any    `json:"local"`
	Server   any    `json:"server"`
	InLocal  bool   `json:"inLocal"`
	InServer bool   `json:"inServer"`
}

// FormatForDisplay returns the full symmetric diff of a conflict: every key
// present in either snapshot whose values differ, sorted by field.
func FormatForDisplay(c record.ConflictRecord) []FieldDiff {
	diffs := []FieldDiff{}
	for _, k := range unionKeys(c.LocalData, c.ServerData) {
		lv, inLocal := c.LocalData[k]
		sv, inServer := c.ServerData[k]
		if inLocal && inServer && Equal(lv, sv) {
			continue
		}
		diffs = append(diffs, FieldDiff{
			Field:    k,
			Local:    lv,
			Server:   sv,
			InLocal:  inLocal,
			InServer: inServer,
		})
	}
	return diffs
}
