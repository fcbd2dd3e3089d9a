package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/outbox/internal/conflict"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/record"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	fieldStyle  = lipgloss.NewStyle().Bold(true).Width(18)
	localStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	serverStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// renderConflictList renders one line per conflict.
func renderConflictList(cs []record.ConflictRecord) string {
	if len(cs) == 0 {
		return mutedStyle.Render("no conflicts")
	}
	lines := make([]string, 0, len(cs))
	for _, c := range cs {
		lines = append(lines, fmt.Sprintf("%s  %s/%s  server v%d  %s  %s",
			titleStyle.Render(c.ID),
			c.EntityType, c.EntityID,
			c.ServerVersion,
			c.Status,
			mutedStyle.Render(c.DetectedAt.Format("2006-01-02 15:04:05")),
		))
	}
	return strings.Join(lines, "\n")
}

// renderView renders a conflict's field diff and merge suggestion.
func renderView(v engine.View) string {
	c := v.Conflict

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s\n", titleStyle.Render("conflict "+c.ID), c.EntityType, c.EntityID)
	fmt.Fprintf(&b, "mutation %s, server version %d, %s\n", c.MutationID, c.ServerVersion, c.Status)
	if len(v.Folded) > 0 {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("includes %d later queued edit(s)", len(v.Folded))))
	}

	if len(v.Diffs) == 0 {
		b.WriteString(mutedStyle.Render("local and server agree on every field"))
		return boxStyle.Render(b.String())
	}

	for i, d := range v.Diffs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s  %s", fieldStyle.Render(d.Field),
			localStyle.Render("local: "+displayValue(d.Local, d.InLocal)),
			serverStyle.Render("server: "+displayValue(d.Server, d.InServer)))
		if slices.Contains(v.Suggested.Conflicts, d.Field) {
			b.WriteString(" " + warnStyle.Render("(needs decision)"))
		}
	}
	return boxStyle.Render(b.String())
}

func displayValue(v any, present bool) string {
	if !present {
		return "(absent)"
	}
	raw, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// diffFields lists the fields of a view, for error hints.
func diffFields(diffs []conflict.FieldDiff) []string {
	out := make([]string, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, d.Field)
	}
	return out
}
