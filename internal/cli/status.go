package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/record"
)

// StatusReport summarizes the local queue.
type StatusReport struct {
	Database      string         `json:"database"`
	Counts        map[string]int `json:"counts"`
	OpenConflicts int            `json:"openConflicts"`
	Failed        []FailedItem   `json:"failed"`
	Online        *bool          `json:"online,omitempty"`
}

// FailedItem is a mutation in the terminal error state.
type FailedItem struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType"`
	Operation  string `json:"operation"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error"`
}

var statusOrder = []record.Status{
	record.StatusPending,
	record.StatusSyncing,
	record.StatusConflict,
	record.StatusError,
	record.StatusSynced,
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, open conflicts and failed mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, probe, cmd)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "also check whether the backend is reachable")
	return cmd
}

func runStatus(opts *RootOptions, probe bool, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	counts, err := a.engine.Counts(ctx)
	if err != nil {
		_ = f.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	open, err := a.engine.Conflicts(ctx, record.ConflictOpen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}
	failed, err := a.store.ListByStatus(ctx, record.StatusError)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read failed mutations", err)
	}

	rep := StatusReport{
		Database:      a.cfg.DB.Path,
		Counts:        make(map[string]int, len(statusOrder)),
		OpenConflicts: len(open),
		Failed:        make([]FailedItem, 0, len(failed)),
	}
	for _, s := range statusOrder {
		rep.Counts[string(s)] = counts[s]
	}
	for _, m := range failed {
		rep.Failed = append(rep.Failed, FailedItem{
			ID:         m.ID,
			EntityType: string(m.EntityType),
			Operation:  string(m.Operation),
			RetryCount: m.RetryCount,
			Error:      m.ErrorMessage,
		})
	}
	if probe {
		online := a.checkOnline(ctx)
		rep.Online = &online
	}

	return f.Result(rep, renderStatus(rep))
}

func renderStatus(rep StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "database: %s\n", rep.Database)
	for _, s := range statusOrder {
		fmt.Fprintf(&b, "  %-9s %d\n", s, rep.Counts[string(s)])
	}
	fmt.Fprintf(&b, "open conflicts: %d", rep.OpenConflicts)
	for _, item := range rep.Failed {
		fmt.Fprintf(&b, "\nfailed %s (%s %s, %d retries): %s", item.ID, item.Operation, item.EntityType, item.RetryCount, item.Error)
	}
	if rep.Online != nil {
		fmt.Fprintf(&b, "\nbackend online: %t", *rep.Online)
	}
	return b.String()
}
