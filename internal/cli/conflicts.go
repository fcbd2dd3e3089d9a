package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/record"
	"github.com/roach88/outbox/internal/store"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect version conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsShowCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Long: `List conflicts in detection order.

Example:
  outbox conflicts list
  outbox conflicts list --status all --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			var filter record.ConflictStatus
			switch status {
			case "all":
			case "open", "resolved_local", "resolved_server", "resolved_merge":
				filter = record.ConflictStatus(status)
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cs, err := a.engine.Conflicts(commandContext(cmd), filter)
			if err != nil {
				_ = f.Error(CodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to list conflicts", err)
			}
			return f.Result(cs, renderConflictList(cs))
		},
	}
	cmd.Flags().StringVar(&status, "status", "open", "filter by status (open|resolved_local|resolved_server|resolved_merge|all)")
	return cmd
}

func newConflictsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show a conflict's field diff",
		Long: `Show the local and server values of every differing field.

The local side includes edits queued on the same entity after the conflict
was detected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.Display(commandContext(cmd), args[0])
			if err != nil {
				return conflictLookupError(f, args[0], err)
			}
			return f.Result(view, renderView(view))
		},
	}
}

func conflictLookupError(f *OutputFormatter, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		_ = f.Error(CodeConflict, fmt.Sprintf("conflict %s not found", id), nil)
		return WrapExitError(ExitCommandError, "conflict not found", err)
	}
	_ = f.Error(CodeStore, err.Error(), nil)
	return WrapExitError(ExitCommandError, "failed to load conflict", err)
}
