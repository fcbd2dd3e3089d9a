package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/conflict"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/store"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Local  bool
	Server bool
	Merge  []string // field=local|server|merge
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolve an open conflict with exactly one strategy.

  --server   accept the server snapshot; nothing is sent
  --local    resubmit the local snapshot at the server's version
  --merge    resubmit a field-by-field selection; fields not named keep
             the server value (local-only fields are kept)

When the backend is unreachable a --local or --merge resolution is queued
and sent on the next sync.

Example:
  outbox resolve 0191f3c2-... --server
  outbox resolve 0191f3c2-... --merge awayScore=local --merge tags=merge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Local, "local", false, "keep the local snapshot")
	cmd.Flags().BoolVar(&opts.Server, "server", false, "accept the server snapshot")
	cmd.Flags().StringArrayVar(&opts.Merge, "merge", nil, "field selection field=local|server|merge (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("local", "server", "merge")
	cmd.MarkFlagsOneRequired("local", "server", "merge")

	return cmd
}

func runResolve(opts *ResolveOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	selections, err := parseSelections(opts.Merge)
	if err != nil {
		_ = f.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --merge", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	var res engine.Resolution
	switch {
	case opts.Server:
		res, err = a.engine.ResolveWithServer(ctx, id)
	case opts.Local:
		a.checkOnline(ctx)
		res, err = a.engine.ResolveWithLocal(ctx, id)
	default:
		a.checkOnline(ctx)
		res, err = a.engine.ResolveWithMerge(ctx, id, selections)
	}
	if err != nil {
		return resolveError(ctx, f, a, id, err)
	}

	if err := f.Result(res, renderResolution(res)); err != nil {
		return err
	}
	if res.Outcome == engine.OutcomeConflict {
		return NewExitError(ExitFailure, "server moved again; conflict still open")
	}
	return nil
}

func parseSelections(pairs []string) (map[string]conflict.Selection, error) {
	out := make(map[string]conflict.Selection, len(pairs))
	for _, p := range pairs {
		field, choice, ok := strings.Cut(p, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("selection %q: want field=local|server|merge", p)
		}
		sel, err := conflict.ParseSelection(choice)
		if err != nil {
			return nil, fmt.Errorf("selection %q: %w", p, err)
		}
		out[field] = sel
	}
	return out, nil
}

func resolveError(ctx context.Context, f *OutputFormatter, a *app, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = f.Error(CodeConflict, fmt.Sprintf("conflict %s not found", id), nil)
		return WrapExitError(ExitCommandError, "conflict not found", err)
	case errors.Is(err, engine.ErrConflictClosed):
		_ = f.Error(CodeConflict, fmt.Sprintf("conflict %s is already resolved", id), nil)
		return WrapExitError(ExitFailure, "conflict already resolved", err)
	}

	var details any
	if view, viewErr := a.engine.Display(ctx, id); viewErr == nil {
		details = map[string]any{"fields": diffFields(view.Diffs)}
	}
	_ = f.Error(CodeRemote, err.Error(), details)
	return WrapExitError(ExitFailure, "resolution failed", err)
}

func renderResolution(res engine.Resolution) string {
	c := res.Conflict
	switch res.Outcome {
	case engine.OutcomeApplied:
		if res.Entity != nil {
			return fmt.Sprintf("conflict %s %s; %s/%s now at version %d", c.ID, c.Status, c.EntityType, c.EntityID, res.Entity.Version)
		}
		return fmt.Sprintf("conflict %s %s", c.ID, c.Status)
	case engine.OutcomeRequeued:
		return fmt.Sprintf("conflict %s %s; resolution queued for the next sync", c.ID, c.Status)
	default:
		return fmt.Sprintf("conflict %s still open: server moved to version %d, review with 'outbox conflicts show %s'", c.ID, c.ServerVersion, c.ID)
	}
}
