package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/record"
)

// SyncReport is the output of the sync command.
type SyncReport struct {
	Online bool              `json:"online"`
	Result record.SyncResult `json:"result"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain cycle against the backend",
		Long: `Replay every pending mutation against the backend once, in order.

Version conflicts are parked for 'outbox resolve'; transient failures stay
queued for the next sync. Exits 1 when the backend is unreachable or a
mutation failed terminally.

Example:
  outbox sync
  outbox sync --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	rep := SyncReport{Online: a.checkOnline(ctx), Result: record.EmptySyncResult()}
	if !rep.Online {
		_ = f.Result(rep, "backend unreachable at "+a.client.BaseURL()+", nothing synced")
		return NewExitError(ExitFailure, "backend unreachable")
	}

	res, syncErr := a.engine.Sync(ctx)
	rep.Result = res
	rep.Online = a.engine.Online()
	if syncErr != nil && !errors.Is(syncErr, engine.ErrOffline) {
		_ = f.Error(CodeStore, syncErr.Error(), nil)
		return WrapExitError(ExitCommandError, "sync failed", syncErr)
	}

	if err := f.Result(rep, renderSyncResult(rep)); err != nil {
		return err
	}
	switch {
	case syncErr != nil:
		return WrapExitError(ExitFailure, "connectivity lost during sync", syncErr)
	case res.ErrorCount > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) failed", res.ErrorCount))
	}
	return nil
}

func renderSyncResult(rep SyncReport) string {
	r := rep.Result
	var b strings.Builder
	fmt.Fprintf(&b, "synced %d, conflicts %d, errors %d, retried %d, held %d",
		r.SyncedCount, r.ConflictCount, r.ErrorCount, r.RetriedCount, r.HeldCount)
	for _, c := range r.Conflicts {
		fmt.Fprintf(&b, "\nconflict %s on %s/%s (server v%d)", c.ID, c.EntityType, c.EntityID, c.ServerVersion)
	}
	if !rep.Online {
		b.WriteString("\nconnectivity lost; remaining mutations stay queued")
	}
	return b.String()
}
