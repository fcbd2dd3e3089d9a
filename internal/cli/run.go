package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/connectivity"
	"github.com/roach88/outbox/internal/record"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync engine until interrupted.

The daemon polls the backend's health endpoint, drains the queue whenever
the backend comes back, retries transient failures with backoff, and logs
every conflict that needs a decision.

Example:
  outbox run --db ./outbox.db --remote http://localhost:8080
  outbox run --config ./outbox.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(rootOpts, cmd)
		},
	}
	return cmd
}

func runDaemon(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	unsubscribe := a.engine.OnConflict(func(c record.ConflictRecord) {
		a.logger.Warn("conflict needs resolution",
			"conflict_id", c.ID,
			"entity_type", c.EntityType,
			"entity_id", c.EntityID,
			"server_version", c.ServerVersion,
		)
	})
	defer unsubscribe()

	// Start offline; the first successful probe flips the state and
	// triggers the initial drain.
	a.engine.SetOnline(false)
	monitor := connectivity.NewMonitor(a.engine,
		connectivity.WithDebounce(a.cfg.Connectivity.Debounce),
		connectivity.WithLogger(a.logger),
	)
	prober := connectivity.NewProber(a.client, a.cfg.Connectivity.ProbeInterval,
		connectivity.WithProbeTimeout(a.cfg.Remote.Timeout),
		connectivity.WithProberLogger(a.logger),
	)
	go func() {
		if err := monitor.Run(ctx, prober); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("connectivity monitor stopped", "error", err)
		}
	}()

	a.logger.Info("daemon starting", "db", a.cfg.DB.Path, "remote", a.client.BaseURL())
	fmt.Fprintln(cmd.OutOrStdout(), "Sync daemon started. Press Ctrl-C to stop.")

	if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	a.logger.Info("daemon stopped gracefully")
	return nil
}
