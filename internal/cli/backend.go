package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/remote"
)

// BackendOptions holds flags for the backend command.
type BackendOptions struct {
	*RootOptions
	Addr string

	// ready, when set, receives the bound address once listening (for testing).
	ready chan<- string
}

// NewBackendCommand creates the backend command.
func NewBackendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the in-memory reference backend",
		Long: `Serve an in-memory versioned backend speaking the outbox wire
protocol, for local development and demos. State is lost on exit.

Example:
  outbox backend --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	return cmd
}

func runBackend(opts *BackendOptions, cmd *cobra.Command) error {
	_, logger, closer, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           remote.NewBackend(remote.WithBackendLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("backend listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Backend listening on %s\n", addr)
	if opts.ready != nil {
		opts.ready <- addr
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "backend failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "backend shutdown", err)
	}
	logger.Info("backend stopped")
	return nil
}
