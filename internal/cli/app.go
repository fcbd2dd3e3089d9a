package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/config"
	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/logging"
	"github.com/roach88/outbox/internal/remote"
	"github.com/roach88/outbox/internal/store"
)

// app is the composition root: one store, one client and one engine per
// command invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	client *remote.Client
	engine *engine.Engine

	logCloser io.Closer
}

// loadConfig resolves configuration and builds the logger.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(opts.v, opts.ConfigFile)
	if err != nil {
		return config.Config{}, nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return cfg, logger, closer, nil
}

// openApp wires config, logging, store, HTTP client and engine.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, logger, closer, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, err
	}

	logger.Debug("opening database", "path", cfg.DB.Path)
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		closer.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(logger),
	)

	eng := engine.New(st, client,
		engine.WithLogger(logger),
		engine.WithMaxRetries(cfg.Sync.MaxRetries),
		engine.WithAutoMerge(cfg.Sync.AutoMerge),
		engine.WithRetryConfig(cfg.Sync.Retry.RetryConfig()),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		client:    client,
		engine:    eng,
		logCloser: closer,
	}, nil
}

// checkOnline probes the backend once and records the result on the engine.
func (a *app) checkOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Remote.Timeout)
	defer cancel()

	online := a.client.Health(ctx) == nil
	a.engine.SetOnline(online)
	if !online {
		a.logger.Info("backend unreachable", "url", a.client.BaseURL())
	}
	return online
}

func (a *app) Close() {
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
	a.logCloser.Close()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
