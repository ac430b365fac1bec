package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/spendgate/internal/api"
	"github.com/mattjoyce/spendgate/internal/auth"
	"github.com/mattjoyce/spendgate/internal/config"
	"github.com/mattjoyce/spendgate/internal/engine"
	"github.com/mattjoyce/spendgate/internal/lock"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/tracing"
)

type startFlags struct {
	dryRun   bool
	baseline float64
	noWatch  bool
}

func newStartCmd(g *globalFlags) *cobra.Command {
	f := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the engine until interrupted",
		Long: `Run the lease reclaimer, the HTTP API (when enabled) and, with --dry-run,
the dispatcher against a simulated ad platform.

Without --dry-run this binary has no ad platform client linked in, so it runs
in intake mode: it accepts, lists and cancels requests and recovers expired
leases while dispatch happens in processes that embed the engine package.

Examples:
  # Intake and API only
  spendgate start --config /etc/spendgate/config.yaml

  # Full pipeline against a simulated budget of 100
  spendgate start --dry-run --baseline 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, g, f)
		},
	}
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "dispatch against a simulated ad platform")
	cmd.Flags().Float64Var(&f.baseline, "baseline", 100, "simulated budget for resources never applied before (with --dry-run)")
	cmd.Flags().BoolVar(&f.noWatch, "no-watch", false, "do not reload engine settings when the config file changes")
	return cmd
}

func runStart(ctx context.Context, g *globalFlags, f *startFlags) error {
	cfg, err := g.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	workerID := cfg.Service.WorkerID
	if workerID == "" {
		workerID = engine.DefaultWorkerID()
		cfg.Service.WorkerID = workerID
	}
	logger.Info("spendgate starting", "version", Version, "config", cfg.SourcePath, "worker_id", workerID, "dry_run", f.dryRun)

	workerLock, err := lock.Acquire(cfg.Service.LockDir, workerID)
	if err != nil {
		logger.Error("failed to acquire worker lock", "lock_dir", cfg.Service.LockDir, "error", err)
		return err
	}
	defer workerLock.Release()
	logger.Info("acquired worker lock", "path", workerLock.Path())

	shutdownTracing, err := tracing.Setup(ctx, cfg.Service.Name, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Error("failed to set up tracing", "endpoint", cfg.Tracing.Endpoint, "error", err)
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	eng, err := engine.New(ctx, cfg, engine.Options{DryRun: f.dryRun, Baseline: f.baseline})
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	engineDone := make(chan struct{})

	go func() {
		defer close(engineDone)
		run := eng.RunIntake
		if f.dryRun {
			run = eng.Run
		}
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(apiConfig(cfg), eng, eng.Hub(), eng.Registry(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.SourcePath != "" && !f.noWatch {
		watcher, err := config.NewWatcher(cfg.SourcePath, config.DefaultDebounce, log.WithComponent("config"))
		if err != nil {
			logger.Error("failed to create config watcher", "error", err)
			return err
		}
		go func() {
			err := watcher.Watch(ctx, func(next *config.Config) {
				if err := eng.Reconfigure(ctx, next); err != nil {
					logger.Error("config reload not applied", "error", err)
				}
			})
			if err != nil {
				errCh <- fmt.Errorf("config watcher: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}

	// In-flight dispatches finish their writes before storage closes.
	cancel()
	<-engineDone

	logger.Info("spendgate stopped")
	return runErr
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:   t.Name,
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}
