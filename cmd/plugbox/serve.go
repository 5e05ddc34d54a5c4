package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/plugbox/internal/api"
	"github.com/mattjoyce/plugbox/internal/lock"
	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/workspace"
)

const cleanupInterval = time.Hour

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job dispatcher and, when enabled, the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Enabled = true
				cfg.API.Listen = listen
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
			logger := log.WithComponent("main")
			logger.Info("plugbox starting", "version", version, "config", flags.configPath)

			lockPath := pidLockPath(cfg.State.Path)
			pidLock, err := lock.Acquire(lockPath)
			if err != nil {
				return fmt.Errorf("another instance may be running: %w", err)
			}
			defer pidLock.Release()
			logger.Info("acquired PID lock", "path", lockPath)

			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			logger.Info("plugins loaded", "count", len(a.plugins.Names()), "plugins_dir", cfg.PluginsDir)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := a.disp.Run(gctx); err != nil {
					return fmt.Errorf("dispatcher: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				sweepWorkspaces(gctx, a.ws, cfg.Sandbox.Retention)
				return nil
			})
			if cfg.API.Enabled {
				srv := api.New(api.Config{
					Listen: cfg.API.Listen,
					APIKey: cfg.API.APIKey,
				}, a.disp, a.traces, a.plugins, log.WithComponent("api"))
				g.Go(func() error {
					if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return fmt.Errorf("api: %w", err)
					}
					return nil
				})
			}

			err = g.Wait()
			logger.Info("plugbox stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Enable the API on this address (overrides api.listen)")
	return cmd
}

// pidLockPath keeps the lock beside the state database it protects.
func pidLockPath(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), "plugbox.lock")
}

// sweepWorkspaces removes sandbox directories older than retention, once at
// startup and then hourly, until ctx ends.
func sweepWorkspaces(ctx context.Context, ws workspace.Manager, retention time.Duration) {
	if retention <= 0 {
		return
	}
	logger := log.WithComponent("workspace")
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		report, err := ws.Cleanup(ctx, retention)
		if err != nil && ctx.Err() == nil {
			logger.Warn("workspace cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			logger.Info("removed expired workspaces", "count", report.DeletedDirs)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
