package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/plugbox/internal/config"
	"github.com/mattjoyce/plugbox/internal/dispatch"
	"github.com/mattjoyce/plugbox/internal/jobs"
	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
	"github.com/mattjoyce/plugbox/internal/storage"
	"github.com/mattjoyce/plugbox/internal/trace"
	"github.com/mattjoyce/plugbox/internal/worker"
	"github.com/mattjoyce/plugbox/internal/workspace"
)

const workerBinary = "plugbox-worker"

// loadConfig resolves the config for a command and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.statePath != "" {
		cfg.State.Path = flags.statePath
	}
	if flags.logLevel != "" {
		cfg.Service.LogLevel = flags.logLevel
	}
	return cfg, nil
}

// app is the wiring shared by run and serve.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	store   *jobs.Store
	plugins *plugin.Registry
	ws      workspace.Manager
	traces  *trace.Registry
	disp    *dispatch.Dispatcher
	logger  *slog.Logger
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")

	workerCmd, err := workerCommand(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	registry, err := plugin.Discover(cfg.PluginsDir, func(level, msg string, args ...any) {
		logger.Log(ctx, log.ParseLevel(level), msg, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("plugin discovery in %s: %w", cfg.PluginsDir, err)
	}
	logger.Debug("plugin discovery complete", "count", len(registry.Names()))

	ws, err := workspace.NewFSManager(cfg.Sandbox.WorkDir, cfg.Sandbox.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize workspaces: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}
	logger.Debug("database opened", "path", cfg.State.Path)

	store := jobs.New(db)
	traces := trace.NewRegistry()

	opts := dispatch.Options{
		WorkerCommand:  workerCmd,
		WorkerEnv:      append(cfg.Sandbox.WorkerEnv(), worker.EnvLogLevel+"="+strings.ToUpper(cfg.Sandbox.WorkerLogLevel)),
		LoadTimeout:    cfg.Sandbox.LoadTimeout,
		StartTimeout:   cfg.Sandbox.StartTimeout,
		DestroyTimeout: cfg.Sandbox.DestroyTimeout,
		Workers:        cfg.Dispatch.Workers,
		PollInterval:   cfg.Dispatch.PollInterval,
		MaxQueued:      cfg.Dispatch.QueueSize,
	}
	if cfg.Trace.FileLogs {
		opts.LogDir = cfg.Trace.LogDir
	}

	return &app{
		cfg:     cfg,
		db:      db,
		store:   store,
		plugins: registry,
		ws:      ws,
		traces:  traces,
		disp:    dispatch.New(store, registry, traces, ws, opts),
		logger:  logger,
	}, nil
}

func (a *app) Close() {
	a.traces.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}

// workerCommand resolves the sandbox worker: the configured executable, else
// plugbox-worker beside the running binary, else on PATH.
func workerCommand(sb config.SandboxConfig) ([]string, error) {
	if sb.Worker != "" {
		return append([]string{sb.Worker}, sb.WorkerArgs...), nil
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), workerBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return append([]string{candidate}, sb.WorkerArgs...), nil
		}
	}
	path, err := exec.LookPath(workerBinary)
	if err != nil {
		return nil, errors.New("sandbox worker not found: set sandbox.worker or install " + workerBinary + " next to plugbox")
	}
	return append([]string{path}, sb.WorkerArgs...), nil
}
