package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/internal/config"
	"github.com/caffeineduck/sandpit/internal/logging"
	"github.com/caffeineduck/sandpit/internal/metrics"
	"github.com/caffeineduck/sandpit/internal/telemetry"
	"github.com/caffeineduck/sandpit/language/python"
	"github.com/caffeineduck/sandpit/ratelimit"
	"github.com/caffeineduck/sandpit/sandbox"
)

// app holds the process-wide collaborators every command builds sandboxes
// from.
type app struct {
	cfg      *config.Config
	policy   executor.Config
	logger   *zap.Logger
	limiter  *ratelimit.Limiter
	python   *python.WazeroRuntime
	packages *hostfunc.Packages
	metrics  *metrics.Metrics
	tracing  *telemetry.Provider
}

// newApp wires the collaborators from the environment and flags. Quiet
// commands log warnings only unless a level is set explicitly.
func newApp(cmd *cobra.Command, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	switch lvl, _ := cmd.Flags().GetString("log-level"); {
	case lvl != "":
		cfg.Logging.Level = lvl
	case quiet && os.Getenv(config.Prefix+"_LOGGING_LEVEL") == "":
		cfg.Logging.Level = "warn"
	}
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, err
	}

	policyPath, _ := cmd.Flags().GetString("config")
	if policyPath == "" {
		policyPath = cfg.Policy
	}
	policy, err := config.LoadPolicy(policyPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		metrics: metrics.New(nil),
	}

	if cfg.Tracing.Enabled {
		a.tracing, err = telemetry.Setup("sandpit", version, cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
	}

	a.limiter, err = newLimiter(cfg, logger)
	if err != nil {
		return nil, err
	}

	rtOpts := []python.RuntimeOption{
		python.WithModulePath(cfg.PythonWasmPath()),
		python.WithMemoryLimit(policy.Limits.MaxMemory),
	}
	if cfg.Python.DiskCache {
		rtOpts = append(rtOpts, python.WithDiskCache(filepath.Join(cfg.PythonCacheDir(), "compiled")))
	}
	a.python = python.NewWazeroRuntime(rtOpts...)

	a.packages = hostfunc.NewPackages(hostfunc.PkgConfig{
		PackageDir:      cfg.PackagesDir(),
		AllowedPackages: cfg.Python.AllowedPackages,
		Enabled:         cfg.Python.AllowInstall,
	})
	return a, nil
}

func newLimiter(cfg *config.Config, logger *zap.Logger) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case "", "memory":
		store = ratelimit.NewMemoryStore()
	case "sqlite":
		path := cfg.RateLimit.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.PythonCacheDir(), "ratelimit.db")
		}
		s, err := ratelimit.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown rate limit store %q: use memory or sqlite", cfg.RateLimit.Store)
	}

	sessionPath := cfg.RateLimit.SessionFile
	if sessionPath == "" {
		p, err := ratelimit.DefaultSessionPath()
		if err != nil {
			return nil, fmt.Errorf("session path: %w", err)
		}
		sessionPath = p
	}

	return ratelimit.New(
		ratelimit.WithStore(store),
		ratelimit.WithSessionStore(&ratelimit.FileSessionStore{Path: sessionPath}),
		ratelimit.WithLimit(cfg.RateLimit.Limit),
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithLogger(logger.Named("ratelimit")),
	), nil
}

func (a *app) sandboxOptions() []sandbox.Option {
	return []sandbox.Option{
		sandbox.WithRateLimiter(a.limiter),
		sandbox.WithPythonRuntime(a.python),
		sandbox.WithPackages(a.packages),
		sandbox.WithMaxPrintCalls(a.cfg.Python.MaxPrintCalls),
		sandbox.WithMetrics(a.metrics),
		sandbox.WithLogger(a.logger),
	}
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := []error{
		a.python.Close(ctx),
		a.limiter.Close(),
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
