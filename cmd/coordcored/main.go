// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command coordcored is the coordination core daemon: it loads the
// servers/runs/sessions configuration, starts the Connection Manager
// against every configured tool server, seats the Run Executor, and
// serves the Admission Interface until asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coordcore/core/internal/admission"
	"github.com/coordcore/core/internal/artefacts"
	"github.com/coordcore/core/internal/config"
	"github.com/coordcore/core/internal/connmanager"
	"github.com/coordcore/core/internal/eventbus"
	"github.com/coordcore/core/internal/executor"
	"github.com/coordcore/core/internal/log"
	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/runstore"
	"github.com/coordcore/core/internal/telemetry"
	"github.com/coordcore/core/pkg/tools/approval"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to coordcored YAML configuration")
		unattended  = flag.Bool("unattended", false, "Build the unattended approver (with no pre-approved tools) instead of the interactive CLI approver")
		drainGrace  = flag.Duration("drain-grace", 30*time.Second, "Grace period for in-flight runs and sessions during shutdown")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("coordcored %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordcored: load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	if err := run(cfg, logger, *unattended, *drainGrace); err != nil {
		logger.Error("coordcored exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, unattended bool, drainGrace time.Duration) error {
	reg := registry.New()

	state, err := connmanager.NewStateStore()
	if err != nil {
		logger.Warn("continuing without persisted connection state", slog.Any("error", err))
		state = nil
	}

	descriptors, err := cfg.BuildDescriptors()
	if err != nil {
		return fmt.Errorf("build server descriptors: %w", err)
	}

	connMgr := connmanager.New(reg, state, logger)
	connMgr.Start(descriptors)
	defer connMgr.Stop(drainGrace)

	rtr := router.New(reg, cfg.ServerPolicies(), 30*time.Second)

	store, err := runstore.NewSQLite(runstore.SQLiteConfig{Path: cfg.RunStore.Path})
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("run store crash recovery: %w", err)
	}
	for _, runID := range recovered {
		logger.Warn("run marked failed by crash recovery", slog.String("run_id", runID))
	}

	artefactStore, err := artefacts.New(artefacts.Config{Dir: cfg.Artefacts.Dir})
	if err != nil {
		return fmt.Errorf("open artefact store: %w", err)
	}
	defer artefactStore.Close()
	stopSweep := startArtefactSweep(ctx, artefactStore, cfg.Artefacts.RetentionWindow(), cfg.Artefacts.SweepInterval(), logger)
	defer stopSweep()

	if cfg.Observability.TracingEnabled {
		tp, err := telemetry.NewTracerProvider("coordcored")
		if err != nil {
			return fmt.Errorf("start tracer provider: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
				logger.Warn("tracer provider shutdown failed", slog.Any("error", err))
			}
		}()
	}

	metrics := telemetry.NewCollector()
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server exited", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics endpoint listening", slog.String("addr", addr))
	}

	bus := eventbus.New()

	dispatchFor := func(serverID string) (router.Dispatcher, bool) {
		rec := reg.Get(serverID)
		if rec == nil || rec.Session == nil {
			return nil, false
		}
		return rec.Session, true
	}

	var defaultApprover executor.AutoResolver
	if unattended {
		defaultApprover = approval.NewUnattendedApprover(nil)
	} else {
		defaultApprover = approval.NewCLIApprover()
	}

	ex := executor.New(executor.Config{
		RetryPolicy: executor.RetryPolicy{
			MaxAttempts: cfg.Runs.Retry.MaxAttempts,
			BaseDelay:   cfg.Runs.Retry.BaseRetryDelay(),
			MaxDelay:    30 * time.Second,
		},
		NoProgressThreshold: cfg.Runs.Stop.NoProgressThreshold,
		Metrics:             metrics,
	}, store, bus, rtr, dispatchFor, nil, nil)

	defaultBudgets := runstore.Budgets{
		MaxSteps:  cfg.Runs.DefaultBudgets.MaxSteps,
		MaxWallMS: cfg.Runs.DefaultBudgets.MaxWallMS,
		MaxCost:   cfg.Runs.DefaultBudgets.MaxCost,
	}
	adm := admission.New(ex, store, bus, defaultBudgets)

	// adm and defaultApprover are handed to the Admission Interface's RPC
	// front end (out of scope here, spec.md §1: "the core is a library
	// and daemon process, not the RPC front end a caller addresses").
	_ = adm
	_ = defaultApprover

	logger.Info("coordcored started",
		slog.Int("servers", len(descriptors)),
		slog.String("run_store", cfg.RunStore.Path),
		slog.String("artefacts_dir", cfg.Artefacts.Dir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ex.StartDraining()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainGrace)
	defer drainCancel()
	if err := ex.WaitForDrain(drainCtx, drainGrace); err != nil {
		logger.Warn("drain incomplete, stopping remaining runs", slog.Any("error", err))
	}
	return ex.Stop(drainCtx)
}

// startArtefactSweep periodically deletes artefacts older than window. Its
// keep predicate keeps nothing, so an artefact is deleted once it is older
// than window whether or not a run still cites it (spec.md §9: artefact
// retention is independent of run lifecycle, governed by its own sweep).
func startArtefactSweep(ctx context.Context, store artefacts.Store, window, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				deleted, err := store.Sweep(ctx, time.Now().Add(-window), func(string) bool { return false })
				if err != nil {
					logger.Warn("artefact sweep failed", slog.Any("error", err))
					continue
				}
				if len(deleted) > 0 {
					logger.Info("artefact sweep removed expired blobs", slog.Int("count", len(deleted)))
				}
			}
		}
	}()
	return func() { close(stop) }
}
