// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command discovery-worker is the Discovery Worker subprocess entrypoint.
// It is never run directly by an operator; internal/supervisor spawns one
// instance per fleet slot via os/exec, passing configuration as explicit
// CLI flags and an inherited pipe file descriptor for health telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nomarr/workercore/internal/claims"
	"github.com/nomarr/workercore/internal/discoveryworker"
	xglog "github.com/nomarr/workercore/internal/log"
	"github.com/nomarr/workercore/internal/persistence/sqlite"
)

// stubProcessor is the placeholder for the opaque process_file operation.
// Production deployments wire a real Processor; this satisfies the
// interface so the binary can run end to end in environments that have
// no ML backend configured, e.g. integration smoke tests.
type stubProcessor struct{}

func (stubProcessor) ProcessFile(ctx context.Context, path string) error {
	return fmt.Errorf("discovery-worker: no Processor wired for %s", path)
}

func main() {
	workerID := flag.String("worker-id", "", "stable component id, e.g. worker:tag:0")
	dbPath := flag.String("db-path", "", "path to the coordination SQLite database")
	tier := flag.String("tier", "", "execution tier chosen by the supervisor, informational only")
	preferGPU := flag.Bool("prefer-gpu", false, "tier-selected GPU preference, informational only")
	taggerVersion := flag.String("tagger-version", "dev", "tagger version recorded on successful file completion")
	healthFD := flag.Int("health-fd", 3, "inherited file descriptor for the health-frame pipe write-end")
	flag.Parse()

	xglog.Configure(xglog.Config{Level: "info", Service: "discovery-worker"})
	logger := xglog.WithComponent("discovery_worker")

	if *workerID == "" {
		logger.Fatal().Msg("discovery-worker: --worker-id is required")
	}
	if *dbPath == "" {
		logger.Fatal().Msg("discovery-worker: --db-path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(*dbPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("discovery-worker: open database failed")
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.EnsureCoordinationSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("discovery-worker: ensure schema failed")
	}

	healthPipe := os.NewFile(uintptr(*healthFD), "health-pipe")
	if healthPipe == nil {
		logger.Fatal().Int("fd", *healthFD).Msg("discovery-worker: inherited health pipe fd is invalid")
	}

	worker := discoveryworker.New(discoveryworker.Config{
		WorkerID:      *workerID,
		TaggerVersion: *taggerVersion,
		HealthPipe:    healthPipe,
		Claims:        claims.NewCoordinator(db),
		Processor:     stubProcessor{},
	}, logger)

	logger.Info().
		Str("tier", *tier).
		Bool("prefer_gpu", *preferGPU).
		Str("db_path", *dbPath).
		Msg("discovery-worker: starting")

	runErr := worker.Run(ctx)
	if closeErr := worker.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("discovery-worker: closing health pipe failed")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Msg("discovery-worker: exiting on error")
		os.Exit(1)
	}
	logger.Info().Msg("discovery-worker: exited cleanly")
}
