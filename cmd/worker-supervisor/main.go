// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command worker-supervisor is the host process entrypoint for the
// worker supervision and admission-control core: it owns the Health
// Monitor and Worker Supervisor goroutines and spawns Discovery Worker
// subprocesses. It exposes no REST/CLI surface of its own, per scope.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomarr/workercore/internal/capacityprobe"
	"github.com/nomarr/workercore/internal/claims"
	"github.com/nomarr/workercore/internal/config"
	"github.com/nomarr/workercore/internal/healthmonitor"
	xglog "github.com/nomarr/workercore/internal/log"
	"github.com/nomarr/workercore/internal/persistence/sqlite"
	"github.com/nomarr/workercore/internal/resourceprobe"
	"github.com/nomarr/workercore/internal/restartpolicy"
	"github.com/nomarr/workercore/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var version = "dev"

func main() {
	xglog.Configure(xglog.Config{
		Level:   config.ParseString("XG2G_LOG_LEVEL", "info"),
		Service: "worker-supervisor",
		Version: version,
	})
	logger := xglog.WithComponent("worker_supervisor_main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := config.ParseString("XG2G_WORKER_DB", "/var/lib/xg2g/worker.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", dbPath).Msg("open worker database failed")
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.EnsureCoordinationSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure coordination schema failed")
	}

	resourceManagementEnabled := config.ParseBool("XG2G_RESOURCE_MANAGEMENT_ENABLED", true)
	ramMode := resourceprobe.RAMDetectionMode(config.ParseString("XG2G_RAM_DETECTION_MODE", string(resourceprobe.RAMDetectionAuto)))

	resourceProbe := resourceprobe.New(logger)
	capacityProbe := capacityprobe.New(db, nil, supervisor.NewResourceProbeMeter(resourceProbe, ramMode), logger)
	healthMonitor := healthmonitor.New(logger, sqlite.NewHistoryStore(db))
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	binaryPath := config.ParseString("XG2G_DISCOVERY_WORKER_BIN", "/usr/local/bin/discovery-worker")

	sup, err := supervisor.New(supervisor.Deps{
		Logger:        logger,
		DB:            db,
		HealthMonitor: healthMonitor,
		CapacityProbe: capacityProbe,
		ResourceProbe: resourceProbe,
		Claims:        claims.NewCoordinator(db),
		RestartStore:  restartpolicy.NewStore(db),
		Meta:          sqlite.NewMetaStore(db),
		Config: supervisor.Config{
			WorkerCount:               config.ParseInt("XG2G_WORKER_COUNT", 4),
			VRAMBudgetMB:              int64(config.ParseInt("XG2G_VRAM_BUDGET_MB", 0)),
			RAMBudgetMB:               int64(config.ParseInt("XG2G_RAM_BUDGET_MB", 8192)),
			RAMDetectionMode:          ramMode,
			ResourceManagementEnabled: resourceManagementEnabled,
			ModelsDir:                 config.ParseString("XG2G_MODELS_DIR", "/var/lib/xg2g/models"),
			DBPath:                    dbPath,
			DiscoveryWorkerBinary:     binaryPath,
			TaggerVersion:             config.ParseString("XG2G_TAGGER_VERSION", version),
			HeartbeatTimeoutMS:        int64(config.ParseInt("XG2G_HEARTBEAT_TIMEOUT_MS", 30_000)),
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct supervisor failed")
	}

	if err := sup.StartAllWorkers(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start worker fleet failed")
	}

	metricsAddr := config.ParseString("XG2G_METRICS_ADDR", ":9464")
	go serveMetrics(logger, metricsAddr)

	logger.Info().Str("metrics_addr", metricsAddr).Msg("worker-supervisor: running")

	<-ctx.Done()
	logger.Info().Msg("worker-supervisor: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.StopAllWorkers(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker-supervisor: stop all workers returned error")
	}
}

func serveMetrics(logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("addr", addr).Msg("worker-supervisor: metrics server exited")
	}
}
