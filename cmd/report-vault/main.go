package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/internal/common/config"
	logutil "github.com/fleetgate/reportvault/internal/common/logger"
	"github.com/fleetgate/reportvault/internal/common/metricsserver"
	"github.com/fleetgate/reportvault/internal/vault/artifact"
	"github.com/fleetgate/reportvault/internal/vault/coordinator"
	"github.com/fleetgate/reportvault/internal/vault/events"
	"github.com/fleetgate/reportvault/internal/vault/ledger"
	"github.com/fleetgate/reportvault/internal/vault/metrics"
	"github.com/fleetgate/reportvault/internal/vault/server"
	"github.com/fleetgate/reportvault/internal/vault/status"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("c", "configs/report-vault.yaml",
		"Path to report vault configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	configMgr, err := config.NewManager(*configPath, initialLogger)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	cfg := configMgr.GetConfig()

	logger, err := logutil.NewLogger(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Report Vault starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("ledger_path", cfg.Ledger.Path))

	// Render ledger (SQLite).
	ledgerStore, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open render ledger", zap.Error(err))
	}
	defer ledgerStore.Close()

	// Upstream status client.
	statusClient := status.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout.ToDuration(), logger)

	// Artifact backends: remote object storage first when credentials
	// resolve, local filesystem as the fallback.
	var backends []artifact.Backend

	credentialsFile := config.ResolveDriveCredentials(cfg.Storage.Drive, logger)
	if credentialsFile != "" && cfg.Storage.Drive.Bucket != "" {
		driveBackend, err := artifact.NewDriveBackend(
			context.Background(),
			cfg.Storage.Drive.Bucket,
			cfg.Storage.Drive.ObjectPrefix,
			credentialsFile,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to create drive backend", zap.Error(err))
		}
		defer driveBackend.Close()
		backends = append(backends, driveBackend)
	} else {
		logger.Info("Drive backend disabled, artifacts will be stored locally only")
	}

	backends = append(backends, artifact.NewLocalBackend(cfg.Storage.Local.BasePath, logger))

	fetcher := artifact.NewFetcher(cfg.Upstream.Timeout.ToDuration(), logger)
	store, err := artifact.NewStore(fetcher, backends, logger)
	if err != nil {
		logger.Fatal("Failed to create artifact store", zap.Error(err))
	}

	// Metrics.
	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	store.SetMetrics(collector)

	metricsServer, err := metricsserver.Start(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		collector,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	// Fetch event audit log.
	var emitter *events.FileEmitter
	if cfg.Events.File.Enabled {
		emitter, err = events.NewFileEmitter(cfg.Events.File, logger)
		if err != nil {
			logger.Fatal("Failed to create fetch event log", zap.Error(err))
		}
		defer emitter.Close()
	}

	coord := coordinator.New(
		ledgerStore,
		statusClient,
		store,
		coordinator.Config{
			StatusAttempts:   cfg.Upstream.StatusAttempts,
			StatusRetryDelay: cfg.Upstream.StatusRetryDelay.ToDuration(),
		},
		collector,
		logger,
	)

	srv := server.NewServer(coord, collector, emitter, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Listen, cfg.Server.Timeout.ToDuration()); err != nil {
			serverErrCh <- err
		}
	}()

	logger.Info("Report Vault ready", zap.String("listen", cfg.Server.Listen))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully...")

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Report Vault stopped")
}
