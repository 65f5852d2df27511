// Package main is the authguard daemon: it watches SSH login events and
// blocks the sources that look like attacks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authguard/internal/alerting"
	"authguard/internal/blocker"
	"authguard/internal/bruteforce"
	"authguard/internal/config"
	"authguard/internal/dispatch"
	"authguard/internal/enforce"
	"authguard/internal/engine"
	"authguard/internal/features"
	"authguard/internal/ingest"
	"authguard/internal/intel"
	"authguard/internal/schema"
	"authguard/internal/storage"
	s3archive "authguard/internal/storage/s3"
)

const maintenanceInterval = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"workers", cfg.Dispatch.Workers,
		"enforce_backend", cfg.Enforce.Backend,
		"storage_enabled", cfg.Storage.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
		"kafka_enabled", cfg.Ingest.Kafka.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enforcement backend.
	enforcer, err := enforce.New(cfg.Enforce)
	if err != nil {
		return fmt.Errorf("failed to create enforcer: %w", err)
	}

	// Storage is optional; the in-memory state stays authoritative
	// either way.
	var (
		chClient    *storage.ClickHouseClient
		blockStore  blocker.RecordStore
		batchWriter *storage.BatchWriter
		archiver    blocker.Archiver
	)
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer chClient.Close()

		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		blockStore = storage.NewBlockStore(chClient)
		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)

		if cfg.Storage.Archive.Enabled {
			s3Client, err := s3archive.NewClient(ctx, cfg.Storage.Archive)
			if err != nil {
				return fmt.Errorf("failed to create S3 client: %w", err)
			}
			archiver = s3archive.NewArchiver(s3Client)
		}

		slog.Info("storage initialized",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
			"archive", cfg.Storage.Archive.Enabled,
		)
	}

	// Blocker: restore persisted blocks, then start the expiry sweeper.
	blk := blocker.New(cfg.Blocker, enforcer, blockStore, archiver)
	if err := blk.Restore(ctx); err != nil {
		slog.Warn("block restore failed, starting empty", "error", err)
	}
	blk.Start(ctx)

	// Intel aggregator with optional Redis cache tier.
	var intelStore intel.Store
	if cfg.Intel.Redis.Enabled {
		redisStore, err := intel.NewRedisStore(cfg.Intel.Redis)
		if err != nil {
			slog.Warn("redis unavailable, intel cache is in-memory only", "error", err)
		} else {
			intelStore = redisStore
			defer redisStore.Close()
		}
	}
	aggregator := intel.NewAggregator(cfg.Intel, intelStore)
	aggregator.Start(ctx)

	extractor := features.NewExtractor(cfg.Features)
	detector := bruteforce.New(cfg.BruteForce)

	alerts := alerting.NewManager(cfg.Alerting)

	var notifier engine.Notifier
	if cfg.Alerting.Enabled {
		notifier = alerts
	}
	var recorder engine.Recorder
	if batchWriter != nil {
		recorder = batchWriter
	}
	eng := engine.New(cfg.Engine, aggregator, extractor, detector, blk, notifier, recorder)

	// Dispatcher keeps one worker per source-IP hash so profile updates
	// stay ordered.
	dispatcher := dispatch.New(dispatch.HandlerFunc(func(ctx context.Context, event *schema.LoginEvent) {
		eng.Evaluate(ctx, event)
	}), cfg.Queue.Size, cfg.Dispatch)
	dispatcher.Start(ctx)

	// Profile maintenance: prune stale baselines, sessions and attempt
	// windows.
	go maintenanceLoop(ctx, extractor, detector)

	// Ingestion boundary.
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	handler := ingest.NewHandler(validator, eng, map[string]ingest.StatsSource{
		"engine":   func() any { return eng.Stats() },
		"blocker":  func() any { return blk.Metrics() },
		"intel":    func() any { return aggregator.Stats() },
		"dispatch": func() any { return dispatcher.Metrics() },
	}).WithLimits(cfg.Ingest.MaxPayloadSize, cfg.Ingest.MaxBatchSize)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(cfg.Ingest.DTLS, validator, dispatcher, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create DTLS listener: %w", err)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DTLS listener: %w", err)
		}
	}

	var kafkaSource *ingest.KafkaSource
	if cfg.Ingest.Kafka.Enabled {
		kafkaSource, err = ingest.NewKafkaSource(cfg.Ingest.Kafka, validator, dispatcher, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create kafka source: %w", err)
		}
		kafkaSource.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server started", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("http server failed", "error", err)
	}

	// Shutdown order: stop intake first, drain evaluation, then stop
	// the stateful components and flush persistence.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}
	if kafkaSource != nil {
		if err := kafkaSource.Stop(); err != nil {
			slog.Error("kafka source stop error", "error", err)
		}
	}

	dispatcher.Stop()
	cancel()

	aggregator.Stop()
	blk.Stop()
	alerts.Close()

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}

	stats := eng.Stats()
	sent, failed := alerts.Metrics()
	slog.Info("shutdown complete",
		"events_processed", stats.Processed,
		"threats_detected", stats.ThreatsDetected(),
		"blocks_requested", stats.BlocksRequested,
		"active_blocks", blk.ActiveCount(),
		"alerts_sent", sent,
		"alerts_failed", failed,
	)

	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func maintenanceLoop(ctx context.Context, extractor *features.Extractor, detector *bruteforce.Detector) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			extractor.Maintain(now)
			detector.Maintain(now)
		}
	}
}
