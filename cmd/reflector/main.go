// Reflector server: runs the transcription pipeline workers, the
// transcript event stream, and the HTTP surface in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/reflector-media/reflector/pkg/api"
	"github.com/reflector-media/reflector/pkg/audio"
	"github.com/reflector-media/reflector/pkg/blob"
	"github.com/reflector-media/reflector/pkg/cleanup"
	"github.com/reflector-media/reflector/pkg/clients"
	"github.com/reflector-media/reflector/pkg/config"
	"github.com/reflector-media/reflector/pkg/coord"
	"github.com/reflector-media/reflector/pkg/dag"
	"github.com/reflector-media/reflector/pkg/database"
	"github.com/reflector-media/reflector/pkg/events"
	"github.com/reflector-media/reflector/pkg/notify"
	"github.com/reflector-media/reflector/pkg/pipeline"
	"github.com/reflector-media/reflector/pkg/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("Starting Reflector", "http_port", cfg.HTTPPort, "pod_id", cfg.PodID)

	ctx := context.Background()

	// Database: migrate first, then open the pool.
	if err := database.Migrate(cfg.Database.URL, logger); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	pool, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis coordinator. Optional: without it, cross-pod locking degrades
	// to per-process behaviour, which is fine for a single replica.
	var coordinator *coord.Coordinator
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid Redis URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		coordinator = coord.New(rdb, logger)
		if err := coordinator.Ping(ctx); err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("Redis coordinator connected")
	} else {
		logger.Warn("REFLECTOR_REDIS_URL not set, cross-pod coordination disabled")
	}

	blobs, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		logger.Error("Failed to open blob store", "root", cfg.BlobRoot, "error", err)
		os.Exit(1)
	}

	// Services and the event stream.
	publisher := events.NewPublisher(pool)
	transcripts := services.NewTranscriptService(pool, publisher, logger)
	recordings := services.NewRecordingService(pool, logger)
	meetings := services.NewMeetingService(pool, logger)

	connManager := events.NewConnectionManager(transcripts, 10*time.Second, logger)
	listener := events.NewNotifyListener(cfg.Database.URL, connManager, logger)
	if err := listener.Start(ctx); err != nil {
		logger.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	connManager.SetListener(listener)
	logger.Info("Event stream initialized")

	// Pipeline backends.
	var diarizer clients.Diarizer
	if cfg.Diarizer.BaseURL != "" {
		diarizer = clients.NewDiarizer(cfg.Diarizer)
	}
	notifier := notify.NewService(cfg.Zulip, cfg.Webhook, logger)

	runStore := dag.NewStore(pool)
	p := pipeline.New(pipeline.Deps{
		Transcripts: transcripts,
		Recordings:  recordings,
		Meetings:    meetings,
		Blobs:       blobs,
		Codec:       audio.FFmpeg{Bin: cfg.FFmpegBin},
		Transcriber: clients.NewTranscriber(cfg.Transcriber),
		Diarizer:    diarizer,
		Translator:  clients.NewTranslator(cfg.Translator),
		Generator:   clients.NewGenerator(cfg.Generator),
		Notifier:    notifier,
		Coord:       coordinator,
		Runs:        runStore,
		Logger:      logger,
	})

	registry := dag.NewRegistry()
	p.Register(registry)
	engine := dag.NewEngine(registry, runStore,
		dag.NewPools(pipeline.PoolConfigs()),
		dag.NewBuckets(pipeline.BucketConfigs()),
		pipeline.NewEventSink(transcripts, logger),
		logger)

	workers := dag.NewWorkerPool(dag.PoolRunnerConfig{
		PodID:             cfg.PodID,
		Workers:           cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		OrphanThreshold:   cfg.Queue.OrphanThreshold,
		SweepInterval:     cfg.Queue.SweepInterval,
	}, runStore, engine, logger)
	if err := workers.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	cleaner := cleanup.NewService(transcripts, blobs, logger)
	server := api.NewServer(pool, workers, connManager, cleaner, cfg.APITokens, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Reflector started", "pod_id", cfg.PodID, "workers", cfg.Queue.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting requests, then let in-flight runs
	// wind down within the budget. Anything still running is requeued by
	// the next instance's startup pass.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		logger.Warn("Worker pool shutdown incomplete", "error", err)
	}
	logger.Info("Reflector stopped")
}
