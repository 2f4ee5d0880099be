package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"workspace-assistant/internal/app"
	"workspace-assistant/internal/config"
	"workspace-assistant/internal/logging"
	"workspace-assistant/internal/queue"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/telemetry"
	workerproc "workspace-assistant/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	rdb := app.NewRedis(cfg)
	defer rdb.Close()

	// Effects of background turns reach API SSE clients through the bridge.
	bridge := realtime.NewRedisBridge(rdb, realtime.NewHub(0), cfg.RealtimeChannel, logger.Named("realtime"))
	go func() {
		if err := bridge.Run(ctx); err != nil {
			logger.Error("realtime bridge stopped", zap.Error(err))
		}
	}()

	orch, err := app.NewOrchestrator(cfg, st, bridge, logger.Named("orchestrator"))
	if err != nil {
		logger.Fatal("build orchestrator", zap.Error(err))
	}
	q := queue.NewTurnQueue(rdb, cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, orch, logger.Named("worker"), workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
