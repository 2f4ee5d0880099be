package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "workspace-assistant/internal/api"
	"workspace-assistant/internal/app"
	"workspace-assistant/internal/config"
	"workspace-assistant/internal/logging"
	"workspace-assistant/internal/queue"
	"workspace-assistant/internal/ratelimit"
	"workspace-assistant/internal/realtime"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	rdb := app.NewRedis(cfg)
	defer rdb.Close()

	hub := realtime.NewHub(64)
	bridge := realtime.NewRedisBridge(rdb, hub, cfg.RealtimeChannel, logger.Named("realtime"))
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, api.Deps{
		Store:     st,
		Runner:    orch,
		Queue:     q,
		DLQ:       q,
		Limiter:   limiter,
		Hub:       hub,
		Publisher: bridge,
		Logger:    logger.Named("api"),
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreDriver))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
