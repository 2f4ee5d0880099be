// Package app assembles the store, Redis client and orchestrator shared by the
// API, worker and CLI binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/store/memstore"
)

// OpenStore connects the configured store driver. Postgres runs migrations on
// open; with SEED_FILE set the fixture is applied afterwards. The returned func
// releases the store.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		repo    store.Repository
		closeFn = func() {}
	)
	switch cfg.StoreDriver {
	case "memory":
		repo = memstore.New()
	case "postgres", "":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		repo, closeFn = pg, pg.Close
	default:
		return nil, nil, fmt.Errorf("store driver %q: %w", cfg.StoreDriver, models.ErrInvalidInput)
	}

	if cfg.SeedFile != "" {
		if err := memstore.LoadSeed(ctx, repo, cfg.SeedFile); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed applied", zap.String("file", cfg.SeedFile))
	}
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))
	return repo, closeFn, nil
}

// NewRedis builds a client from the REDIS_* settings.
func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewJudge picks the model half of the relevance blend.
func NewJudge(name string, p provider.AgentProvider) (relevance.Judge, error) {
	switch name {
	case "rule", "":
		return relevance.RuleJudge{}, nil
	case "provider":
		return relevance.ProviderJudge{Provider: p}, nil
	}
	return nil, fmt.Errorf("relevance judge %q: %w", name, models.ErrInvalidInput)
}

// NewOrchestrator wires the rule-based provider, the configured judge and pub.
func NewOrchestrator(cfg config.Config, repo store.Repository, pub realtime.Publisher, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	prov := provider.NewRuleBased(nil, nil)
	judge, err := NewJudge(cfg.RelevanceJudge, prov)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Deps{
		Store:     repo,
		Provider:  prov,
		Judge:     judge,
		Publisher: pub,
		Logger:    logger,
	}, orchestrator.OptionsFrom(cfg)), nil
}
