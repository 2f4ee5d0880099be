// Command assistctl is the operator CLI: it runs turns inline, manages
// autonomy policy, lists briefings and inspects the turn queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"workspace-assistant/internal/app"
	"workspace-assistant/internal/config"
	"workspace-assistant/internal/logging"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/store"
)

// env holds what the subcommands share. It is filled lazily so commands that
// only talk to Redis never open the store.
type env struct {
	cfg    config.Config
	logger *zap.Logger

	repo      store.Repository
	closeRepo func()
	rdb       *redis.Client
}

var (
	storeDriver string
	seedFile    string
	state       = &env{}
)

var rootCmd = &cobra.Command{
	Use:           "assistctl",
	Short:         "Operate the workspace assistant decision core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		state.cfg = config.Load()
		if storeDriver != "" {
			state.cfg.StoreDriver = storeDriver
		}
		if seedFile != "" {
			state.cfg.SeedFile = seedFile
		}
		logger, err := logging.New(state.cfg.Env, state.cfg.LogLevel)
		if err != nil {
			return err
		}
		state.logger = logger
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		state.close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "store driver: postgres or memory (default from STORE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&seedFile, "seed", "", "YAML fixture applied after opening the store")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		state.close()
		os.Exit(1)
	}
}

func (e *env) openStore(ctx context.Context) (store.Repository, error) {
	if e.repo != nil {
		return e.repo, nil
	}
	repo, closeFn, err := app.OpenStore(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.repo, e.closeRepo = repo, closeFn
	return repo, nil
}

func (e *env) redisClient() *redis.Client {
	if e.rdb == nil {
		e.rdb = app.NewRedis(e.cfg)
	}
	return e.rdb
}

func (e *env) newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	repo, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return app.NewOrchestrator(e.cfg, repo, nil, e.logger)
}

func (e *env) close() {
	if e.closeRepo != nil {
		e.closeRepo()
		e.closeRepo = nil
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
		e.rdb = nil
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
