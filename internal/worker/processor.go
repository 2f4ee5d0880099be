// Package worker drains the turn queue and runs each turn through the
// orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/queue"
	"workspace-assistant/internal/telemetry"
)

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error)
}

// Queue is the part of queue.TurnQueue the processor drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, limit int64) (int, error)
	RequeueExpired(ctx context.Context, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	Lease(ctx context.Context) (*queue.Lease, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error
	DeadLetter(ctx context.Context, id, reason string) error
	Schedule(ctx context.Context, id string, req orchestrator.TurnRequest, runAt time.Time) error
}

// Processor drives the worker loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	runner   Runner
	logger   *zap.Logger
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q Queue, r Runner, logger *zap.Logger, workerID string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TurnMaxAttempts <= 0 {
		cfg.TurnMaxAttempts = 3
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   r,
		logger:   logger.With(zap.String("worker_id", workerID)),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts WorkerConcurrency loops plus one housekeeping loop and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("process turn", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// housekeep runs sweep on every poll tick until ctx ends.
func (p *Processor) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep promotes due turns, reclaims expired leases and samples queue depth.
// A reclaimed turn stays counted in flight until the worker holding it returns.
func (p *Processor) sweep(ctx context.Context) {
	if _, err := p.queue.PromoteScheduled(ctx, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled turns", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, 100); err == nil && len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", zap.Strings("turn_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessOne leases and runs a single turn. It reports whether a turn was
// leased.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	lease, err := p.queue.Lease(ctx)
	if lease == nil {
		return false, err
	}
	log := p.logger.With(zap.String("turn_id", lease.ID), zap.String("user_id", lease.Request.UserID), zap.String("trigger", string(lease.Request.Trigger.Type)))
	if err != nil {
		log.Warn("undecodable turn; dead-lettering", zap.Error(err))
		return true, p.queue.DeadLetter(ctx, lease.ID, models.ErrorCode(err))
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	res, runErr := p.runner.Run(ctx, lease.Request)
	switch {
	case runErr == nil || res.TaskID != "":
		// The turn reached a terminal task state, success or not. Retrying would
		// repeat side effects, so it is done either way.
		if runErr != nil {
			log.Info("turn failed", zap.String("task_id", res.TaskID), zap.String("status", string(res.Status)), zap.Error(runErr))
		}
		if err := p.queue.Ack(ctx, lease.ID); err != nil {
			return true, fmt.Errorf("ack turn %s: %w", lease.ID, err)
		}
		p.afterTurn(ctx, lease.Request, log)
		return true, nil

	case ctx.Err() != nil:
		// Shutting down; the lease expires and another worker picks it up.
		return true, ctx.Err()

	case permanent(runErr):
		log.Warn("turn rejected; dead-lettering", zap.Error(runErr))
		return true, p.queue.DeadLetter(ctx, lease.ID, runErr.Error())
	}

	attempts := lease.Attempts + 1
	if attempts >= p.cfg.TurnMaxAttempts {
		log.Error("turn exhausted retries; dead-lettering", zap.Int("attempts", attempts), zap.Error(runErr))
		return true, p.queue.DeadLetter(ctx, lease.ID, runErr.Error())
	}
	next := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	log.Warn("turn failed before starting; retrying", zap.Int("attempts", attempts), zap.Time("next_run", next), zap.Error(runErr))
	return true, p.queue.Retry(ctx, lease.ID, attempts, next, runErr.Error())
}

// afterTurn keeps a user's bootstrap analysis recurring, one staleness window
// after the last run.
func (p *Processor) afterTurn(ctx context.Context, req orchestrator.TurnRequest, log *zap.Logger) {
	if req.Trigger.Type != orchestrator.TriggerBootstrap || p.cfg.BootstrapStaleness <= 0 {
		return
	}
	next := p.now().Add(p.cfg.BootstrapStaleness)
	if err := p.queue.Schedule(ctx, queue.BootstrapID(req.UserID), orchestrator.NewBootstrap(req.UserID), next); err != nil {
		log.Warn("reschedule bootstrap", zap.Error(err))
	}
}

// permanent errors will fail the same way on every attempt.
func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrNotFound)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
