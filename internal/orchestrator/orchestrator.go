// Package orchestrator runs turns: it assembles context, invokes the agent
// provider with tools, gates every side effect through the policy resolver and
// executor, and records the task state machine
// PENDING -> RUNNING -> {COMPLETED, FAILED_TIMEOUT, FAILED_ERROR}.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/executor"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/policy"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/telemetry"
)

// Options are the turn-level knobs taken from configuration.
type Options struct {
	TurnTimeout        time.Duration
	MaxSteps           int
	ProactiveEnabled   bool
	BootstrapStaleness time.Duration
	ContextLimits      config.ContextLimits
	Relevance          config.RelevanceConfig
}

// OptionsFrom copies the orchestrator settings out of the shared config.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		TurnTimeout:        cfg.TurnTimeout,
		MaxSteps:           cfg.ProviderMaxSteps,
		ProactiveEnabled:   cfg.ProactiveEnabled,
		BootstrapStaleness: cfg.BootstrapStaleness,
		ContextLimits:      cfg.ContextLimits,
		Relevance:          cfg.Relevance,
	}
}

// Deps are the collaborators a turn needs. Judge defaults to the rule judge.
type Deps struct {
	Store     store.Repository
	Provider  provider.AgentProvider
	Judge     relevance.Judge
	Publisher realtime.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

type Orchestrator struct {
	store     store.Repository
	provider  provider.AgentProvider
	judge     relevance.Judge
	assembler *contextpack.Assembler
	resolver  *policy.Resolver
	scorer    *relevance.Scorer
	exec      *executor.Executor
	pub       realtime.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func New(d Deps, opts Options) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = realtime.Discard{}
	}
	if d.Judge == nil {
		d.Judge = relevance.RuleJudge{}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 45 * time.Second
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.ContextLimits == (config.ContextLimits{}) {
		opts.ContextLimits = config.DefaultContextLimits()
	}
	if opts.Relevance == (config.RelevanceConfig{}) {
		opts.Relevance = config.DefaultRelevance()
	}
	return &Orchestrator{
		store:     d.Store,
		provider:  d.Provider,
		judge:     d.Judge,
		assembler: contextpack.NewAssembler(d.Store, opts.ContextLimits, d.Logger),
		resolver:  policy.NewResolver(d.Store),
		scorer:    relevance.NewScorer(opts.Relevance),
		exec:      executor.New(d.Store, d.Publisher, d.Logger),
		pub:       d.Publisher,
		logger:    d.Logger,
		opts:      opts,
		now:       d.Now,
	}
}

// Executor exposes the action executor, e.g. for manual replay.
func (o *Orchestrator) Executor() *executor.Executor { return o.exec }

// Run executes one turn. Input errors (bad envelope, bad payload, unknown user)
// are returned before any task exists. Provider failures and timeouts are
// recorded on the task and also returned.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if err := req.Validate(); err != nil {
		return TurnResult{}, err
	}
	switch req.Trigger.Type {
	case TriggerUserMessage:
		return o.runUserMessage(ctx, req)
	case TriggerSystemEvent:
		return o.runSystemEvent(ctx, req)
	case TriggerBootstrap:
		return o.runBootstrap(ctx, req)
	}
	return TurnResult{}, fmt.Errorf("trigger %q: %w", req.Trigger.Type, models.ErrInvalidInput)
}

// start creates the task and moves it to RUNNING.
func (o *Orchestrator) start(ctx context.Context, req TurnRequest, source models.TaskSource, input string, pack contextpack.Pack) (*turn, error) {
	task, err := o.store.CreateTask(ctx, store.CreateTaskParams{UserID: req.UserID, Source: source, Input: input})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := o.store.TransitionTask(ctx, store.TaskTransition{ID: task.ID, From: models.TaskPending, To: models.TaskRunning}); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	task.Status = models.TaskRunning

	profile, err := o.store.GetProfile(ctx, req.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	t := &turn{
		o:       o,
		req:     req,
		task:    task,
		pack:    pack,
		profile: profile,
		mix:     map[models.ActionType]int{},
		log: o.logger.With(
			zap.String("task_id", task.ID),
			zap.String("user_id", req.UserID),
			zap.String("trigger", string(req.Trigger.Type)),
		),
	}
	t.event(ctx, "", models.EventTurnStarted, "turn started", map[string]any{
		"triggerType": string(req.Trigger.Type),
		"source":      string(source),
	})
	return t, nil
}

// runProvider bounds the provider round-trip by the turn timeout.
func (o *Orchestrator) runProvider(ctx context.Context, in provider.TurnInput) (provider.TurnOutput, error) {
	turnCtx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	started := time.Now()
	out, err := o.provider.RunTurn(turnCtx, in)
	telemetry.ProviderLatency.Observe(time.Since(started).Seconds())
	if err != nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, fmt.Errorf("provider round-trip after %s: %w", o.opts.TurnTimeout, models.ErrTurnTimeout)
	}
	return out, err
}

// finish writes the terminal state. A provider error fails the task; otherwise
// the task completes unless every action it attempted failed.
func (o *Orchestrator) finish(ctx context.Context, t *turn, perr error, extra map[string]any) (models.TaskStatus, error) {
	meta := t.summary()
	for k, v := range extra {
		meta[k] = v
	}

	status := models.TaskCompleted
	var code, msg string
	switch {
	case perr != nil && errors.Is(perr, models.ErrTurnTimeout):
		status, code, msg = models.TaskFailedTimeout, models.ErrorCode(perr), perr.Error()
	case perr != nil:
		status, code, msg = models.TaskFailedError, models.ErrorCode(perr), perr.Error()
	case t.planned > 0 && t.failed == t.planned:
		status, code, msg = models.TaskFailedError, "actions_failed", "every action failed"
	}

	if err := o.store.TransitionTask(ctx, store.TaskTransition{
		ID:           t.task.ID,
		From:         models.TaskRunning,
		To:           status,
		Confidence:   t.confidence,
		ErrorCode:    code,
		ErrorMessage: msg,
	}); err != nil {
		return status, fmt.Errorf("finish task: %w", err)
	}

	if status == models.TaskCompleted {
		message := "turn completed"
		if t.planned == 0 {
			message = "turn completed without action"
		}
		t.event(ctx, "", models.EventTurnCompleted, message, meta)
	} else {
		meta["code"] = code
		t.event(ctx, "", models.EventTurnFailed, msg, meta)
	}
	telemetry.TurnsTotal.WithLabelValues(string(t.req.Trigger.Type), string(status)).Inc()
	t.log.Info("turn finished", zap.String("status", string(status)), zap.Any("action_mix", meta["actionMix"]))
	return status, nil
}
