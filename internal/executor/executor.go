// Package executor performs planned actions against the workspace. Every action
// runs at most once: the PLANNED status is the idempotency guard and the action
// id is the key.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/telemetry"
)

// Store is the slice of the repository the executor writes through.
type Store interface {
	store.TaskStore
	store.WorkspaceStore
	store.CalendarStore
	store.BriefingStore
	Capabilities(ctx context.Context) (models.Capabilities, error)
}

// Executor performs PLANNED actions and records their outcome.
type Executor struct {
	store  Store
	pub    realtime.Publisher
	logger *zap.Logger
}

// New builds an Executor. A nil publisher discards realtime events.
func New(st Store, pub realtime.Publisher, logger *zap.Logger) *Executor {
	if pub == nil {
		pub = realtime.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: st, pub: pub, logger: logger}
}

// outcome is what a performer reports back for the audit trail.
type outcome struct {
	result map[string]any
	target *models.ActionTarget
	events []realtime.Event
}

// Execute performs the action if it is still PLANNED and finalizes it as
// EXECUTED or FAILED. A finalized action returns ErrAlreadyFinalized without
// side effects. A context cancelled before the side effect leaves the action
// PLANNED; once perform has run, the outcome is recorded even if ctx expires.
func (e *Executor) Execute(ctx context.Context, actionID string, autonomy models.AutonomyLevel) (models.Action, error) {
	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return models.Action{}, fmt.Errorf("load action: %w", err)
	}
	if action.Status != models.ActionPlanned {
		return action, fmt.Errorf("execute action %s (%s): %w", action.ID, action.Status, models.ErrAlreadyFinalized)
	}
	if err := ctx.Err(); err != nil {
		return action, err
	}

	log := e.logger.With(
		zap.String("task_id", action.TaskID),
		zap.String("action_id", action.ID),
		zap.String("user_id", action.UserID),
		zap.String("type", string(action.Type)),
	)

	out, perr := e.perform(ctx, action)
	fin := context.WithoutCancel(ctx)
	if perr != nil {
		failed, terr := e.store.TransitionAction(fin, store.ActionTransition{
			ID:       action.ID,
			From:     models.ActionPlanned,
			To:       models.ActionFailed,
			Autonomy: autonomy,
			Error:    perr.Error(),
		})
		if terr != nil {
			return action, fmt.Errorf("mark action failed: %w", terr)
		}
		telemetry.ActionsTotal.WithLabelValues(string(action.Type), string(models.ActionFailed)).Inc()
		e.appendEvent(fin, failed, models.EventActionFailed, perr.Error(), map[string]any{
			"type":     string(action.Type),
			"autonomy": string(autonomy),
			"code":     models.ErrorCode(perr),
		})
		log.Warn("action failed", zap.Error(perr))
		return failed, perr
	}

	done, err := e.store.TransitionAction(fin, store.ActionTransition{
		ID:       action.ID,
		From:     models.ActionPlanned,
		To:       models.ActionExecuted,
		Autonomy: autonomy,
		Target:   out.target,
		Result:   out.result,
	})
	if err != nil {
		return action, fmt.Errorf("mark action executed: %w", err)
	}
	telemetry.ActionsTotal.WithLabelValues(string(action.Type), string(models.ActionExecuted)).Inc()
	e.appendEvent(fin, done, models.EventActionExecuted, fmt.Sprintf("%s executed", action.Type), map[string]any{
		"type":     string(action.Type),
		"autonomy": string(autonomy),
		"result":   out.result,
	})
	for _, ev := range out.events {
		e.pub.Publish(ev)
	}
	log.Info("action executed")
	return done, nil
}

// Skip finalizes a PLANNED action as SKIPPED, recording why.
func (e *Executor) Skip(ctx context.Context, actionID string, autonomy models.AutonomyLevel, reason string) (models.Action, error) {
	skipped, err := e.store.TransitionAction(ctx, store.ActionTransition{
		ID:       actionID,
		From:     models.ActionPlanned,
		To:       models.ActionSkipped,
		Autonomy: autonomy,
		Result:   map[string]any{KeyReason: reason},
	})
	if err != nil {
		return models.Action{}, fmt.Errorf("skip action: %w", err)
	}
	telemetry.ActionsTotal.WithLabelValues(string(skipped.Type), string(models.ActionSkipped)).Inc()
	return skipped, nil
}

// ExecutePending replays every still-PLANNED action of a task in sequence order.
// Finalized actions are left alone. It is an operator tool; nothing calls it
// automatically after a timeout.
func (e *Executor) ExecutePending(ctx context.Context, taskID string) ([]models.Action, error) {
	actions, err := e.store.ListActions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	var (
		out  []models.Action
		errs []error
	)
	for _, a := range actions {
		if a.Status != models.ActionPlanned {
			continue
		}
		autonomy := a.Autonomy
		if autonomy == "" {
			autonomy = models.AutonomyAuto
		}
		done, err := e.Execute(ctx, a.ID, autonomy)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			errs = append(errs, fmt.Errorf("action %d: %w", a.Seq, err))
		}
		out = append(out, done)
	}
	return out, errors.Join(errs...)
}

func (e *Executor) perform(ctx context.Context, a models.Action) (outcome, error) {
	switch a.Type {
	case models.ActionSendMessage:
		return e.sendMessage(ctx, a)
	case models.ActionCreateDM:
		return e.createDM(ctx, a)
	case models.ActionCreateChannel:
		return e.createChannel(ctx, a)
	case models.ActionCreateWorkspaceTask:
		return e.createWorkTask(ctx, a)
	case models.ActionUpdateWorkspaceTask:
		return e.updateWorkTask(ctx, a)
	case models.ActionCreateCalendarEvent:
		return e.createEvent(ctx, a)
	case models.ActionUpdateCalendarEvent:
		return e.updateEvent(ctx, a)
	case models.ActionDeleteCalendarEvent:
		return e.deleteEvent(ctx, a)
	case models.ActionCreateBriefing, models.ActionInformUser, models.ActionDraftSuggestion:
		return e.createBriefing(ctx, a)
	case models.ActionWritePrivateNote:
		return e.writeNote(ctx, a)
	case models.ActionLogOnly:
		return outcome{result: map[string]any{"logged": true, KeyReason: str(a.Payload, KeyReason)}}, nil
	}
	return outcome{}, fmt.Errorf("unknown action type %q: %w", a.Type, models.ErrInvalidInput)
}

func (e *Executor) appendEvent(ctx context.Context, a models.Action, typ, msg string, meta map[string]any) {
	if err := e.store.AppendEvent(ctx, store.AppendEventParams{
		TaskID:   a.TaskID,
		ActionID: a.ID,
		Type:     typ,
		Message:  msg,
		Metadata: meta,
	}); err != nil {
		e.logger.Warn("append event failed", zap.String("action_id", a.ID), zap.Error(err))
	}
}

func (e *Executor) createBriefing(ctx context.Context, a models.Action) (outcome, error) {
	summary := str(a.Payload, KeySummary)
	if summary == "" {
		return outcome{}, fmt.Errorf("briefing summary required: %w", models.ErrInvalidInput)
	}
	kind := str(a.Payload, KeyKind)
	switch a.Type {
	case models.ActionInformUser:
		kind = models.BriefingInfo
	case models.ActionDraftSuggestion:
		kind = models.BriefingSuggestion
	}
	taskID := a.TaskID
	item, err := e.store.CreateBriefingItem(ctx, models.BriefingItem{
		UserID:            a.UserID,
		TaskID:            &taskID,
		Kind:              kind,
		Importance:        str(a.Payload, KeyImportance),
		Summary:           summary,
		RecommendedAction: str(a.Payload, KeyRecommended),
		SourceRefs:        sourceRefsOf(a.Payload),
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create briefing: %w", err)
	}
	return outcome{
		result: map[string]any{"briefingId": item.ID, "kind": item.Kind, "importance": item.Importance},
		events: []realtime.Event{{Type: "briefing.created", Reason: item.Summary, UserIDs: []string{a.UserID}}},
	}, nil
}

func (e *Executor) writeNote(ctx context.Context, a models.Action) (outcome, error) {
	content := str(a.Payload, KeyContent)
	if content == "" {
		return outcome{}, fmt.Errorf("note content required: %w", models.ErrInvalidInput)
	}
	taskID := a.TaskID
	turn, err := e.store.AppendChatTurn(ctx, models.ChatTurn{
		UserID:  a.UserID,
		TaskID:  &taskID,
		Role:    models.ChatRoleNote,
		Content: content,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("write private note: %w", err)
	}
	return outcome{
		result: map[string]any{"chatTurnId": turn.ID},
		events: []realtime.Event{{Type: "note.created", Reason: "private note", UserIDs: []string{a.UserID}}},
	}, nil
}
