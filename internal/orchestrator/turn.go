package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/executor"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/policy"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/store"
)

// turn is the per-task state shared by the tool handlers of one run.
type turn struct {
	o       *Orchestrator
	req     TurnRequest
	task    models.AgentTask
	pack    contextpack.Pack
	profile models.Profile
	log     *zap.Logger

	// defaultConversation is where an unaddressed proactive reply goes.
	defaultConversation string
	confidence          *float64

	mu      sync.Mutex
	seq     int
	planned int
	skipped int
	failed  int
	mix     map[models.ActionType]int
}

// actionSpec is a side effect a tool wants to perform.
type actionSpec struct {
	Type       models.ActionType
	Target     models.ActionTarget
	Payload    map[string]any
	Reasoning  string
	Confidence float64
}

// act plans an action, resolves its autonomy and either executes it or leaves
// it SKIPPED. The returned action carries the final status. An error means the
// action failed or the turn ran out of time.
func (t *turn) act(ctx context.Context, plan actionSpec) (models.Action, error) {
	if err := ctx.Err(); err != nil {
		return models.Action{}, err
	}
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.planned++
	t.mu.Unlock()

	a, err := t.o.store.CreateAction(ctx, store.CreateActionParams{
		TaskID:     t.task.ID,
		UserID:     t.req.UserID,
		Seq:        seq,
		Type:       plan.Type,
		Target:     plan.Target,
		Payload:    plan.Payload,
		Reasoning:  plan.Reasoning,
		Confidence: plan.Confidence,
	})
	if err != nil {
		t.countFailed()
		return models.Action{}, fmt.Errorf("plan action: %w", err)
	}
	t.event(ctx, a.ID, models.EventActionPlanned, describe(plan), map[string]any{"type": string(plan.Type), "seq": seq})

	res, err := t.o.resolver.Resolve(ctx, policy.Request{
		UserID:         t.req.UserID,
		ActionType:     plan.Type,
		ChannelSlug:    plan.Target.ChannelSlug,
		ConversationID: plan.Target.ConversationID,
		RequestedMode:  t.req.RequestedMode,
	})
	if err != nil {
		t.countFailed()
		return a, fmt.Errorf("resolve policy: %w", err)
	}

	switch res.Level {
	case models.AutonomyOff:
		return t.skip(ctx, a, plan, res, models.EventPolicyBlocked, "blocked by policy")
	case models.AutonomyReview:
		skipped, err := t.skip(ctx, a, plan, res, models.EventPolicyReviewRequired, "awaiting review")
		if err != nil {
			return skipped, err
		}
		t.reviewBriefing(ctx, skipped, plan)
		return skipped, nil
	}

	done, err := t.o.exec.Execute(ctx, a.ID, res.Level)
	if err != nil {
		if ctx.Err() != nil && done.Status == models.ActionPlanned {
			return done, ctx.Err()
		}
		t.countFailed()
		return done, err
	}
	t.mu.Lock()
	t.mix[plan.Type]++
	t.mu.Unlock()
	return done, nil
}

func (t *turn) skip(ctx context.Context, a models.Action, plan actionSpec, res policy.Resolution, eventType, reason string) (models.Action, error) {
	skipped, err := t.o.exec.Skip(ctx, a.ID, res.Level, reason)
	if err != nil {
		t.countFailed()
		return a, err
	}
	t.mu.Lock()
	t.skipped++
	t.mu.Unlock()
	t.event(ctx, a.ID, eventType, fmt.Sprintf("%s %s", plan.Type, reason), map[string]any{
		"type":   string(plan.Type),
		"level":  string(res.Level),
		"source": res.Source,
		"ruleId": res.RuleID,
	})
	return skipped, nil
}

// reviewBriefing surfaces a REVIEW-gated action so the user can approve it.
func (t *turn) reviewBriefing(ctx context.Context, a models.Action, plan actionSpec) {
	taskID := t.task.ID
	item, err := t.o.store.CreateBriefingItem(ctx, models.BriefingItem{
		UserID:            t.req.UserID,
		TaskID:            &taskID,
		Kind:              models.BriefingReview,
		Importance:        models.ImportanceMedium,
		Summary:           "Needs your review: " + describe(plan),
		RecommendedAction: "Approve to run it, or dismiss",
		SourceRefs:        []models.SourceRef{{Kind: "action", ID: a.ID}},
	})
	if err != nil {
		t.log.Warn("review briefing failed", zap.String("action_id", a.ID), zap.Error(err))
		return
	}
	t.o.pub.Publish(realtime.Event{Type: "briefing.created", Reason: item.Summary, UserIDs: []string{t.req.UserID}})
}

func (t *turn) countFailed() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
}

func (t *turn) event(ctx context.Context, actionID, typ, msg string, meta map[string]any) {
	if err := t.o.store.AppendEvent(ctx, store.AppendEventParams{
		TaskID:   t.task.ID,
		ActionID: actionID,
		Type:     typ,
		Message:  msg,
		Metadata: meta,
	}); err != nil {
		t.log.Warn("append event failed", zap.String("type", typ), zap.Error(err))
	}
}

// summary is the turn_completed metadata: executed counts per action type plus
// skipped and failed totals.
func (t *turn) summary() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	mix := map[string]int{}
	for typ, n := range t.mix {
		mix[string(typ)] = n
	}
	return map[string]any{
		"triggerType": string(t.req.Trigger.Type),
		"actionMix":   mix,
		"planned":     t.planned,
		"skipped":     t.skipped,
		"failed":      t.failed,
	}
}

// describe renders a one-line human summary of a planned action.
func describe(plan actionSpec) string {
	p := plan.Payload
	get := func(k string) string {
		if v, ok := p[k].(string); ok {
			return v
		}
		return ""
	}
	switch plan.Type {
	case models.ActionSendMessage:
		return fmt.Sprintf("send %q to %s", clip(get(executor.KeyText), 80), targetLabel(plan.Target))
	case models.ActionCreateChannel:
		return fmt.Sprintf("create channel %q", get(executor.KeyName))
	case models.ActionCreateDM:
		return "open a DM with " + plan.Target.UserID
	case models.ActionCreateWorkspaceTask:
		return fmt.Sprintf("create task %q", get(executor.KeyTitle))
	case models.ActionUpdateWorkspaceTask:
		return fmt.Sprintf("update task %q", firstNonEmpty(get(executor.KeyTitle), get(executor.KeyTaskID)))
	case models.ActionCreateCalendarEvent:
		return fmt.Sprintf("schedule %q", get(executor.KeyTitle))
	case models.ActionUpdateCalendarEvent:
		return fmt.Sprintf("reschedule %q", firstNonEmpty(get(executor.KeyTitle), get(executor.KeyEventID)))
	case models.ActionDeleteCalendarEvent:
		return fmt.Sprintf("cancel %q", firstNonEmpty(get(executor.KeyTitle), get(executor.KeyEventID)))
	case models.ActionCreateBriefing, models.ActionInformUser, models.ActionDraftSuggestion:
		return "brief: " + clip(get(executor.KeySummary), 80)
	case models.ActionWritePrivateNote:
		return "note: " + clip(get(executor.KeyContent), 80)
	}
	return strings.ToLower(string(plan.Type))
}

func targetLabel(t models.ActionTarget) string {
	switch {
	case t.ChannelSlug != "":
		return "#" + t.ChannelSlug
	case t.UserID != "":
		return t.UserID
	case t.ConversationID != "":
		return "conversation " + t.ConversationID
	}
	return "nowhere"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTimeout(err error) bool {
	return errors.Is(err, models.ErrTurnTimeout) || errors.Is(err, context.DeadlineExceeded)
}
