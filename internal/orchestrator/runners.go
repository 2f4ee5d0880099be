package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"workspace-assistant/internal/executor"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/telemetry"
)

func (o *Orchestrator) runUserMessage(ctx context.Context, req TurnRequest) (TurnResult, error) {
	payload, err := decodePayload[UserMessagePayload](req.Trigger.Payload)
	if err != nil {
		return TurnResult{}, err
	}
	pack, err := o.assembler.Assemble(ctx, req.UserID, req.ContextHints)
	if err != nil {
		return TurnResult{}, err
	}
	t, err := o.start(ctx, req, models.SourceUserMessage, payload.Text, pack)
	if err != nil {
		return TurnResult{}, err
	}
	// Bookkeeping after the provider must survive the caller going away.
	bg := context.WithoutCancel(ctx)
	t.chat(bg, models.ChatRoleUser, payload.Text)

	out, perr := o.runProvider(ctx, provider.TurnInput{
		Message:         payload.Text,
		History:         history(pack.ChatHistory),
		RelevantContext: renderContext(pack),
		SystemPrompt:    commandPrompt,
		MaxSteps:        o.opts.MaxSteps,
		Tools:           t.commandTools(),
	})
	reply := out.Text
	switch {
	case perr != nil && isTimeout(perr):
		reply = "That took too long, so I stopped. Anything not done yet will stay undone."
	case perr != nil:
		reply = "Something went wrong on my side. Nothing further was done."
	case reply == "":
		reply = "Done."
	}
	t.chat(bg, models.ChatRoleAssistant, reply)

	status, ferr := o.finish(bg, t, perr, map[string]any{"steps": len(out.Steps)})
	res := TurnResult{TriggerType: TriggerUserMessage, TaskID: t.task.ID, Status: status, Reply: reply}
	if ferr != nil {
		return res, ferr
	}
	return res, perr
}

func (o *Orchestrator) runSystemEvent(ctx context.Context, req TurnRequest) (TurnResult, error) {
	res := TurnResult{TriggerType: TriggerSystemEvent}
	if !o.opts.ProactiveEnabled {
		res.Handled = boolPtr(false)
		return res, nil
	}
	obs, err := decodePayload[SystemEventPayload](req.Trigger.Payload)
	if err != nil {
		return res, err
	}
	if obs.SenderID == req.UserID {
		return res, fmt.Errorf("sender %s cannot be the recipient: %w", obs.SenderID, models.ErrInvalidInput)
	}

	hints := req.ContextHints
	hints.ConversationIDs = append(append([]string{}, hints.ConversationIDs...), obs.ConversationID)
	hints.UserIDs = append(append([]string{}, hints.UserIDs...), obs.SenderID)
	pack, err := o.assembler.Assemble(ctx, req.UserID, hints)
	if err != nil {
		return res, err
	}
	source := models.SourceInboundChannel
	if obs.IsDM {
		source = models.SourceInboundDM
	}
	t, err := o.start(ctx, req, source, obs.Body, pack)
	if err != nil {
		return res, err
	}
	t.defaultConversation = obs.ConversationID
	bg := context.WithoutCancel(ctx)

	scored := o.score(ctx, t, obs)
	mode := scored.Mode

	out, perr := o.runProvider(ctx, provider.TurnInput{
		Message:         inboundMessage(obs, t),
		RelevantContext: renderContext(pack),
		SystemPrompt:    proactivePrompt,
		MaxSteps:        o.opts.MaxSteps,
		Tools:           t.proactiveTools(mode),
	})
	status, ferr := o.finish(bg, t, perr, map[string]any{
		"mode":       string(mode),
		"finalScore": scored.FinalScore,
		"steps":      len(out.Steps),
	})
	res.TaskID, res.Status, res.Mode, res.Handled = t.task.ID, status, mode, boolPtr(true)
	if ferr != nil {
		return res, ferr
	}
	return res, perr
}

// score judges and blends relevance for an inbound message. A failing judge
// falls back to the rule judge rather than failing the turn.
func (o *Orchestrator) score(ctx context.Context, t *turn, obs relevance.Observation) relevance.Result {
	judgeCtx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	judgment, err := o.judge.Judge(judgeCtx, obs, t.pack)
	if err != nil {
		t.log.Warn("relevance judge failed; using rule judge", zap.Error(err))
		judgment, _ = relevance.RuleJudge{}.Judge(ctx, obs, t.pack)
	}
	scored := o.scorer.Score(obs, t.pack, judgment)
	conf := scored.Confidence
	t.confidence = &conf
	telemetry.RelevanceModes.WithLabelValues(string(scored.Mode)).Inc()
	t.event(ctx, "", models.EventRelevanceScored, scored.Rationale, map[string]any{
		"messageId":       obs.MessageID,
		"ruleScore":       scored.RuleScore,
		"modelScore":      scored.ModelScore,
		"finalScore":      scored.FinalScore,
		"confidence":      scored.Confidence,
		"explicitMention": scored.ExplicitMention,
		"mode":            string(scored.Mode),
		"signals":         scored.Signals,
	})
	return scored
}

// runBootstrap scans unread messages once per staleness window and briefs the
// user on anything above LOG_ONLY.
func (o *Orchestrator) runBootstrap(ctx context.Context, req TurnRequest) (TurnResult, error) {
	res := TurnResult{TriggerType: TriggerBootstrap}
	profile, err := o.store.GetProfile(ctx, req.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return res, fmt.Errorf("load profile: %w", err)
	}
	now := o.now()
	if last := profile.LastAnalysisAt; last != nil && now.Sub(*last) < o.opts.BootstrapStaleness {
		o.logger.Debug("bootstrap analysis still fresh", zap.String("user_id", req.UserID), zap.Time("last_analysis_at", *last))
		res.Skipped = true
		return res, nil
	}

	pack, err := o.assembler.Assemble(ctx, req.UserID, req.ContextHints)
	if err != nil {
		return res, err
	}
	unread, err := o.store.ListUnread(ctx, req.UserID, 50)
	if err != nil {
		return res, fmt.Errorf("list unread: %w", err)
	}
	t, err := o.start(ctx, req, models.SourceBootstrapAnalysis, fmt.Sprintf("%d unread messages", len(unread)), pack)
	if err != nil {
		return res, err
	}
	bg := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithTimeout(ctx, o.opts.TurnTimeout)
	defer cancel()
	modes := map[string]int{}
	isDM := map[string]bool{}
	var perr error
	for _, m := range unread {
		if runCtx.Err() != nil {
			perr = fmt.Errorf("bootstrap scan: %w", models.ErrTurnTimeout)
			break
		}
		dm, ok := isDM[m.ConversationID]
		if !ok {
			if conv, err := o.store.GetConversation(runCtx, m.ConversationID); err == nil {
				dm = conv.Kind == models.ConversationDM
			}
			isDM[m.ConversationID] = dm
		}
		obs := relevance.Observation{ConversationID: m.ConversationID, MessageID: m.ID, SenderID: m.SenderID, Body: m.Body, IsDM: dm}
		judgment, _ := relevance.RuleJudge{}.Judge(runCtx, obs, pack)
		scored := o.scorer.Score(obs, pack, judgment)
		telemetry.RelevanceModes.WithLabelValues(string(scored.Mode)).Inc()
		modes[string(scored.Mode)]++
		if scored.Mode == relevance.ModeLogOnly {
			continue
		}
		_, err := t.act(runCtx, actionSpec{
			Type:       models.ActionCreateBriefing,
			Payload:    bootstrapBriefing(obs, scored, t),
			Reasoning:  scored.Rationale,
			Confidence: scored.Confidence,
		})
		if err != nil && runCtx.Err() != nil {
			perr = fmt.Errorf("bootstrap scan: %w", models.ErrTurnTimeout)
			break
		}
	}

	if err := o.store.TouchLastAnalysis(bg, req.UserID, now); err != nil {
		t.log.Warn("touch last analysis failed", zap.Error(err))
	}
	status, ferr := o.finish(bg, t, perr, map[string]any{"scanned": len(unread), "modes": modes})
	res.TaskID, res.Status, res.Handled = t.task.ID, status, boolPtr(true)
	if ferr != nil {
		return res, ferr
	}
	return res, perr
}

func bootstrapBriefing(obs relevance.Observation, scored relevance.Result, t *turn) map[string]any {
	kind, importance, next := models.BriefingInfo, models.ImportanceLow, "Read when you have a moment"
	switch scored.Mode {
	case relevance.ModeAuto:
		kind, importance, next = models.BriefingSuggestion, models.ImportanceHigh, "Reply soon"
	case relevance.ModeSuggest:
		kind, importance, next = models.BriefingSuggestion, models.ImportanceMedium, "Consider replying"
	}
	return map[string]any{
		executor.KeySummary:     senderName(obs.SenderID, t) + ": " + clip(obs.Body, 200),
		executor.KeyKind:        kind,
		executor.KeyImportance:  importance,
		executor.KeyRecommended: next,
		executor.KeySourceRefs: []any{
			map[string]any{"kind": "message", "id": obs.MessageID},
			map[string]any{"kind": "conversation", "id": obs.ConversationID},
		},
	}
}

func inboundMessage(obs relevance.Observation, t *turn) string {
	where := "Direct message"
	if !obs.IsDM {
		where = "Channel message"
		for _, ch := range t.pack.Channels {
			if ch.ConversationID == obs.ConversationID {
				where = "Message in #" + ch.Slug
				break
			}
		}
	}
	return fmt.Sprintf("%s from %s: %s", where, senderName(obs.SenderID, t), obs.Body)
}

func senderName(id string, t *turn) string {
	if u, ok := t.pack.UserByID(id); ok {
		return u.Name
	}
	return id
}

func (t *turn) chat(ctx context.Context, role, content string) {
	taskID := t.task.ID
	if _, err := t.o.store.AppendChatTurn(ctx, models.ChatTurn{UserID: t.req.UserID, TaskID: &taskID, Role: role, Content: content}); err != nil {
		t.log.Warn("persist chat turn failed", zap.String("role", role), zap.Error(err))
	}
}
