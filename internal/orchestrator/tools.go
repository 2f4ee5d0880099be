package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"workspace-assistant/internal/executor"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/routing"
	"workspace-assistant/internal/store"
)

const commandConfidence = 0.9

// commandTools are offered to USER_MESSAGE turns.
func (t *turn) commandTools() []provider.Tool {
	return []provider.Tool{
		provider.NewTool(provider.ToolCreateTask, "Create a workspace task.", t.createTask),
		provider.NewTool(provider.ToolUpdateTask, "Update a workspace task's status, title or assignee.", t.updateTask),
		provider.NewTool(provider.ToolListTasks, "List the user's workspace tasks.", t.listTasks),
		provider.NewTool(provider.ToolListUsers, "List workspace members.", t.listUsers),
		provider.NewTool(provider.ToolQueryCalendar, "List the user's calendar events.", t.queryCalendar),
		provider.NewTool(provider.ToolCreateEvent, "Schedule a meeting.", t.createEvent),
		provider.NewTool(provider.ToolUpdateEvent, "Reschedule or rename a meeting.", t.updateEvent),
		provider.NewTool(provider.ToolDeleteEvent, "Cancel a meeting.", t.deleteEvent),
		provider.NewTool(provider.ToolSendMessage, "Send a message as the user to a person, channel or topic.", t.sendMessage),
	}
}

// proactiveTools are offered to SYSTEM_EVENT turns, gated by the relevance mode.
func (t *turn) proactiveTools(mode relevance.Mode) []provider.Tool {
	readContext := provider.NewTool(provider.ToolReadContext, "Read the recipient's workspace context.", t.readContext)
	logOnly := provider.NewTool(provider.ToolLogOnly, "Record that nothing needs doing.", t.logOnly)
	briefing := provider.NewTool(provider.ToolCreateBriefing, "Surface the message to the user as a briefing item.", t.createBriefing(mode))
	note := provider.NewTool(provider.ToolPrivateNote, "Write a private note only the user can see.", t.privateNote)
	send := provider.NewTool(provider.ToolSendMessage, "Reply as the user.", t.sendMessage)

	switch mode {
	case relevance.ModeAuto:
		return []provider.Tool{readContext, briefing, send, note, logOnly}
	case relevance.ModeSuggest:
		return []provider.Tool{readContext, briefing, note, logOnly}
	case relevance.ModeNotifyOnly:
		return []provider.Tool{readContext, briefing, logOnly}
	}
	return []provider.Tool{readContext, logOnly}
}

func (t *turn) reasoning() string {
	return "requested by " + t.req.UserID
}

func (t *turn) createTask(ctx context.Context, args provider.CreateTaskArgs) (string, error) {
	payload := map[string]any{executor.KeyTitle: args.Title}
	if args.Assignee != "" {
		payload[executor.KeyAssignee] = t.userRef(args.Assignee)
	}
	if args.DueAt != nil {
		payload[executor.KeyDueAt] = executor.FormatTime(*args.DueAt)
	}
	a, err := t.act(ctx, actionSpec{Type: models.ActionCreateWorkspaceTask, Payload: payload, Reasoning: t.reasoning(), Confidence: commandConfidence})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	return fmt.Sprintf("Created task %q.", args.Title), nil
}

func (t *turn) updateTask(ctx context.Context, args provider.UpdateTaskArgs) (string, error) {
	payload := map[string]any{}
	setIf(payload, executor.KeyTaskID, args.TaskID)
	setIf(payload, executor.KeyTitle, args.Title)
	setIf(payload, executor.KeyStatus, args.Status)
	setIf(payload, executor.KeyNewTitle, args.NewTitle)
	if args.Assignee != "" {
		payload[executor.KeyAssignee] = t.userRef(args.Assignee)
	}
	a, err := t.act(ctx, actionSpec{Type: models.ActionUpdateWorkspaceTask, Payload: payload, Reasoning: t.reasoning(), Confidence: commandConfidence})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	title, _ := a.Result["title"].(string)
	status, _ := a.Result["status"].(string)
	return fmt.Sprintf("Updated %q: %s.", title, statusLabel(status)), nil
}

func (t *turn) listTasks(ctx context.Context, args provider.ListTasksArgs) (string, error) {
	tasks, err := t.o.store.ListWorkspaceTasks(ctx, store.WorkspaceTaskFilter{UserID: t.req.UserID, Status: args.Status, Limit: 50})
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "You have no tasks.", nil
	}
	var b strings.Builder
	b.WriteString("Your tasks:")
	for _, task := range tasks {
		fmt.Fprintf(&b, "\n- %s (%s)", task.Title, statusLabel(task.Status))
	}
	return b.String(), nil
}

func (t *turn) listUsers(_ context.Context, _ provider.ListUsersArgs) (string, error) {
	if len(t.pack.Users) == 0 {
		return "No one else is here yet.", nil
	}
	names := make([]string, 0, len(t.pack.Users))
	for _, u := range t.pack.Users {
		names = append(names, u.Name)
	}
	return "People: " + strings.Join(names, ", ") + ".", nil
}

// queryCalendar degrades to an empty answer when calendar is not provisioned.
func (t *turn) queryCalendar(ctx context.Context, args provider.QueryCalendarArgs) (string, error) {
	if !t.pack.Capabilities.Calendar {
		return "Calendar isn't set up in this workspace yet.", nil
	}
	events, err := t.o.store.ListCalendarEvents(ctx, store.CalendarFilter{
		UserIDs:          []string{t.req.UserID},
		IncludeAttendees: t.pack.Capabilities.CalendarAttendees,
		Limit:            50,
	})
	if errors.Is(err, models.ErrSchemaOutdated) {
		return "Calendar isn't set up in this workspace yet.", nil
	}
	if err != nil {
		return "", fmt.Errorf("query calendar: %w", err)
	}
	q := strings.ToLower(strings.TrimSpace(args.Query))
	var lines []string
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if q != "" && !strings.Contains(strings.ToLower(ev.Title), q) {
			continue
		}
		if args.From != nil && ev.EndAt.Before(*args.From) {
			continue
		}
		if args.To != nil && ev.StartAt.After(*args.To) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s, %s", ev.Title, when(ev.StartAt, ev.EndAt)))
	}
	if len(lines) == 0 {
		return "Nothing on your calendar.", nil
	}
	return "Your calendar:\n" + strings.Join(lines, "\n"), nil
}

func (t *turn) createEvent(ctx context.Context, args provider.CreateEventArgs) (string, error) {
	payload := map[string]any{
		executor.KeyTitle:   args.Title,
		executor.KeyStartAt: executor.FormatTime(args.StartAt),
	}
	if args.EndAt != nil {
		payload[executor.KeyEndAt] = executor.FormatTime(*args.EndAt)
	}
	if args.DurationMinutes > 0 {
		payload[executor.KeyDurationMinutes] = args.DurationMinutes
	}
	if len(args.Attendees) > 0 {
		payload[executor.KeyAttendees] = t.userRefs(args.Attendees)
	}
	setIf(payload, executor.KeyDescription, args.Description)
	setIf(payload, executor.KeyLocation, args.Location)

	a, err := t.act(ctx, actionSpec{Type: models.ActionCreateCalendarEvent, Payload: payload, Reasoning: t.reasoning(), Confidence: commandConfidence})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	return fmt.Sprintf("Scheduled %q for %s%s.", args.Title, resultWhen(a.Result), t.withWhom(a.Result)), nil
}

func (t *turn) updateEvent(ctx context.Context, args provider.UpdateEventArgs) (string, error) {
	payload := map[string]any{}
	setIf(payload, executor.KeyEventID, args.EventID)
	setIf(payload, executor.KeyTitle, args.Title)
	setIf(payload, executor.KeyNewTitle, args.NewTitle)
	setTime(payload, executor.KeyHintStart, args.HintStart)
	setTime(payload, executor.KeyNewStartAt, args.NewStartAt)
	setTime(payload, executor.KeyNewEndAt, args.NewEndAt)
	if args.DurationMinutes > 0 {
		payload[executor.KeyDurationMinutes] = args.DurationMinutes
	}
	if args.Attendees != nil {
		payload[executor.KeyAttendees] = t.userRefs(args.Attendees)
	}
	a, err := t.act(ctx, actionSpec{Type: models.ActionUpdateCalendarEvent, Payload: payload, Reasoning: t.reasoning(), Confidence: commandConfidence})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	title, _ := a.Result["title"].(string)
	return fmt.Sprintf("Moved %q to %s.", title, resultWhen(a.Result)), nil
}

func (t *turn) deleteEvent(ctx context.Context, args provider.DeleteEventArgs) (string, error) {
	payload := map[string]any{}
	setIf(payload, executor.KeyEventID, args.EventID)
	setIf(payload, executor.KeyTitle, args.Title)
	setTime(payload, executor.KeyHintStart, args.HintStart)
	a, err := t.act(ctx, actionSpec{Type: models.ActionDeleteCalendarEvent, Payload: payload, Reasoning: t.reasoning(), Confidence: commandConfidence})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	title, _ := a.Result["title"].(string)
	return fmt.Sprintf("Cancelled %q.", title), nil
}

// sendMessage routes the message, creating a channel first when the topic has
// none, then sends it as the user.
func (t *turn) sendMessage(ctx context.Context, args provider.SendMessageArgs) (string, error) {
	target := models.ActionTarget{ConversationID: args.ConversationID}
	if target.ConversationID == "" {
		in := routing.Intent{Topic: args.Topic}
		if args.To != "" {
			in.TargetUserIDs = []string{t.userRef(args.To)}
		}
		if args.Channel != "" {
			in.TargetChannelSlugs = []string{args.Channel}
		}
		if args.To == "" && args.Channel == "" && args.Topic == "" && t.defaultConversation != "" {
			target.ConversationID = t.defaultConversation
		} else {
			decision := routing.New(t.findDM(ctx)).Plan(t.req.UserID, in, t.pack)
			t.event(ctx, "", models.EventRouteResolved, decision.Reason, map[string]any{
				"kind":           string(decision.Kind),
				"conversationId": decision.ConversationID,
				"channelSlug":    decision.ChannelSlug,
				"targetUserId":   decision.TargetUserID,
			})
			switch decision.Kind {
			case routing.KindConversation:
				target = models.ActionTarget{ConversationID: decision.ConversationID, ChannelSlug: decision.ChannelSlug}
			case routing.KindCreateDM:
				target = models.ActionTarget{UserID: decision.TargetUserID}
			case routing.KindCreateChannel:
				ch, err := t.act(ctx, actionSpec{
					Type:       models.ActionCreateChannel,
					Target:     models.ActionTarget{ChannelSlug: decision.ChannelSlug},
					Payload:    map[string]any{executor.KeyName: decision.ChannelName},
					Reasoning:  decision.Reason,
					Confidence: commandConfidence,
				})
				if err != nil {
					return "", err
				}
				if msg, ok := notExecuted(ch); ok {
					return msg, nil
				}
				target = ch.Target
			}
		}
	}

	mode := t.profile.AttributionMode
	if mode == "" {
		mode = models.AttributionOnBehalf
	}
	a, err := t.act(ctx, actionSpec{
		Type:       models.ActionSendMessage,
		Target:     target,
		Payload:    map[string]any{executor.KeyText: args.Text, executor.KeyAttribution: mode},
		Reasoning:  t.reasoning(),
		Confidence: commandConfidence,
	})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	return fmt.Sprintf("Sent to %s.", t.destinationLabel(a.Target)), nil
}

func (t *turn) readContext(_ context.Context, _ provider.ReadContextArgs) (string, error) {
	return renderContext(t.pack), nil
}

// createBriefing maps to INFORM_USER, or DRAFT_SUGGESTION when the mode only
// allows suggestions.
func (t *turn) createBriefing(mode relevance.Mode) func(context.Context, provider.CreateBriefingArgs) (string, error) {
	return func(ctx context.Context, args provider.CreateBriefingArgs) (string, error) {
		typ := models.ActionInformUser
		if mode == relevance.ModeSuggest {
			typ = models.ActionDraftSuggestion
		}
		payload := map[string]any{
			executor.KeySummary:    args.Summary,
			executor.KeySourceRefs: t.sourceRefs(),
		}
		setIf(payload, executor.KeyImportance, args.Importance)
		setIf(payload, executor.KeyRecommended, args.RecommendedAction)
		a, err := t.act(ctx, actionSpec{Type: typ, Payload: payload, Reasoning: "relevance mode " + string(mode), Confidence: t.conf()})
		if err != nil {
			return "", err
		}
		if msg, ok := notExecuted(a); ok {
			return msg, nil
		}
		return "Briefed: " + args.Summary, nil
	}
}

func (t *turn) privateNote(ctx context.Context, args provider.PrivateNoteArgs) (string, error) {
	a, err := t.act(ctx, actionSpec{
		Type:       models.ActionWritePrivateNote,
		Payload:    map[string]any{executor.KeyContent: args.Content},
		Reasoning:  "private note",
		Confidence: t.conf(),
	})
	if err != nil {
		return "", err
	}
	if msg, ok := notExecuted(a); ok {
		return msg, nil
	}
	return "Noted.", nil
}

func (t *turn) logOnly(ctx context.Context, args provider.LogOnlyArgs) (string, error) {
	reason := args.Reason
	if reason == "" {
		reason = "no action needed"
	}
	if _, err := t.act(ctx, actionSpec{
		Type:       models.ActionLogOnly,
		Payload:    map[string]any{executor.KeyReason: reason},
		Reasoning:  reason,
		Confidence: t.conf(),
	}); err != nil {
		return "", err
	}
	return "Logged without action.", nil
}

func (t *turn) conf() float64 {
	if t.confidence != nil {
		return *t.confidence
	}
	return commandConfidence
}

func (t *turn) sourceRefs() []any {
	if t.req.Trigger.Type != TriggerSystemEvent {
		return []any{}
	}
	obs, err := decodePayload[SystemEventPayload](t.req.Trigger.Payload)
	if err != nil {
		return []any{}
	}
	return []any{
		map[string]any{"kind": "message", "id": obs.MessageID},
		map[string]any{"kind": "conversation", "id": obs.ConversationID},
	}
}

// findDM adapts the store lookup to the router's pure lookup function.
func (t *turn) findDM(ctx context.Context) routing.DMLookup {
	return func(a, b string) (string, bool) {
		conv, err := t.o.store.FindDM(ctx, a, b)
		if err != nil {
			return "", false
		}
		return conv.ID, true
	}
}

// userRef resolves a name against the pack roster, leaving unknown references
// for the executor to reject.
func (t *turn) userRef(ref string) string {
	if id, ok := executor.MatchUser(t.pack.Users, ref); ok {
		return id
	}
	return ref
}

func (t *turn) userRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, t.userRef(r))
	}
	return out
}

func (t *turn) withWhom(result map[string]any) string {
	ids := executor.StringsOf(result, executor.KeyAttendees)
	var names []string
	for _, id := range ids {
		if id == t.req.UserID {
			continue
		}
		if u, ok := t.pack.UserByID(id); ok {
			names = append(names, u.Name)
		} else {
			names = append(names, id)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return " with " + strings.Join(names, ", ")
}

func (t *turn) destinationLabel(target models.ActionTarget) string {
	if target.ChannelSlug != "" {
		return "#" + target.ChannelSlug
	}
	if target.UserID != "" {
		if u, ok := t.pack.UserByID(target.UserID); ok {
			return u.Name
		}
		return target.UserID
	}
	for _, ch := range t.pack.Channels {
		if ch.ConversationID == target.ConversationID {
			return "#" + ch.Slug
		}
	}
	return "the conversation"
}

// notExecuted explains a SKIPPED action to the provider.
func notExecuted(a models.Action) (string, bool) {
	if a.Status != models.ActionSkipped {
		return "", false
	}
	switch a.Autonomy {
	case models.AutonomyOff:
		return "Your assistant settings don't allow that, so I didn't do it.", true
	case models.AutonomyReview:
		return "I've queued that for your review in briefings.", true
	}
	return "Skipped.", true
}

func setIf(p map[string]any, key, val string) {
	if val != "" {
		p[key] = val
	}
}

func setTime(p map[string]any, key string, v *time.Time) {
	if v != nil {
		p[key] = executor.FormatTime(*v)
	}
}

func statusLabel(s string) string {
	switch s {
	case models.WorkStatusDone:
		return "done"
	case models.WorkStatusInProgress:
		return "in progress"
	case models.WorkStatusOpen:
		return "open"
	}
	return strings.ToLower(s)
}

func resultWhen(result map[string]any) string {
	start, err1 := time.Parse(time.RFC3339, fmt.Sprint(result["startAt"]))
	end, err2 := time.Parse(time.RFC3339, fmt.Sprint(result["endAt"]))
	if err1 != nil || err2 != nil {
		return "the requested time"
	}
	return when(start, end)
}

func when(start, end time.Time) string {
	return fmt.Sprintf("%s to %s", start.Format("Mon Jan 2 15:04"), end.Format("15:04"))
}
