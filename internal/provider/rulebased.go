package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workspace-assistant/internal/models"
)

const helpText = `I can add or update tasks, list tasks or people, schedule, reschedule or cancel meetings, show your calendar, and send messages. Try: Add a task: "Legal review".`

// RuleBased is an AgentProvider that needs no model: commands go through an
// IntentParser and map to exactly one tool call.
type RuleBased struct {
	parser IntentParser
	now    func() time.Time
}

func NewRuleBased(parser IntentParser, now func() time.Time) *RuleBased {
	if parser == nil {
		parser = RuleParser{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RuleBased{parser: parser, now: now}
}

func (p *RuleBased) RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if err := ctx.Err(); err != nil {
		return TurnOutput{}, err
	}
	switch {
	case len(in.Tools) == 0:
		// A bare question, e.g. a relevance judgment. There is no model signal.
		return TurnOutput{Text: `{"score":0.5,"confidence":0.5,"rationale":"rule-based provider has no model signal"}`}, nil
	case hasTool(in.Tools, ToolReadContext):
		return p.proactive(ctx, in)
	default:
		return p.command(ctx, in)
	}
}

func (p *RuleBased) command(ctx context.Context, in TurnInput) (TurnOutput, error) {
	intent := p.parser.Parse(in.Message, p.now())
	name, args := commandCall(intent)
	if name == "" {
		return TurnOutput{Text: helpText}, nil
	}
	if !hasTool(in.Tools, name) {
		return TurnOutput{Text: fmt.Sprintf("I can't %s in this conversation.", strings.ReplaceAll(name, "_", " "))}, nil
	}
	step, err := Call(ctx, in.Tools, name, args)
	out := TurnOutput{Steps: []ToolCall{step}}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Text = failureText(err)
		return out, nil
	}
	out.Text = step.Output
	return out, nil
}

func commandCall(in Intent) (string, any) {
	switch in.Kind {
	case IntentCreateTask:
		return ToolCreateTask, CreateTaskArgs{Title: in.Title}
	case IntentUpdateTaskStatus:
		return ToolUpdateTask, UpdateTaskArgs{Title: in.Title, Status: in.Status}
	case IntentListTasks:
		return ToolListTasks, ListTasksArgs{}
	case IntentListUsers:
		return ToolListUsers, ListUsersArgs{}
	case IntentShowCalendar:
		return ToolQueryCalendar, QueryCalendarArgs{}
	case IntentScheduleMeeting:
		return ToolCreateEvent, CreateEventArgs{
			Title:           in.Title,
			StartAt:         *in.Start,
			DurationMinutes: int(in.Duration / time.Minute),
			Attendees:       in.Attendees,
		}
	case IntentRescheduleMeeting:
		return ToolUpdateEvent, UpdateEventArgs{
			Title:           in.Title,
			NewStartAt:      in.Start,
			DurationMinutes: int(in.Duration / time.Minute),
		}
	case IntentCancelMeeting:
		return ToolDeleteEvent, DeleteEventArgs{Title: in.Title, HintStart: in.Start}
	case IntentSendMessage:
		args := SendMessageArgs{Text: in.Text}
		if strings.HasPrefix(in.Target, "#") {
			args.Channel = strings.TrimPrefix(in.Target, "#")
		} else {
			args.To = in.Target
		}
		return ToolSendMessage, args
	}
	return "", nil
}

// proactive reads context, then surfaces the inbound message as a briefing when
// the offered tools allow it, otherwise only logs it.
func (p *RuleBased) proactive(ctx context.Context, in TurnInput) (TurnOutput, error) {
	out := TurnOutput{}
	step, err := Call(ctx, in.Tools, ToolReadContext, ReadContextArgs{})
	out.Steps = append(out.Steps, step)
	if err != nil {
		return out, err
	}

	summary := firstLine(in.Message)
	if hasTool(in.Tools, ToolCreateBriefing) {
		importance := models.ImportanceMedium
		if hasTool(in.Tools, ToolSendMessage) {
			importance = models.ImportanceHigh
		}
		step, err = Call(ctx, in.Tools, ToolCreateBriefing, CreateBriefingArgs{
			Summary:           summary,
			Importance:        importance,
			RecommendedAction: "Review and reply",
		})
	} else {
		step, err = Call(ctx, in.Tools, ToolLogOnly, LogOnlyArgs{Reason: "below notification threshold"})
	}
	out.Steps = append(out.Steps, step)
	if err != nil && ctx.Err() != nil {
		return out, ctx.Err()
	}
	out.Text = step.Output
	return out, nil
}

func hasTool(tools []Tool, name string) bool {
	_, ok := Find(tools, name)
	return ok
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "New message"
	}
	return s
}

func failureText(err error) string {
	switch models.ErrorCode(err) {
	case "not_found":
		return "I couldn't find that."
	case "unresolvable_target":
		return "I couldn't figure out where to send that."
	case "schema_outdated":
		return "Calendar isn't set up in this workspace yet."
	case "version_conflict":
		return "That item changed while I was editing it. Please try again."
	case "invalid_input":
		return "I couldn't understand the details of that request."
	default:
		return "Something went wrong while doing that."
	}
}
