package provider

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspace-assistant/internal/models"
)

// Monday 2 March 2026, 10:00 UTC.
var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestRuleParser(t *testing.T) {
	tomorrow := func(h, m int) time.Time { return time.Date(2026, 3, 3, h, m, 0, 0, time.UTC) }
	_ = tomorrow
	p := RuleParser{}

	tests := []struct {
		text string
		want Intent
	}{
		{`Add a task: "Legal review"`, Intent{Kind: IntentCreateTask, Title: "Legal review"}},
		{`create task Update the deck`, Intent{Kind: IntentCreateTask, Title: "Update the deck"}},
		{`Mark task "Legal review" done`, Intent{Kind: IntentUpdateTaskStatus, Title: "Legal review", Status: "DONE"}},
		{`mark Legal review as in progress`, Intent{Kind: IntentUpdateTaskStatus, Title: "Legal review", Status: "IN_PROGRESS"}},
		{`show my tasks`, Intent{Kind: IntentListTasks}},
		{`who are the people here`, Intent{Kind: IntentListUsers}},
		{`What's on my calendar?`, Intent{Kind: IntentShowCalendar}},
		{`Tell Diego that the deck is ready`, Intent{Kind: IntentSendMessage, Target: "Diego", Text: "the deck is ready"}},
		{`send #general: standup moved`, Intent{Kind: IntentSendMessage, Target: "#general", Text: "standup moved"}},
		{`hello there`, Intent{Kind: IntentUnknown, Text: "hello there"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Parse(tt.text, now))
		})
	}
}

func TestRuleParserCalendar(t *testing.T) {
	p := RuleParser{}

	in := p.Parse(`Schedule a meeting "Roadmap review" tomorrow at 3pm for 45 minutes`, now)
	assert.Equal(t, IntentScheduleMeeting, in.Kind)
	assert.Equal(t, "Roadmap review", in.Title)
	require.NotNil(t, in.Start)
	assert.Equal(t, time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC), *in.Start)
	assert.Equal(t, 45*time.Minute, in.Duration)

	in = p.Parse(`Schedule a sync with Diego and Bob on friday at 15:30 for 1 hour`, now)
	assert.Equal(t, "Meeting", in.Title)
	assert.Equal(t, []string{"Diego", "Bob"}, in.Attendees)
	assert.Equal(t, time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC), *in.Start)
	assert.Equal(t, time.Hour, in.Duration)

	in = p.Parse(`schedule Budget planning with @diego`, now)
	assert.Equal(t, "Budget planning", in.Title)
	assert.Equal(t, []string{"diego"}, in.Attendees)
	assert.Equal(t, 30*time.Minute, in.Duration)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), *in.Start)

	in = p.Parse(`Reschedule "Roadmap review" to tomorrow at 4pm`, now)
	assert.Equal(t, IntentRescheduleMeeting, in.Kind)
	assert.Equal(t, "Roadmap review", in.Title)
	assert.Equal(t, time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC), *in.Start)
	assert.Zero(t, in.Duration)

	in = p.Parse(`Cancel meeting "Roadmap review"`, now)
	assert.Equal(t, IntentCancelMeeting, in.Kind)
	assert.Equal(t, "Roadmap review", in.Title)
	assert.Nil(t, in.Start)

	in = p.Parse(`cancel monday standup`, now)
	assert.Equal(t, "Meeting", in.Title)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), *in.Start)
}

type echoArgs struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count,omitempty" validate:"omitempty,min=1"`
}

func TestNewToolValidatesArgs(t *testing.T) {
	tool := NewTool("echo", "echo a name", func(_ context.Context, a echoArgs) (string, error) {
		return "hi " + a.Name, nil
	})

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"name":"bob"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi bob", out)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"count":0}`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"name":"bob","count":-2}`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`not json`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	assert.Equal(t, []string{"name"}, tool.Schema["required"])
}

func TestRuleBasedCommandCallsOneTool(t *testing.T) {
	var got CreateTaskArgs
	tools := []Tool{NewTool(ToolCreateTask, "", func(_ context.Context, a CreateTaskArgs) (string, error) {
		got = a
		return `Created task "` + a.Title + `".`, nil
	})}
	p := NewRuleBased(nil, func() time.Time { return now })

	out, err := p.RunTurn(context.Background(), TurnInput{Message: `Add a task: "Legal review"`, Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, "Legal review", got.Title)
	assert.Equal(t, `Created task "Legal review".`, out.Text)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, ToolCreateTask, out.Steps[0].Name)

	out, err = p.RunTurn(context.Background(), TurnInput{Message: "hello", Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, helpText, out.Text)
	assert.Empty(t, out.Steps)
}

func TestRuleBasedToolFailureIsReply(t *testing.T) {
	tools := []Tool{NewTool(ToolDeleteEvent, "", func(context.Context, DeleteEventArgs) (string, error) {
		return "", models.ErrSchemaOutdated
	})}
	out, err := NewRuleBased(nil, nil).RunTurn(context.Background(), TurnInput{Message: `Cancel meeting "x"`, Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, "Calendar isn't set up in this workspace yet.", out.Text)
	assert.Equal(t, "schema_outdated", out.Steps[0].Err)
}

func TestRuleBasedProactiveRespectsOfferedTools(t *testing.T) {
	var called []string
	record := func(name string) Tool {
		return Tool{Name: name, Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			called = append(called, name)
			return name + " ok", nil
		}}
	}
	p := NewRuleBased(nil, nil)

	_, err := p.RunTurn(context.Background(), TurnInput{Message: "can you review?", Tools: []Tool{record(ToolReadContext), record(ToolLogOnly)}})
	require.NoError(t, err)
	assert.Equal(t, []string{ToolReadContext, ToolLogOnly}, called)

	called = nil
	out, err := p.RunTurn(context.Background(), TurnInput{Message: "can you review?", Tools: []Tool{record(ToolReadContext), record(ToolCreateBriefing), record(ToolLogOnly)}})
	require.NoError(t, err)
	assert.Equal(t, []string{ToolReadContext, ToolCreateBriefing}, called)
	assert.Equal(t, "create_briefing ok", out.Text)
}

func TestRuleBasedHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRuleBased(nil, nil).RunTurn(ctx, TurnInput{Message: "list tasks"})
	assert.ErrorIs(t, err, context.Canceled)
}
