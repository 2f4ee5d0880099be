package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/store/memstore"
)

// Monday.
var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type harness struct {
	ctx     context.Context
	st      *memstore.Store
	o       *Orchestrator
	general models.Channel
}

func newHarness(t *testing.T, p provider.AgentProvider, mutate ...func(*Deps, *Options)) *harness {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	for _, u := range []models.User{
		{ID: "alice", Name: "Alice Park"},
		{ID: "bob", Name: "Bob Lee"},
		{ID: "diego", Name: "Diego Ruiz"},
	} {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	general, _, err := st.CreateChannel(ctx, store.CreateChannelParams{
		Slug: "general", Name: "General", CreatedBy: "alice", MemberIDs: []string{"alice", "bob", "diego"},
	})
	require.NoError(t, err)

	if p == nil {
		p = provider.NewRuleBased(nil, func() time.Time { return now })
	}
	deps := Deps{Store: st, Provider: p, Now: func() time.Time { return now }}
	opts := Options{ProactiveEnabled: true, BootstrapStaleness: time.Hour, TurnTimeout: 5 * time.Second}
	for _, m := range mutate {
		m(&deps, &opts)
	}
	return &harness{ctx: ctx, st: st, o: New(deps, opts), general: general}
}

func (h *harness) say(t *testing.T, userID, text string) TurnResult {
	t.Helper()
	res, err := h.o.Run(h.ctx, NewUserMessage(userID, text))
	require.NoError(t, err)
	return res
}

func (h *harness) events(t *testing.T, taskID, typ string) []models.EventLog {
	t.Helper()
	all, err := h.st.ListEvents(h.ctx, taskID)
	require.NoError(t, err)
	out := []models.EventLog{}
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) actions(t *testing.T, taskID string) []models.Action {
	t.Helper()
	out, err := h.st.ListActions(h.ctx, taskID)
	require.NoError(t, err)
	return out
}

func (h *harness) calendar(t *testing.T) []models.CalendarEvent {
	t.Helper()
	out, err := h.st.ListCalendarEvents(h.ctx, store.CalendarFilter{UserIDs: []string{"alice"}})
	require.NoError(t, err)
	return out
}

func (h *harness) briefings(t *testing.T, userID string) []models.BriefingItem {
	t.Helper()
	out, err := h.st.ListBriefingItems(h.ctx, userID, "", 50)
	require.NoError(t, err)
	return out
}

type scriptedCall struct {
	tool string
	args any
}

// scripted invokes a fixed list of tools, ignoring the message. With
// keepGoing set a failed tool is reported in its step, the way a model sees
// a tool error, and the script moves on.
type scripted struct {
	calls     []scriptedCall
	keepGoing bool
}

func (s scripted) RunTurn(ctx context.Context, in provider.TurnInput) (provider.TurnOutput, error) {
	out := provider.TurnOutput{}
	for _, c := range s.calls {
		step, err := provider.Call(ctx, in.Tools, c.tool, c.args)
		out.Steps = append(out.Steps, step)
		if err != nil && !s.keepGoing {
			return out, err
		}
		out.Text = step.Output
	}
	return out, nil
}

type blocking struct{}

func (blocking) RunTurn(ctx context.Context, _ provider.TurnInput) (provider.TurnOutput, error) {
	<-ctx.Done()
	return provider.TurnOutput{}, ctx.Err()
}

type brokenJudge struct{}

func (brokenJudge) Judge(context.Context, relevance.Observation, contextpack.Pack) (relevance.Judgment, error) {
	return relevance.Judgment{}, errors.New("model unavailable")
}

func TestCreateThenCompleteWorkspaceTask(t *testing.T) {
	h := newHarness(t, nil)

	res := h.say(t, "alice", `Add a task: "Legal review"`)
	assert.Equal(t, models.TaskCompleted, res.Status)
	assert.Equal(t, `Created task "Legal review".`, res.Reply)

	done := h.events(t, res.TaskID, models.EventTurnCompleted)
	require.Len(t, done, 1)
	mix, ok := done[0].Metadata["actionMix"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, mix[string(models.ActionCreateWorkspaceTask)])

	res = h.say(t, "alice", `Mark task "Legal review" done`)
	assert.Equal(t, models.TaskCompleted, res.Status)

	tasks, err := h.st.ListWorkspaceTasks(h.ctx, store.WorkspaceTaskFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Legal review", tasks[0].Title)
	assert.Equal(t, "DONE", tasks[0].Status)

	turns, err := h.st.ListChatTurns(h.ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestScheduleRescheduleCancelKeepsOneEvent(t *testing.T) {
	h := newHarness(t, nil)

	h.say(t, "alice", `Schedule a meeting "Roadmap review" tomorrow at 3pm for 45 minutes`)
	events := h.calendar(t)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC), events[0].StartAt)
	assert.Equal(t, 45*time.Minute, events[0].EndAt.Sub(events[0].StartAt))

	res := h.say(t, "alice", `Reschedule "Roadmap review" to tomorrow at 4pm`)
	assert.Equal(t, models.TaskCompleted, res.Status)
	events = h.calendar(t)
	require.Len(t, events, 1, "reschedule must not duplicate")
	assert.Equal(t, time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC), events[0].StartAt)
	assert.Equal(t, 45*time.Minute, events[0].EndAt.Sub(events[0].StartAt))
	assert.Equal(t, 2, events[0].Version)

	h.say(t, "alice", `Cancel meeting "Roadmap review"`)
	assert.Empty(t, h.calendar(t))
}

func TestScheduleWithNamedAttendee(t *testing.T) {
	h := newHarness(t, nil)

	res := h.say(t, "alice", `Schedule a meeting "Design sync" with Diego on friday at 15:30`)
	assert.Equal(t, models.TaskCompleted, res.Status)
	assert.Contains(t, res.Reply, "Diego Ruiz")

	events := h.calendar(t)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC), events[0].StartAt)
	assert.ElementsMatch(t, []string{"alice", "diego"}, events[0].AttendeeIDs)
}

func TestSendToPersonOpensDMOnceAndReplayIsSafe(t *testing.T) {
	h := newHarness(t, nil)

	res := h.say(t, "alice", "Tell Diego that the deck is ready")
	require.Equal(t, models.TaskCompleted, res.Status)
	dm, err := h.st.FindDM(h.ctx, "alice", "diego")
	require.NoError(t, err)

	deliveries, err := h.st.ListDeliveries(h.ctx, res.TaskID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// Nothing is left PLANNED, so a replay is a no-op.
	replayed, err := h.o.Executor().ExecutePending(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Empty(t, replayed)
	deliveries, err = h.st.ListDeliveries(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)

	res = h.say(t, "alice", "Tell Diego that the notes are up")
	routes := h.events(t, res.TaskID, models.EventRouteResolved)
	require.Len(t, routes, 1)
	assert.Equal(t, "conversation", routes[0].Metadata["kind"])
	assert.Equal(t, dm.ID, routes[0].Metadata["conversationId"])
}

func TestUnresolvableRecipientFailsTurn(t *testing.T) {
	h := newHarness(t, nil)

	res := h.say(t, "alice", "Tell zed that hi")
	assert.Equal(t, models.TaskFailedError, res.Status)
	assert.Equal(t, "I couldn't figure out where to send that.", res.Reply)

	task, err := h.st.GetTask(h.ctx, res.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ErrorCode)
	assert.Equal(t, "actions_failed", *task.ErrorCode)

	acts := h.actions(t, res.TaskID)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionFailed, acts[0].Status)
}

func TestOneFailedSideEffectKeepsTurnCompleted(t *testing.T) {
	p := scripted{keepGoing: true, calls: []scriptedCall{
		{provider.ToolCreateTask, provider.CreateTaskArgs{Title: "Draft notes"}},
		{provider.ToolSendMessage, provider.SendMessageArgs{To: "bob", Text: "notes are up"}},
	}}
	h := newHarness(t, p)
	h.st.FailOn("CreateMessage", errors.New("write refused"))

	res := h.say(t, "alice", "add the task and tell bob")
	assert.Equal(t, models.TaskCompleted, res.Status)

	acts := h.actions(t, res.TaskID)
	require.Len(t, acts, 2)
	assert.Equal(t, models.ActionExecuted, acts[0].Status)
	assert.Equal(t, models.ActionFailed, acts[1].Status)
	assert.Equal(t, models.ActionSendMessage, acts[1].Type)

	done := h.events(t, res.TaskID, models.EventTurnCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Metadata["failed"])
	mix, ok := done[0].Metadata["actionMix"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, mix[string(models.ActionCreateWorkspaceTask)])
	assert.NotContains(t, mix, string(models.ActionSendMessage))

	tasks, err := h.st.ListWorkspaceTasks(h.ctx, store.WorkspaceTaskFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	deliveries, err := h.st.ListDeliveries(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestSendToNewTopicCreatesChannel(t *testing.T) {
	p := scripted{calls: []scriptedCall{{provider.ToolSendMessage, provider.SendMessageArgs{Topic: "Project Plan", Text: "kickoff on thursday"}}}}
	h := newHarness(t, p)

	res := h.say(t, "alice", "let the project plan folks know")
	require.Equal(t, models.TaskCompleted, res.Status)

	ch, err := h.st.GetChannelBySlug(h.ctx, "project-plan")
	require.NoError(t, err)
	acts := h.actions(t, res.TaskID)
	require.Len(t, acts, 2)
	assert.Equal(t, models.ActionCreateChannel, acts[0].Type)
	assert.Equal(t, models.ActionSendMessage, acts[1].Type)
	assert.Equal(t, ch.ConversationID, acts[1].Target.ConversationID)

	msgs, err := h.st.ListMessages(h.ctx, store.MessageFilter{VisibleTo: "alice", ConversationIDs: []string{ch.ConversationID}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].ViaAssistant)
}

func TestPolicyGating(t *testing.T) {
	t.Run("review skips and briefs", func(t *testing.T) {
		h := newHarness(t, nil)
		h.st.AddPolicyRule(models.PolicyRule{UserID: "alice", ScopeType: models.ScopeAction, ScopeKey: string(models.ActionCreateWorkspaceTask), Autonomy: models.AutonomyReview})

		res := h.say(t, "alice", `Add a task: "Legal review"`)
		assert.Equal(t, models.TaskCompleted, res.Status)

		acts := h.actions(t, res.TaskID)
		require.Len(t, acts, 1)
		assert.Equal(t, models.ActionSkipped, acts[0].Status)
		assert.Len(t, h.events(t, res.TaskID, models.EventPolicyReviewRequired), 1)

		items := h.briefings(t, "alice")
		require.Len(t, items, 1)
		assert.Equal(t, models.BriefingReview, items[0].Kind)
		require.Len(t, items[0].SourceRefs, 1)
		assert.Equal(t, acts[0].ID, items[0].SourceRefs[0].ID)

		tasks, err := h.st.ListWorkspaceTasks(h.ctx, store.WorkspaceTaskFilter{UserID: "alice"})
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("off blocks silently", func(t *testing.T) {
		h := newHarness(t, nil)
		req := NewUserMessage("alice", `Add a task: "Legal review"`)
		req.RequestedMode = models.AutonomyOff

		res, err := h.o.Run(h.ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, res.Status)
		assert.Len(t, h.events(t, res.TaskID, models.EventPolicyBlocked), 1)
		assert.Empty(t, h.briefings(t, "alice"))

		acts := h.actions(t, res.TaskID)
		require.Len(t, acts, 1)
		assert.Equal(t, models.ActionSkipped, acts[0].Status)
		assert.Equal(t, models.AutonomyOff, acts[0].Autonomy)
	})
}

func TestProviderTimeoutFailsTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, blocking{}, func(_ *Deps, o *Options) { o.TurnTimeout = 20 * time.Millisecond })

	res, err := h.o.Run(h.ctx, NewUserMessage("alice", "anything"))
	require.ErrorIs(t, err, models.ErrTurnTimeout)
	assert.Equal(t, models.TaskFailedTimeout, res.Status)

	task, err := h.st.GetTask(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailedTimeout, task.Status)
	require.NotNil(t, task.ErrorCode)
	assert.Equal(t, "timeout", *task.ErrorCode)
	assert.Len(t, h.events(t, res.TaskID, models.EventTurnFailed), 1)
}

func TestInvalidRequestsCreateNoTask(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.o.Run(h.ctx, NewUserMessage("", "hello"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, res.TaskID)

	res, err = h.o.Run(h.ctx, NewUserMessage("alice", ""))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, res.TaskID)

	res, err = h.o.Run(h.ctx, NewUserMessage("nobody", "hello"))
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, res.TaskID)

	res, err = h.o.Run(h.ctx, TurnRequest{UserID: "alice", Trigger: Trigger{Type: "WEBHOOK"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, res.TaskID)
}

func TestSystemEventForRecipient(t *testing.T) {
	h := newHarness(t, nil)
	dm, _, err := h.st.FindOrCreateDM(h.ctx, "bob", "alice")
	require.NoError(t, err)
	msg, err := h.st.CreateMessage(h.ctx, store.CreateMessageParams{ConversationID: dm.ID, SenderID: "bob", Body: "Alice, can you review the deck today?"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		runs []TurnResult
	)
	enq := EnqueueFunc(func(ctx context.Context, req TurnRequest) error {
		res, err := h.o.Run(ctx, req)
		mu.Lock()
		runs = append(runs, res)
		mu.Unlock()
		return err
	})
	n, err := NewDispatcher(h.st, enq, nil).MessageCreated(h.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, runs, 1)

	res := runs[0]
	require.NotNil(t, res.Handled)
	assert.True(t, *res.Handled)
	assert.Equal(t, models.TaskCompleted, res.Status)
	assert.Equal(t, relevance.ModeSuggest, res.Mode)

	task, err := h.st.GetTask(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "alice", task.UserID)
	assert.Equal(t, models.SourceInboundDM, task.Source)
	assert.Len(t, h.events(t, res.TaskID, models.EventRelevanceScored), 1)

	items := h.briefings(t, "alice")
	require.Len(t, items, 1)
	assert.Equal(t, models.BriefingSuggestion, items[0].Kind)
	assert.Empty(t, h.briefings(t, "bob"))
}

func TestDispatchFansOutToOtherMembers(t *testing.T) {
	h := newHarness(t, nil)
	var got []string
	enq := EnqueueFunc(func(_ context.Context, req TurnRequest) error {
		got = append(got, req.UserID)
		return nil
	})
	d := NewDispatcher(h.st, enq, nil)

	msg, err := h.st.CreateMessage(h.ctx, store.CreateMessageParams{ConversationID: h.general.ConversationID, SenderID: "bob", Body: "lunch is here"})
	require.NoError(t, err)
	n, err := d.MessageCreated(h.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"alice", "diego"}, got)

	got = nil
	msg, err = h.st.CreateMessage(h.ctx, store.CreateMessageParams{ConversationID: h.general.ConversationID, SenderID: "alice", Body: "on my way", ViaAssistant: true})
	require.NoError(t, err)
	n, err = d.MessageCreated(h.ctx, msg)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, got)
}

func TestLowRelevanceChannelMessageOnlyLogs(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) { d.Judge = brokenJudge{} })
	obs := SystemEventPayload{ConversationID: h.general.ConversationID, MessageID: "m1", SenderID: "bob", Body: "lunch is here"}

	res, err := h.o.Run(h.ctx, NewSystemEvent("alice", obs))
	require.NoError(t, err)
	assert.Equal(t, relevance.ModeLogOnly, res.Mode)
	assert.Equal(t, models.TaskCompleted, res.Status)

	acts := h.actions(t, res.TaskID)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionLogOnly, acts[0].Type)
	assert.Empty(t, h.briefings(t, "alice"))
}

func TestSystemEventGuards(t *testing.T) {
	obs := SystemEventPayload{ConversationID: "c1", MessageID: "m1", SenderID: "bob", Body: "hi"}

	h := newHarness(t, nil, func(_ *Deps, o *Options) { o.ProactiveEnabled = false })
	res, err := h.o.Run(h.ctx, NewSystemEvent("alice", obs))
	require.NoError(t, err)
	require.NotNil(t, res.Handled)
	assert.False(t, *res.Handled)
	assert.Empty(t, res.TaskID)

	h = newHarness(t, nil)
	res, err = h.o.Run(h.ctx, NewSystemEvent("bob", obs))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, res.TaskID)
}

func TestBootstrapBriefsUnreadOncePerWindow(t *testing.T) {
	h := newHarness(t, nil)
	dm, _, err := h.st.FindOrCreateDM(h.ctx, "bob", "alice")
	require.NoError(t, err)
	_, err = h.st.CreateMessage(h.ctx, store.CreateMessageParams{ConversationID: dm.ID, SenderID: "bob", Body: "Alice, can you review the deck today?"})
	require.NoError(t, err)
	_, err = h.st.CreateMessage(h.ctx, store.CreateMessageParams{ConversationID: h.general.ConversationID, SenderID: "diego", Body: "lunch is here"})
	require.NoError(t, err)

	res, err := h.o.Run(h.ctx, NewBootstrap("alice"))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, models.TaskCompleted, res.Status)

	items := h.briefings(t, "alice")
	require.Len(t, items, 1)
	assert.Equal(t, models.BriefingSuggestion, items[0].Kind)
	assert.Equal(t, models.ImportanceMedium, items[0].Importance)

	done := h.events(t, res.TaskID, models.EventTurnCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Metadata["scanned"])

	profile, err := h.st.GetProfile(h.ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, profile.LastAnalysisAt)
	assert.True(t, profile.LastAnalysisAt.Equal(now))

	res, err = h.o.Run(h.ctx, NewBootstrap("alice"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.TaskID)
	assert.Len(t, h.briefings(t, "alice"), 1)
}

func TestWithWhomReadsDecodedAttendees(t *testing.T) {
	tr := &turn{
		req:  TurnRequest{UserID: "alice"},
		pack: contextpack.Pack{Users: []models.User{{ID: "alice", Name: "Alice Park"}, {ID: "diego", Name: "Diego Ruiz"}}},
	}
	// Results read back from Postgres carry JSON-decoded lists.
	assert.Equal(t, " with Diego Ruiz", tr.withWhom(map[string]any{"attendeeIds": []any{"alice", "diego"}}))
	assert.Equal(t, " with Diego Ruiz, zed", tr.withWhom(map[string]any{"attendeeIds": []string{"diego", "zed"}}))
	assert.Empty(t, tr.withWhom(map[string]any{}))
}
