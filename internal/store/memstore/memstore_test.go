package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

func TestFindOrCreateDMIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, created, err := s.FindOrCreateDM(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.FindOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"alice", "bob"}, second.MemberIDs)
	require.NotNil(t, second.DMKey)
	assert.Equal(t, "alice:bob", *second.DMKey)

	found, err := s.FindDM(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestCreateChannelSlugConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, conv, err := s.CreateChannel(ctx, store.CreateChannelParams{Slug: "project-plan", Name: "Project Plan", CreatedBy: "alice", MemberIDs: []string{"alice", "bob", "alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.MemberIDs)

	_, _, err = s.CreateChannel(ctx, store.CreateChannelParams{Slug: "project-plan", Name: "Project Plan", CreatedBy: "bob"})
	assert.ErrorIs(t, err, models.ErrConflict)

	ch, err := s.GetChannelBySlug(ctx, "PROJECT-PLAN")
	require.NoError(t, err)
	assert.Equal(t, "alice", ch.CreatedBy)
}

func TestTransitionActionIsOneWay(t *testing.T) {
	ctx := context.Background()
	s := New()

	task, err := s.CreateTask(ctx, store.CreateTaskParams{UserID: "alice", Source: models.SourceUserMessage, Input: "hi"})
	require.NoError(t, err)
	action, err := s.CreateAction(ctx, store.CreateActionParams{TaskID: task.ID, UserID: "alice", Seq: 0, Type: models.ActionLogOnly})
	require.NoError(t, err)
	assert.Equal(t, models.ActionPlanned, action.Status)

	_, err = s.CreateAction(ctx, store.CreateActionParams{TaskID: task.ID, UserID: "alice", Seq: 0, Type: models.ActionLogOnly})
	assert.ErrorIs(t, err, models.ErrConflict)

	done, err := s.TransitionAction(ctx, store.ActionTransition{ID: action.ID, From: models.ActionPlanned, To: models.ActionExecuted, Autonomy: models.AutonomyAuto})
	require.NoError(t, err)
	assert.NotNil(t, done.ExecutedAt)

	_, err = s.TransitionAction(ctx, store.ActionTransition{ID: action.ID, From: models.ActionPlanned, To: models.ActionFailed})
	assert.ErrorIs(t, err, models.ErrAlreadyFinalized)
}

func TestTransitionTaskGuardsFromStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	task, err := s.CreateTask(ctx, store.CreateTaskParams{UserID: "alice", Source: models.SourceUserMessage})
	require.NoError(t, err)

	require.NoError(t, s.TransitionTask(ctx, store.TaskTransition{ID: task.ID, From: models.TaskPending, To: models.TaskRunning}))
	err = s.TransitionTask(ctx, store.TaskTransition{ID: task.ID, From: models.TaskPending, To: models.TaskRunning})
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, s.TransitionTask(ctx, store.TaskTransition{ID: task.ID, From: models.TaskRunning, To: models.TaskCompleted}))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestOutboundDeliveryUniquePerAction(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, _, err := s.FindOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	msg := store.CreateMessageParams{ConversationID: conv.ID, SenderID: "alice", Body: "hi", ViaAssistant: true}
	d := models.OutboundDelivery{TaskID: "t1", ActionID: "a1", SenderID: "alice", AttributionMode: models.AttributionOnBehalf}

	m, got, err := s.CreateMessageWithDelivery(ctx, msg, d)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.MessageID)
	assert.Equal(t, conv.ID, got.ConversationID)

	_, _, err = s.CreateMessageWithDelivery(ctx, msg, d)
	assert.ErrorIs(t, err, models.ErrConflict)

	list, err := s.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	msgs, err := s.ListMessages(ctx, store.MessageFilter{ConversationIDs: []string{conv.ID}})
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "a rejected delivery must not leave its message behind")
}

func TestMessageWithDeliveryInjectedFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	conv, _, err := s.FindOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	s.FailOn("CreateOutboundDelivery", assert.AnError)

	_, _, err = s.CreateMessageWithDelivery(ctx,
		store.CreateMessageParams{ConversationID: conv.ID, SenderID: "alice", Body: "hi"},
		models.OutboundDelivery{TaskID: "t1", ActionID: "a1", SenderID: "alice"})
	assert.ErrorIs(t, err, assert.AnError)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{ConversationIDs: []string{conv.ID}})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	s.FailOn("CreateOutboundDelivery", nil)
	_, _, err = s.CreateMessageWithDelivery(ctx,
		store.CreateMessageParams{ConversationID: conv.ID, SenderID: "alice", Body: "hi"},
		models.OutboundDelivery{TaskID: "t1", ActionID: "a1", SenderID: "alice"})
	assert.NoError(t, err)
}

func TestCalendarVersionConflictAndAttendees(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	ev, err := s.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{OwnerID: "alice", Title: "Sync", StartAt: start, EndAt: start.Add(time.Hour), AttendeeIDs: []string{"diego"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "diego"}, ev.AttendeeIDs)
	assert.Equal(t, 1, ev.Version)

	title := "Weekly sync"
	updated, err := s.UpdateCalendarEvent(ctx, store.UpdateCalendarEventParams{ID: ev.ID, Version: 1, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, []string{"alice", "diego"}, updated.AttendeeIDs)

	_, err = s.UpdateCalendarEvent(ctx, store.UpdateCalendarEventParams{ID: ev.ID, Version: 1, Title: &title})
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	byAttendee, err := s.ListCalendarEvents(ctx, store.CalendarFilter{UserIDs: []string{"diego"}, IncludeAttendees: true})
	require.NoError(t, err)
	assert.Len(t, byAttendee, 1)

	ownerOnly, err := s.ListCalendarEvents(ctx, store.CalendarFilter{UserIDs: []string{"diego"}})
	require.NoError(t, err)
	assert.Empty(t, ownerOnly)

	require.NoError(t, s.DeleteCalendarEvent(ctx, ev.ID))
	assert.ErrorIs(t, s.DeleteCalendarEvent(ctx, ev.ID), models.ErrNotFound)
}

func TestCapabilitiesToggles(t *testing.T) {
	ctx := context.Background()

	caps, err := New(WithoutAttendees()).Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Capabilities{Calendar: true, CalendarAttendees: false}, caps)

	bare := New(WithoutCalendar())
	caps, err = bare.Capabilities(ctx)
	require.NoError(t, err)
	assert.False(t, caps.Calendar)
	_, err = bare.ListCalendarEvents(ctx, store.CalendarFilter{})
	assert.ErrorIs(t, err, models.ErrSchemaOutdated)
}

func TestReplacePolicyRejectsDuplicateScope(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, err := s.ReplacePolicy(ctx, store.ReplacePolicyParams{
		Profile: models.Profile{UserID: "alice"},
		Rules: []models.PolicyRule{
			{ScopeType: models.ScopeAction, ScopeKey: "SEND_MESSAGE", Autonomy: models.AutonomyReview},
			{ScopeType: models.ScopeAction, ScopeKey: "SEND_MESSAGE", Autonomy: models.AutonomyOff},
		},
	})
	assert.ErrorIs(t, err, models.ErrConflict)

	prof, rules, err := s.ReplacePolicy(ctx, store.ReplacePolicyParams{
		Profile: models.Profile{UserID: "alice"},
		Rules:   []models.PolicyRule{{ScopeType: models.ScopeAll, Autonomy: models.AutonomyReview}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.AutonomyAuto, prof.DefaultAutonomy)
	assert.Equal(t, models.AttributionOnBehalf, prof.AttributionMode)
	require.Len(t, rules, 1)
	assert.Equal(t, "alice", rules[0].UserID)
}

func TestUnreadRespectsReadMarker(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	conv, _, err := s.FindOrCreateDM(ctx, "alice", "bob")
	require.NoError(t, err)
	first, err := s.CreateMessage(ctx, store.CreateMessageParams{ConversationID: conv.ID, SenderID: "bob", Body: "one"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, store.CreateMessageParams{ConversationID: conv.ID, SenderID: "alice", Body: "mine"})
	require.NoError(t, err)

	unread, err := s.ListUnread(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "one", unread[0].Body)

	require.NoError(t, s.MarkRead(ctx, "alice", conv.ID, first.CreatedAt))
	require.NoError(t, s.MarkRead(ctx, "alice", conv.ID, first.CreatedAt.Add(-time.Hour)))
	unread, err = s.ListUnread(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestBriefingStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, err := s.CreateBriefingItem(ctx, models.BriefingItem{UserID: "alice", Summary: "check #ops"})
	require.NoError(t, err)
	assert.Equal(t, models.BriefingUnread, b.Status)

	_, err = s.UpdateBriefingStatus(ctx, b.ID, models.BriefingUnread)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	acked, err := s.UpdateBriefingStatus(ctx, b.ID, models.BriefingAcked)
	require.NoError(t, err)
	assert.Equal(t, models.BriefingAcked, acked.Status)

	_, err = s.UpdateBriefingStatus(ctx, b.ID, models.BriefingDismissed)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - {id: alice, name: Alice, email: alice@example.com}
  - {id: bob, name: Bob, email: bob@example.com}
channels:
  - {slug: ops, name: Ops, created_by: alice, members: [alice, bob]}
messages:
  - {channel: ops, from: bob, body: "deploy is red"}
  - {from: bob, to: alice, body: "ping"}
profiles:
  - user_id: alice
    default_autonomy: REVIEW
    relevance:
      priority_people: [bob]
    rules:
      - {scope: action, key: SEND_MESSAGE, autonomy: OFF}
tasks:
  - {title: "Ship it", created_by: alice, status: IN_PROGRESS}
calendar:
  - {owner: alice, title: Standup, start_at: 2026-03-02T09:00:00Z, minutes: 15, attendees: [bob]}
`), 0o600))

	s := New()
	require.NoError(t, LoadSeed(ctx, s, path))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	prof, err := s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AutonomyReview, prof.DefaultAutonomy)
	assert.Equal(t, []string{"bob"}, prof.Relevance.PriorityPeople)

	tasks, err := s.ListWorkspaceTasks(ctx, store.WorkspaceTaskFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.WorkStatusInProgress, tasks[0].Status)

	unread, err := s.ListUnread(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	events, err := s.ListCalendarEvents(ctx, store.CalendarFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 15*time.Minute, events[0].EndAt.Sub(events[0].StartAt))
}
