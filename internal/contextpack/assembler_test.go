package contextpack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/store/memstore"
)

func seedWorkspace(t *testing.T, s *memstore.Store) (ops models.Channel, dm models.Conversation) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []models.User{{ID: "alice", Name: "Alice Park"}, {ID: "bob", Name: "Bob Lee"}, {ID: "diego", Name: "Diego Ruiz"}} {
		require.NoError(t, s.UpsertUser(ctx, u))
	}
	ops, _, err := s.CreateChannel(ctx, store.CreateChannelParams{Slug: "ops", Name: "Ops", CreatedBy: "alice", MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)
	dm, _, err = s.FindOrCreateDM(ctx, "alice", "diego")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, store.CreateMessageParams{ConversationID: ops.ConversationID, SenderID: "bob", Body: "deploy is red"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, store.CreateMessageParams{ConversationID: dm.ID, SenderID: "diego", Body: "lunch?"})
	require.NoError(t, err)
	return ops, dm
}

func TestAssembleDefaultsAreNonNil(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.UpsertUser(context.Background(), models.User{ID: "alice", Name: "Alice"}))
	a := NewAssembler(s, config.DefaultContextLimits(), zap.NewNop())

	pack, err := a.Assemble(context.Background(), "alice", Hints{})
	require.NoError(t, err)
	assert.NotNil(t, pack.Channels)
	assert.NotNil(t, pack.Messages)
	assert.NotNil(t, pack.ChatHistory)
	assert.NotNil(t, pack.CalendarEvents)
	assert.NotNil(t, pack.Tasks)
	assert.NotNil(t, pack.FilePaths)
	assert.NotNil(t, pack.Relevance.PriorityPeople)
	assert.NotNil(t, pack.Relevance.MutedTopics)
}

func TestAssembleUnknownUser(t *testing.T) {
	a := NewAssembler(memstore.New(), config.DefaultContextLimits(), nil)
	_, err := a.Assemble(context.Background(), "ghost", Hints{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAssembleFiltersMessagesByHints(t *testing.T) {
	s := memstore.New()
	ops, _ := seedWorkspace(t, s)
	a := NewAssembler(s, config.DefaultContextLimits(), nil)

	all, err := a.Assemble(context.Background(), "alice", Hints{})
	require.NoError(t, err)
	assert.Len(t, all.Messages, 2)

	hinted, err := a.Assemble(context.Background(), "alice", Hints{ChannelIDs: []string{ops.ID}})
	require.NoError(t, err)
	require.Len(t, hinted.Messages, 1)
	assert.Equal(t, "deploy is red", hinted.Messages[0].Body)

	// bob cannot see the alice/diego DM
	other, err := a.Assemble(context.Background(), "bob", Hints{})
	require.NoError(t, err)
	require.Len(t, other.Messages, 1)
	assert.Equal(t, ops.ConversationID, other.Messages[0].ConversationID)
}

func TestAssembleNormalizesRelevancePrefs(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.UpsertUser(ctx, models.User{ID: "alice", Name: "Alice"}))
	_, _, err := s.ReplacePolicy(ctx, store.ReplacePolicyParams{Profile: models.Profile{
		UserID: "alice",
		Relevance: models.RelevancePrefs{
			PriorityTopics:  []string{"launch", "Budget", "LAUNCH", " "},
			UrgencyKeywords: []string{"asap", "urgent", "asap"},
		},
	}})
	require.NoError(t, err)

	pack, err := NewAssembler(s, config.DefaultContextLimits(), nil).Assemble(ctx, "alice", Hints{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Budget", "launch"}, pack.Relevance.PriorityTopics)
	assert.Equal(t, []string{"asap", "urgent"}, pack.Relevance.UrgencyKeywords)
}

func TestAssembleCalendarCapabilityGate(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("missing table yields empty events", func(t *testing.T) {
		s := memstore.New(memstore.WithoutCalendar())
		seedWorkspace(t, s)
		pack, err := NewAssembler(s, config.DefaultContextLimits(), nil).Assemble(ctx, "alice", Hints{UserIDs: []string{"diego"}})
		require.NoError(t, err)
		assert.Empty(t, pack.CalendarEvents)
		assert.False(t, pack.Capabilities.Calendar)
	})

	t.Run("attendee filter degrades to owner-only", func(t *testing.T) {
		s := memstore.New(memstore.WithoutAttendees())
		seedWorkspace(t, s)
		_, err := s.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{OwnerID: "alice", Title: "1:1", StartAt: start, EndAt: start.Add(time.Hour), AttendeeIDs: []string{"diego"}})
		require.NoError(t, err)
		_, err = s.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{OwnerID: "diego", Title: "Focus", StartAt: start, EndAt: start.Add(time.Hour)})
		require.NoError(t, err)

		pack, err := NewAssembler(s, config.DefaultContextLimits(), nil).Assemble(ctx, "alice", Hints{UserIDs: []string{"diego"}})
		require.NoError(t, err)
		require.Len(t, pack.CalendarEvents, 1)
		assert.Equal(t, "Focus", pack.CalendarEvents[0].Title)
	})

	t.Run("attendee relation includes invited events", func(t *testing.T) {
		s := memstore.New()
		seedWorkspace(t, s)
		_, err := s.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{OwnerID: "alice", Title: "1:1", StartAt: start, EndAt: start.Add(time.Hour), AttendeeIDs: []string{"diego"}})
		require.NoError(t, err)

		pack, err := NewAssembler(s, config.DefaultContextLimits(), nil).Assemble(ctx, "bob", Hints{UserIDs: []string{"diego"}})
		require.NoError(t, err)
		require.Len(t, pack.CalendarEvents, 1)
		assert.Equal(t, []string{"alice", "diego"}, pack.CalendarEvents[0].AttendeeIDs)
	})
}

func TestPackLookups(t *testing.T) {
	p := Pack{
		Users:    []models.User{{ID: "bob", Name: "Bob"}},
		Channels: []models.Channel{{Slug: "general", ConversationID: "c1"}},
	}
	_, ok := p.UserByID("bob")
	assert.True(t, ok)
	ch, ok := p.ChannelBySlug("General")
	assert.True(t, ok)
	assert.Equal(t, "c1", ch.ConversationID)
}
