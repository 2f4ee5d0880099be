package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
	"workspace-assistant/internal/store/memstore"
)

func replace(t *testing.T, s *memstore.Store, def models.AutonomyLevel, rules ...models.PolicyRule) {
	t.Helper()
	_, _, err := s.ReplacePolicy(context.Background(), store.ReplacePolicyParams{
		Profile: models.Profile{UserID: "alice", DefaultAutonomy: def},
		Rules:   rules,
	})
	require.NoError(t, err)
}

func TestResolveCascade(t *testing.T) {
	ctx := context.Background()
	all := models.PolicyRule{ScopeType: models.ScopeAll, Autonomy: models.AutonomyReview}
	conv := models.PolicyRule{ScopeType: models.ScopeConversation, ScopeKey: "conv-1", Autonomy: models.AutonomyOff}
	channel := models.PolicyRule{ScopeType: models.ScopeChannel, ScopeKey: "ops", Autonomy: models.AutonomyAuto}
	action := models.PolicyRule{ScopeType: models.ScopeAction, ScopeKey: string(models.ActionSendMessage), Autonomy: models.AutonomyOff}

	tests := []struct {
		name   string
		rules  []models.PolicyRule
		req    Request
		level  models.AutonomyLevel
		source string
	}{
		{"requested mode beats every rule", []models.PolicyRule{action, channel, conv, all},
			Request{ActionType: models.ActionSendMessage, ChannelSlug: "ops", RequestedMode: models.AutonomyAuto}, models.AutonomyAuto, SourceRequested},
		{"action beats channel", []models.PolicyRule{channel, action},
			Request{ActionType: models.ActionSendMessage, ChannelSlug: "ops"}, models.AutonomyOff, SourceAction},
		{"channel beats conversation", []models.PolicyRule{conv, channel},
			Request{ActionType: models.ActionCreateChannel, ChannelSlug: "ops", ConversationID: "conv-1"}, models.AutonomyAuto, SourceChannel},
		{"conversation beats all", []models.PolicyRule{all, conv},
			Request{ActionType: models.ActionCreateChannel, ConversationID: "conv-1"}, models.AutonomyOff, SourceConv},
		{"channel rule ignored without slug", []models.PolicyRule{channel, all},
			Request{ActionType: models.ActionCreateChannel}, models.AutonomyReview, SourceAll},
		{"scope keys match exactly", []models.PolicyRule{{ScopeType: models.ScopeChannel, ScopeKey: "Ops", Autonomy: models.AutonomyOff}},
			Request{ActionType: models.ActionLogOnly, ChannelSlug: "ops"}, models.AutonomyReview, SourceProfile},
		{"profile default", nil,
			Request{ActionType: models.ActionLogOnly}, models.AutonomyReview, SourceProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memstore.New()
			replace(t, s, models.AutonomyReview, tt.rules...)
			tt.req.UserID = "alice"
			res, err := NewResolver(s).Resolve(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.level, res.Level)
			assert.Equal(t, tt.source, res.Source)
		})
	}
}

func TestResolveWithoutProfileDefaultsToAuto(t *testing.T) {
	res, err := NewResolver(memstore.New()).Resolve(context.Background(), Request{UserID: "nobody", ActionType: models.ActionSendMessage})
	require.NoError(t, err)
	assert.Equal(t, models.AutonomyAuto, res.Level)
	assert.Equal(t, SourceDefault, res.Source)
}

func TestResolveToleratesDuplicateRules(t *testing.T) {
	s := memstore.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := s.AddPolicyRule(models.PolicyRule{UserID: "alice", ScopeType: models.ScopeAction, ScopeKey: "SEND_MESSAGE", Autonomy: models.AutonomyAuto, CreatedAt: base.Add(time.Minute)})
	older := s.AddPolicyRule(models.PolicyRule{UserID: "alice", ScopeType: models.ScopeAction, ScopeKey: "SEND_MESSAGE", Autonomy: models.AutonomyOff, CreatedAt: base})

	res, err := NewResolver(s).Resolve(context.Background(), Request{UserID: "alice", ActionType: models.ActionSendMessage})
	require.NoError(t, err)
	assert.Equal(t, older.ID, res.RuleID)
	assert.NotEqual(t, newer.ID, res.RuleID)
	assert.Equal(t, models.AutonomyOff, res.Level)
}

// For every action type an action rule outranks a channel rule, and a requested
// mode outranks both.
func TestResolvePrecedenceAcrossActionTypes(t *testing.T) {
	types := []models.ActionType{
		models.ActionSendMessage, models.ActionCreateChannel, models.ActionCreateDM,
		models.ActionCreateWorkspaceTask, models.ActionCreateCalendarEvent, models.ActionDeleteCalendarEvent,
	}
	levels := []models.AutonomyLevel{models.AutonomyOff, models.AutonomyReview, models.AutonomyAuto}
	for _, at := range types {
		for _, actionLevel := range levels {
			for _, channelLevel := range levels {
				s := memstore.New()
				replace(t, s, "",
					models.PolicyRule{ScopeType: models.ScopeChannel, ScopeKey: "ops", Autonomy: channelLevel},
					models.PolicyRule{ScopeType: models.ScopeAction, ScopeKey: string(at), Autonomy: actionLevel},
				)
				r := NewResolver(s)
				res, err := r.Resolve(context.Background(), Request{UserID: "alice", ActionType: at, ChannelSlug: "ops"})
				require.NoError(t, err)
				assert.Equal(t, actionLevel, res.Level, "%s action=%s channel=%s", at, actionLevel, channelLevel)

				for _, requested := range levels {
					res, err := r.Resolve(context.Background(), Request{UserID: "alice", ActionType: at, ChannelSlug: "ops", RequestedMode: requested})
					require.NoError(t, err)
					assert.Equal(t, requested, res.Level)
				}
			}
		}
	}
}
