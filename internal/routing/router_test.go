package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/models"
)

func packWith(slugs ...string) contextpack.Pack {
	p := contextpack.Pack{}
	for _, s := range slugs {
		p.Channels = append(p.Channels, models.Channel{ID: "ch-" + s, Slug: s, ConversationID: "conv-" + s})
	}
	return p
}

func TestPlanDecisionOrder(t *testing.T) {
	dms := map[string]string{"alice:bob": "dm-ab"}
	r := New(func(a, b string) (string, bool) {
		if a > b {
			a, b = b, a
		}
		id, ok := dms[a+":"+b]
		return id, ok
	})
	pack := packWith("general", "launch-plan", "ops")

	tests := []struct {
		name string
		in   Intent
		want Decision
	}{
		{"existing dm either order", Intent{TargetUserIDs: []string{"alice"}, TargetChannelSlugs: []string{"ops"}},
			Decision{Kind: KindConversation, ConversationID: "dm-ab", TargetUserID: "alice", Reason: "existing DM with alice"}},
		{"missing dm", Intent{TargetUserIDs: []string{"diego"}},
			Decision{Kind: KindCreateDM, TargetUserID: "diego", Reason: "no DM with diego yet; create one"}},
		{"channel slug case-insensitive", Intent{TargetChannelSlugs: []string{"#OPS"}},
			Decision{Kind: KindConversation, ConversationID: "conv-ops", ChannelSlug: "ops", Reason: "matched channel #ops"}},
		{"topic substring of slug", Intent{Topic: "Launch"},
			Decision{Kind: KindConversation, ConversationID: "conv-launch-plan", ChannelSlug: "launch-plan", Reason: `topic "Launch" matched channel #launch-plan`}},
		{"slug substring of topic", Intent{Topic: "ops escalation"},
			Decision{Kind: KindConversation, ConversationID: "conv-ops", ChannelSlug: "ops", Reason: `topic "ops escalation" matched channel #ops`}},
		{"unknown topic", Intent{Topic: "Project Plan"},
			Decision{Kind: KindCreateChannel, ChannelName: "Project Plan", ChannelSlug: "project-plan", Reason: `no channel for topic "Project Plan"; create one`}},
		{"unknown channel falls through to general", Intent{TargetChannelSlugs: []string{"nope"}},
			Decision{Kind: KindConversation, ConversationID: "conv-general", ChannelSlug: "general", Reason: "no target; fell back to #general"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Plan("bob", tt.in, pack))
		})
	}
}

func TestPlanCreatesGeneralWhenMissing(t *testing.T) {
	d := New(nil).Plan("bob", Intent{}, packWith("ops"))
	assert.Equal(t, KindCreateChannel, d.Kind)
	assert.Equal(t, GeneralChannel, d.ChannelSlug)
	assert.NotEmpty(t, d.Reason)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "project-plan", Slugify("Project Plan"))
	assert.Equal(t, "q3-launch-dont-panic", Slugify("  Q3 -- Launch: don't   panic! "))
	assert.Equal(t, "caf", Slugify("café"))
	assert.Equal(t, "", Slugify("!!!"))

	long := Slugify(strings.Repeat("word ", 20))
	assert.LessOrEqual(t, len(long), 48)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestSuffixedSlug(t *testing.T) {
	assert.Equal(t, "project-plan", SuffixedSlug("project-plan", 0))
	assert.Equal(t, "project-plan-1", SuffixedSlug("project-plan", 1))
	base := strings.Repeat("a", 48)
	got := SuffixedSlug(base, 12)
	assert.Len(t, got, 48)
	assert.True(t, strings.HasSuffix(got, "-12"))
}
