// Package routing plans where an outbound action lands. Planning is side-effect
// free: creating a DM or channel is left to the executor.
package routing

import (
	"fmt"
	"strings"
	"unicode"

	"workspace-assistant/internal/contextpack"
)

const (
	maxSlugLen     = 48
	GeneralChannel = "general"
)

// Intent is the routing-relevant part of a classified request.
type Intent struct {
	TargetUserIDs      []string
	TargetChannelSlugs []string
	Topic              string
}

// Kind of routing outcome.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindCreateDM      Kind = "create_dm"
	KindCreateChannel Kind = "create_channel"
)

// Decision is a planned destination. Exactly one of ConversationID, TargetUserID
// (with KindCreateDM) or ChannelName (with KindCreateChannel) is authoritative.
type Decision struct {
	Kind           Kind
	ConversationID string
	ChannelSlug    string
	TargetUserID   string
	ChannelName    string
	Reason         string
}

// DMLookup finds an existing DM for a pair regardless of order.
type DMLookup func(userA, userB string) (conversationID string, ok bool)

// Router plans destinations against a context pack.
type Router struct {
	findDM DMLookup
}

// New builds a Router. findDM is consulted for target users.
func New(findDM DMLookup) *Router {
	return &Router{findDM: findDM}
}

// Plan applies the decision order: target user, channel slug, topic, #general.
func (r *Router) Plan(actingUserID string, in Intent, pack contextpack.Pack) Decision {
	if target := first(in.TargetUserIDs); target != "" {
		if r.findDM != nil {
			if convID, ok := r.findDM(actingUserID, target); ok {
				return Decision{Kind: KindConversation, ConversationID: convID, TargetUserID: target,
					Reason: fmt.Sprintf("existing DM with %s", target)}
			}
		}
		return Decision{Kind: KindCreateDM, TargetUserID: target,
			Reason: fmt.Sprintf("no DM with %s yet; create one", target)}
	}

	if slug := first(in.TargetChannelSlugs); slug != "" {
		slug = strings.TrimPrefix(slug, "#")
		if ch, ok := pack.ChannelBySlug(slug); ok {
			return Decision{Kind: KindConversation, ConversationID: ch.ConversationID, ChannelSlug: ch.Slug,
				Reason: fmt.Sprintf("matched channel #%s", ch.Slug)}
		}
	}

	if topic := strings.TrimSpace(in.Topic); topic != "" {
		candidate := Slugify(topic)
		if candidate != "" {
			for _, ch := range pack.Channels {
				s := strings.ToLower(ch.Slug)
				if strings.Contains(s, candidate) || strings.Contains(candidate, s) {
					return Decision{Kind: KindConversation, ConversationID: ch.ConversationID, ChannelSlug: ch.Slug,
						Reason: fmt.Sprintf("topic %q matched channel #%s", topic, ch.Slug)}
				}
			}
			return Decision{Kind: KindCreateChannel, ChannelName: topic, ChannelSlug: candidate,
				Reason: fmt.Sprintf("no channel for topic %q; create one", topic)}
		}
	}

	if ch, ok := pack.ChannelBySlug(GeneralChannel); ok {
		return Decision{Kind: KindConversation, ConversationID: ch.ConversationID, ChannelSlug: ch.Slug,
			Reason: "no target; fell back to #general"}
	}
	return Decision{Kind: KindCreateChannel, ChannelName: GeneralChannel, ChannelSlug: GeneralChannel,
		Reason: "no target and no #general; create it"}
}

// Slugify lowercases, drops non-alphanumerics, joins words with single hyphens
// and caps the result at 48 characters.
func Slugify(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII:
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingHyphen = true
		}
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	return out
}

// SuffixedSlug returns base for n == 0, else base-n, keeping the cap.
func SuffixedSlug(base string, n int) string {
	if n == 0 {
		return base
	}
	suffix := fmt.Sprintf("-%d", n)
	if len(base)+len(suffix) > maxSlugLen {
		base = strings.TrimRight(base[:maxSlugLen-len(suffix)], "-")
	}
	return base + suffix
}

func first(items []string) string {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			return it
		}
	}
	return ""
}
