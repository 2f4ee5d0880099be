package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/routing"
	"workspace-assistant/internal/store"
)

// maxSlugAttempts bounds the suffix search for a free channel slug.
const maxSlugAttempts = 100

func (e *Executor) sendMessage(ctx context.Context, a models.Action) (outcome, error) {
	text := str(a.Payload, KeyText)
	if text == "" {
		return outcome{}, fmt.Errorf("message text required: %w", models.ErrInvalidInput)
	}
	conv, err := e.resolveConversation(ctx, a)
	if err != nil {
		return outcome{}, err
	}

	mode := str(a.Payload, KeyAttribution)
	if mode != models.AttributionSigned {
		mode = models.AttributionOnBehalf
	}
	body := text
	if mode == models.AttributionSigned {
		body = text + "\n(sent by assistant)"
	}

	msg, delivery, err := e.store.CreateMessageWithDelivery(ctx, store.CreateMessageParams{
		ConversationID: conv.ID,
		SenderID:       a.UserID,
		Body:           body,
		ViaAssistant:   true,
	}, models.OutboundDelivery{
		TaskID:          a.TaskID,
		ActionID:        a.ID,
		SenderID:        a.UserID,
		AttributionMode: mode,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("send message: %w", err)
	}

	target := a.Target
	target.ConversationID = conv.ID
	return outcome{
		result: map[string]any{
			"conversationId":  conv.ID,
			"messageId":       msg.ID,
			"deliveryId":      delivery.ID,
			"attributionMode": mode,
		},
		target: &target,
		events: []realtime.Event{{Type: "message.created", Reason: "assistant sent a message", ConversationID: conv.ID, UserIDs: conv.MemberIDs}},
	}, nil
}

// resolveConversation turns the action target into a conversation. A lone user
// target goes through the canonical DM so either participant order lands on the
// same thread.
func (e *Executor) resolveConversation(ctx context.Context, a models.Action) (models.Conversation, error) {
	t := a.Target
	switch {
	case t.ConversationID != "":
		conv, err := e.store.GetConversation(ctx, t.ConversationID)
		if errors.Is(err, models.ErrNotFound) {
			return models.Conversation{}, fmt.Errorf("conversation %s: %w", t.ConversationID, models.ErrUnresolvableTarget)
		}
		return conv, err
	case t.UserID != "":
		other, err := e.resolveUser(ctx, t.UserID)
		if err != nil {
			return models.Conversation{}, err
		}
		conv, _, err := e.store.FindOrCreateDM(ctx, a.UserID, other)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("find or create dm: %w", err)
		}
		return conv, nil
	case t.ChannelSlug != "":
		ch, err := e.store.GetChannelBySlug(ctx, strings.TrimPrefix(t.ChannelSlug, "#"))
		if errors.Is(err, models.ErrNotFound) {
			return models.Conversation{}, fmt.Errorf("channel #%s: %w", t.ChannelSlug, models.ErrUnresolvableTarget)
		}
		if err != nil {
			return models.Conversation{}, err
		}
		return e.store.GetConversation(ctx, ch.ConversationID)
	}
	return models.Conversation{}, fmt.Errorf("no conversation, user or channel given: %w", models.ErrUnresolvableTarget)
}

func (e *Executor) createDM(ctx context.Context, a models.Action) (outcome, error) {
	if a.Target.UserID == "" {
		return outcome{}, fmt.Errorf("dm needs a target user: %w", models.ErrUnresolvableTarget)
	}
	other, err := e.resolveUser(ctx, a.Target.UserID)
	if err != nil {
		return outcome{}, err
	}
	conv, created, err := e.store.FindOrCreateDM(ctx, a.UserID, other)
	if err != nil {
		return outcome{}, fmt.Errorf("find or create dm: %w", err)
	}
	out := outcome{
		result: map[string]any{"conversationId": conv.ID, "created": created},
		target: &models.ActionTarget{ConversationID: conv.ID, UserID: other},
	}
	if created {
		out.events = []realtime.Event{{Type: "conversation.created", Reason: "direct message opened", ConversationID: conv.ID, UserIDs: conv.MemberIDs}}
	}
	return out, nil
}

// createChannel takes the first free slug among base, base-1, base-2, ...
// A slug taken between the check and the insert moves on to the next suffix.
func (e *Executor) createChannel(ctx context.Context, a models.Action) (outcome, error) {
	name := str(a.Payload, KeyName)
	if name == "" {
		name = a.Target.ChannelSlug
	}
	base := routing.Slugify(name)
	if base == "" {
		return outcome{}, fmt.Errorf("channel name %q has no usable characters: %w", name, models.ErrInvalidInput)
	}
	members := append([]string{a.UserID}, StringsOf(a.Payload, KeyMembers)...)

	for n := 0; n < maxSlugAttempts; n++ {
		slug := routing.SuffixedSlug(base, n)
		if _, err := e.store.GetChannelBySlug(ctx, slug); err == nil {
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return outcome{}, fmt.Errorf("check slug: %w", err)
		}
		ch, conv, err := e.store.CreateChannel(ctx, store.CreateChannelParams{
			Slug:      slug,
			Name:      name,
			CreatedBy: a.UserID,
			MemberIDs: members,
		})
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return outcome{}, fmt.Errorf("create channel: %w", err)
		}
		return outcome{
			result: map[string]any{"channelId": ch.ID, "slug": ch.Slug, "conversationId": conv.ID},
			target: &models.ActionTarget{ConversationID: conv.ID, ChannelSlug: ch.Slug},
			events: []realtime.Event{{Type: "channel.created", Reason: "#" + ch.Slug, ConversationID: conv.ID}},
		}, nil
	}
	return outcome{}, fmt.Errorf("no free slug for %q: %w", base, models.ErrConflict)
}

// resolveUser accepts a user id or a display name (full or first name,
// case-insensitive).
func (e *Executor) resolveUser(ctx context.Context, ref string) (string, error) {
	ids, err := e.resolveUsers(ctx, []string{ref})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (e *Executor) resolveUsers(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, ok := MatchUser(users, ref)
		if !ok {
			return nil, fmt.Errorf("user %q: %w", ref, models.ErrUnresolvableTarget)
		}
		out = append(out, id)
	}
	return out, nil
}

// MatchUser finds ref among users by id, full name or first name.
func MatchUser(users []models.User, ref string) (string, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if ref == "" {
		return "", false
	}
	for _, u := range users {
		if u.ID == ref {
			return u.ID, true
		}
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, ref) {
			return u.ID, true
		}
	}
	for _, u := range users {
		if first, _, _ := strings.Cut(u.Name, " "); strings.EqualFold(first, ref) {
			return u.ID, true
		}
	}
	return "", false
}
