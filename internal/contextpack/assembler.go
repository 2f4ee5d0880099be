// Package contextpack assembles the read-only workspace snapshot passed to the
// decision stages of a turn.
package contextpack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

// Hints are explicit entity references supplied by the caller, e.g. UI mentions.
type Hints struct {
	UserIDs         []string `json:"userIds,omitempty"`
	ChannelIDs      []string `json:"channelIds,omitempty"`
	ConversationIDs []string `json:"conversationIds,omitempty"`
	TaskIDs         []string `json:"taskIds,omitempty"`
	EventIDs        []string `json:"eventIds,omitempty"`
	FilePaths       []string `json:"filePaths,omitempty"`
}

// Empty reports whether no hints were given.
func (h Hints) Empty() bool {
	return len(h.UserIDs)+len(h.ChannelIDs)+len(h.ConversationIDs)+len(h.TaskIDs)+len(h.EventIDs)+len(h.FilePaths) == 0
}

// Pack is the assembled snapshot. Every slice is non-nil.
type Pack struct {
	User           models.User            `json:"user"`
	Users          []models.User          `json:"users"`
	Channels       []models.Channel       `json:"channels"`
	Messages       []models.Message       `json:"messages"`
	ChatHistory    []models.ChatTurn      `json:"chatHistory"`
	CalendarEvents []models.CalendarEvent `json:"calendarEvents"`
	Tasks          []models.WorkspaceTask `json:"tasks"`
	FilePaths      []string               `json:"filePaths"`
	Relevance      models.RelevancePrefs  `json:"relevance"`
	Capabilities   models.Capabilities    `json:"capabilities"`
}

// UserByID looks a user up in the roster.
func (p Pack) UserByID(id string) (models.User, bool) {
	for _, u := range p.Users {
		if u.ID == id {
			return u, true
		}
	}
	return models.User{}, false
}

// ChannelBySlug matches case-insensitively.
func (p Pack) ChannelBySlug(slug string) (models.Channel, bool) {
	for _, c := range p.Channels {
		if strings.EqualFold(c.Slug, slug) {
			return c, true
		}
	}
	return models.Channel{}, false
}

// Reader is the subset of the store the assembler reads from.
type Reader interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	ListMessages(ctx context.Context, f store.MessageFilter) ([]models.Message, error)
	ListChatTurns(ctx context.Context, userID string, limit int) ([]models.ChatTurn, error)
	ListCalendarEvents(ctx context.Context, f store.CalendarFilter) ([]models.CalendarEvent, error)
	ListWorkspaceTasks(ctx context.Context, f store.WorkspaceTaskFilter) ([]models.WorkspaceTask, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	Capabilities(ctx context.Context) (models.Capabilities, error)
}

// Assembler builds context packs.
type Assembler struct {
	store  Reader
	limits config.ContextLimits
	logger *zap.Logger
}

func NewAssembler(r Reader, limits config.ContextLimits, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: r, limits: limits, logger: logger}
}

// Assemble reads the pack for userID. An unknown user is ErrNotFound; a missing
// calendar schema yields an empty calendar rather than an error.
func (a *Assembler) Assemble(ctx context.Context, userID string, hints Hints) (Pack, error) {
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return Pack{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	pack := Pack{
		User:           user,
		Users:          []models.User{},
		Channels:       []models.Channel{},
		Messages:       []models.Message{},
		ChatHistory:    []models.ChatTurn{},
		CalendarEvents: []models.CalendarEvent{},
		Tasks:          []models.WorkspaceTask{},
		FilePaths:      append([]string{}, hints.FilePaths...),
	}

	// Channels are needed to translate channel hints into conversations, so
	// fetch them before fanning out.
	channels, err := a.store.ListChannels(ctx)
	if err != nil {
		return Pack{}, fmt.Errorf("list channels: %w", err)
	}
	pack.Channels = channels

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := a.store.ListUsers(gctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		pack.Users = users
		return nil
	})
	g.Go(func() error {
		msgs, err := a.store.ListMessages(gctx, store.MessageFilter{
			VisibleTo:       userID,
			ConversationIDs: conversationHints(hints, channels),
			SenderIDs:       hints.UserIDs,
			Limit:           a.limits.Messages,
		})
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		pack.Messages = msgs
		return nil
	})
	g.Go(func() error {
		turns, err := a.store.ListChatTurns(gctx, userID, a.limits.ChatTurns)
		if err != nil {
			return fmt.Errorf("list chat turns: %w", err)
		}
		pack.ChatHistory = turns
		return nil
	})
	g.Go(func() error {
		caps, events, err := a.calendar(gctx, userID, hints)
		if err != nil {
			return err
		}
		pack.Capabilities = caps
		pack.CalendarEvents = events
		return nil
	})
	g.Go(func() error {
		f := store.WorkspaceTaskFilter{IDs: hints.TaskIDs, Limit: 50}
		if len(hints.TaskIDs) == 0 {
			f.UserID = userID
		}
		tasks, err := a.store.ListWorkspaceTasks(gctx, f)
		if err != nil {
			return fmt.Errorf("list workspace tasks: %w", err)
		}
		pack.Tasks = tasks
		return nil
	})
	g.Go(func() error {
		prof, err := a.store.GetProfile(gctx, userID)
		if errors.Is(err, models.ErrNotFound) {
			pack.Relevance = normalizePrefs(models.RelevancePrefs{})
			return nil
		}
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		pack.Relevance = normalizePrefs(prof.Relevance)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Pack{}, err
	}
	return pack, nil
}

// calendar applies the capability gate. Table existence is probed per call.
func (a *Assembler) calendar(ctx context.Context, userID string, hints Hints) (models.Capabilities, []models.CalendarEvent, error) {
	caps, err := a.store.Capabilities(ctx)
	if err != nil {
		return models.Capabilities{}, nil, fmt.Errorf("probe capabilities: %w", err)
	}
	if !caps.Calendar {
		return caps, []models.CalendarEvent{}, nil
	}
	users := hints.UserIDs
	if len(users) == 0 && len(hints.EventIDs) == 0 {
		users = []string{userID}
	}
	events, err := a.store.ListCalendarEvents(ctx, store.CalendarFilter{
		EventIDs:         hints.EventIDs,
		UserIDs:          users,
		IncludeAttendees: caps.CalendarAttendees,
		Limit:            a.limits.Calendar,
	})
	if errors.Is(err, models.ErrSchemaOutdated) {
		// Dropped between probe and read.
		a.logger.Warn("calendar schema vanished during assembly", zap.String("user_id", userID))
		return models.Capabilities{}, []models.CalendarEvent{}, nil
	}
	if err != nil {
		return caps, nil, fmt.Errorf("list calendar events: %w", err)
	}
	return caps, events, nil
}

func conversationHints(h Hints, channels []models.Channel) []string {
	if len(h.ChannelIDs) == 0 {
		return h.ConversationIDs
	}
	out := append([]string{}, h.ConversationIDs...)
	for _, id := range h.ChannelIDs {
		for _, c := range channels {
			if c.ID == id {
				out = append(out, c.ConversationID)
			}
		}
	}
	return out
}

func normalizePrefs(p models.RelevancePrefs) models.RelevancePrefs {
	return models.RelevancePrefs{
		PriorityPeople:   normalizeList(p.PriorityPeople),
		PriorityChannels: normalizeList(p.PriorityChannels),
		PriorityTopics:   normalizeList(p.PriorityTopics),
		UrgencyKeywords:  normalizeList(p.UrgencyKeywords),
		MutedTopics:      normalizeList(p.MutedTopics),
	}
}

// normalizeList trims, drops blanks, dedupes case-insensitively and sorts.
func normalizeList(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}
