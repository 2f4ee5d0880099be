package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

func (s *Store) UpsertUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user not found: %w", models.ErrNotFound)
	}
	return u, nil
}

func (s *Store) ListUsers(context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListChannels(context.Context) ([]models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) GetChannelBySlug(_ context.Context, slug string) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if strings.EqualFold(c.Slug, slug) {
			return c, nil
		}
	}
	return models.Channel{}, fmt.Errorf("channel not found: %w", models.ErrNotFound)
}

func (s *Store) CreateChannel(_ context.Context, p store.CreateChannelParams) (models.Channel, models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateChannel"); err != nil {
		return models.Channel{}, models.Conversation{}, err
	}
	for _, c := range s.channels {
		if c.Slug == p.Slug {
			return models.Channel{}, models.Conversation{}, fmt.Errorf("channel slug %q taken: %w", p.Slug, models.ErrConflict)
		}
	}
	now := s.now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Kind:      models.ConversationChannel,
		MemberIDs: dedupe(p.MemberIDs),
		CreatedAt: now,
	}
	ch := models.Channel{
		ID:             uuid.New().String(),
		Slug:           p.Slug,
		Name:           p.Name,
		ConversationID: conv.ID,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	s.channels[ch.ID] = ch
	return ch, copyConversation(conv), nil
}

func (s *Store) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation not found: %w", models.ErrNotFound)
	}
	return copyConversation(c), nil
}

func (s *Store) FindDM(_ context.Context, userA, userB string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dmIndex[store.DMKey(userA, userB)]
	if !ok {
		return models.Conversation{}, fmt.Errorf("dm not found: %w", models.ErrNotFound)
	}
	return copyConversation(s.conversations[id]), nil
}

func (s *Store) FindOrCreateDM(_ context.Context, userA, userB string) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("FindOrCreateDM"); err != nil {
		return models.Conversation{}, false, err
	}
	key := store.DMKey(userA, userB)
	if id, ok := s.dmIndex[key]; ok {
		return copyConversation(s.conversations[id]), false, nil
	}
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Kind:      models.ConversationDM,
		DMKey:     &key,
		MemberIDs: dedupe([]string{userA, userB}),
		CreatedAt: s.now(),
	}
	s.conversations[conv.ID] = conv
	s.dmIndex[key] = conv.ID
	return copyConversation(conv), true, nil
}

func (s *Store) CreateMessage(_ context.Context, p store.CreateMessageParams) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateMessage"); err != nil {
		return models.Message{}, err
	}
	if _, ok := s.conversations[p.ConversationID]; !ok {
		return models.Message{}, fmt.Errorf("conversation %s: %w", p.ConversationID, models.ErrNotFound)
	}
	m := models.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		ViaAssistant:   p.ViaAssistant,
		CreatedAt:      s.now(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, f store.MessageFilter) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unfiltered := len(f.ConversationIDs) == 0 && len(f.SenderIDs) == 0
	out := []models.Message{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if f.VisibleTo != "" && !s.visible(m.ConversationID, f.VisibleTo) {
			continue
		}
		if !unfiltered && !contains(f.ConversationIDs, m.ConversationID) && !contains(f.SenderIDs, m.SenderID) {
			continue
		}
		out = append(out, m)
	}
	return capSlice(out, f.Limit, 30), nil
}

func (s *Store) visible(conversationID, userID string) bool {
	c := s.conversations[conversationID]
	return c.Kind == models.ConversationChannel || contains(c.MemberIDs, userID)
}

func (s *Store) ListUnread(_ context.Context, userID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Message{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SenderID == userID || !contains(s.conversations[m.ConversationID].MemberIDs, userID) {
			continue
		}
		if last, ok := s.readStates[readKey(userID, m.ConversationID)]; ok && !m.CreatedAt.After(last) {
			continue
		}
		out = append(out, m)
	}
	return capSlice(out, limit, 50), nil
}

func (s *Store) MarkRead(_ context.Context, userID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := readKey(userID, conversationID)
	if last, ok := s.readStates[key]; ok && last.After(at) {
		return nil
	}
	s.readStates[key] = at
	return nil
}

func (s *Store) AppendChatTurn(_ context.Context, t models.ChatTurn) (models.ChatTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.New().String()
	t.CreatedAt = s.now()
	s.chatTurns = append(s.chatTurns, t)
	return t, nil
}

func (s *Store) ListChatTurns(_ context.Context, userID string, limit int) ([]models.ChatTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := []models.ChatTurn{}
	for _, t := range s.chatTurns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CreateWorkspaceTask(_ context.Context, p store.CreateWorkspaceTaskParams) (models.WorkspaceTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateWorkspaceTask"); err != nil {
		return models.WorkspaceTask{}, err
	}
	now := s.now()
	t := models.WorkspaceTask{
		ID:         uuid.New().String(),
		Title:      p.Title,
		Status:     models.WorkStatusOpen,
		AssigneeID: strPtr(p.AssigneeID),
		CreatedBy:  p.CreatedBy,
		DueAt:      p.DueAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.workTasks[t.ID] = t
	s.order["workTasks"] = append(s.order["workTasks"], t.ID)
	return t, nil
}

func (s *Store) UpdateWorkspaceTask(_ context.Context, p store.UpdateWorkspaceTaskParams) (models.WorkspaceTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.workTasks[p.ID]
	if !ok {
		return models.WorkspaceTask{}, fmt.Errorf("workspace task not found: %w", models.ErrNotFound)
	}
	if p.Title != "" {
		t.Title = p.Title
	}
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.AssigneeID != "" {
		t.AssigneeID = strPtr(p.AssigneeID)
	}
	t.UpdatedAt = s.now()
	s.workTasks[p.ID] = t
	return t, nil
}

func (s *Store) ListWorkspaceTasks(_ context.Context, f store.WorkspaceTaskFilter) ([]models.WorkspaceTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := strings.ToUpper(f.Status)
	out := []models.WorkspaceTask{}
	ids := s.order["workTasks"]
	for i := len(ids) - 1; i >= 0; i-- {
		t := s.workTasks[ids[i]]
		if len(f.IDs) > 0 && !contains(f.IDs, t.ID) {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if f.UserID != "" && t.CreatedBy != f.UserID && (t.AssigneeID == nil || *t.AssigneeID != f.UserID) {
			continue
		}
		out = append(out, t)
	}
	return capSlice(out, f.Limit, 100), nil
}

func readKey(userID, conversationID string) string {
	return userID + "\x00" + conversationID
}

func copyConversation(c models.Conversation) models.Conversation {
	c.MemberIDs = append([]string{}, c.MemberIDs...)
	return c
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
