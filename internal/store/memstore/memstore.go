// Package memstore is an in-memory store.Repository. It enforces the same
// uniqueness and status-guard constraints as the Postgres schema so the decision
// core behaves identically against either backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	calendar          bool
	calendarAttendees bool
	failures          map[string]error

	users         map[string]models.User
	conversations map[string]models.Conversation
	dmIndex       map[string]string
	channels      map[string]models.Channel
	messages      []models.Message
	readStates    map[string]time.Time
	chatTurns     []models.ChatTurn
	workTasks     map[string]models.WorkspaceTask
	tasks         map[string]models.AgentTask
	actions       map[string]models.Action
	events        []models.EventLog
	deliveries    map[string]models.OutboundDelivery
	profiles      map[string]models.Profile
	rules         map[string][]models.PolicyRule
	briefings     map[string]models.BriefingItem
	calEvents     map[string]models.CalendarEvent

	// insertion order for map-backed collections
	order map[string][]string

	clock func() time.Time
}

var _ store.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithoutCalendar simulates a deployment where the calendar schema is not migrated.
func WithoutCalendar() Option {
	return func(s *Store) { s.calendar, s.calendarAttendees = false, false }
}

// WithoutAttendees simulates a calendar table without the attendee relation.
func WithoutAttendees() Option {
	return func(s *Store) { s.calendarAttendees = false }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns an empty store with the calendar schema provisioned.
func New(opts ...Option) *Store {
	s := &Store{
		calendar:          true,
		calendarAttendees: true,
		failures:          map[string]error{},
		users:             map[string]models.User{},
		conversations:     map[string]models.Conversation{},
		dmIndex:           map[string]string{},
		channels:          map[string]models.Channel{},
		readStates:        map[string]time.Time{},
		workTasks:         map[string]models.WorkspaceTask{},
		tasks:             map[string]models.AgentTask{},
		actions:           map[string]models.Action{},
		deliveries:        map[string]models.OutboundDelivery{},
		profiles:          map[string]models.Profile{},
		rules:             map[string][]models.PolicyRule{},
		briefings:         map[string]models.BriefingItem{},
		calEvents:         map[string]models.CalendarEvent{},
		order:             map[string][]string{},
		clock:             func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) injected(method string) error {
	if err, ok := s.failures[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock()
}

// Capabilities reports the simulated calendar schema.
func (s *Store) Capabilities(context.Context) (models.Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Capabilities{Calendar: s.calendar, CalendarAttendees: s.calendar && s.calendarAttendees}, nil
}

// ---- tasks, actions, events, deliveries

func (s *Store) CreateTask(_ context.Context, p store.CreateTaskParams) (models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateTask"); err != nil {
		return models.AgentTask{}, err
	}
	now := s.now()
	t := models.AgentTask{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		Source:    p.Source,
		Status:    models.TaskPending,
		Input:     p.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) GetTask(_ context.Context, id string) (models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.AgentTask{}, fmt.Errorf("task not found: %w", models.ErrNotFound)
	}
	return t, nil
}

func (s *Store) TransitionTask(_ context.Context, p store.TaskTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[p.ID]
	if !ok {
		return fmt.Errorf("task not found: %w", models.ErrNotFound)
	}
	if t.Status != p.From {
		return fmt.Errorf("task %s not in status %s: %w", p.ID, p.From, models.ErrConflict)
	}
	now := s.now()
	t.Status = p.To
	if p.Confidence != nil {
		c := *p.Confidence
		t.Confidence = &c
	}
	t.ErrorCode = strPtr(p.ErrorCode)
	t.ErrorMessage = strPtr(p.ErrorMessage)
	if p.To.Terminal() {
		t.CompletedAt = &now
	}
	t.UpdatedAt = now
	s.tasks[p.ID] = t
	return nil
}

func (s *Store) CreateAction(_ context.Context, p store.CreateActionParams) (models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateAction"); err != nil {
		return models.Action{}, err
	}
	for _, a := range s.actions {
		if a.TaskID == p.TaskID && a.Seq == p.Seq {
			return models.Action{}, fmt.Errorf("action seq %d exists: %w", p.Seq, models.ErrConflict)
		}
	}
	a := models.Action{
		ID:         uuid.New().String(),
		TaskID:     p.TaskID,
		UserID:     p.UserID,
		Seq:        p.Seq,
		Type:       p.Type,
		Status:     models.ActionPlanned,
		Target:     p.Target,
		Payload:    copyMap(p.Payload),
		Reasoning:  p.Reasoning,
		Confidence: p.Confidence,
		CreatedAt:  s.now(),
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	s.actions[a.ID] = a
	return a, nil
}

func (s *Store) GetAction(_ context.Context, id string) (models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return models.Action{}, fmt.Errorf("action not found: %w", models.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListActions(_ context.Context, taskID string) ([]models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Action{}
	for _, a := range s.actions {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) TransitionAction(_ context.Context, p store.ActionTransition) (models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[p.ID]
	if !ok || a.Status != p.From {
		return models.Action{}, fmt.Errorf("action %s not in status %s: %w", p.ID, p.From, models.ErrAlreadyFinalized)
	}
	a.Status = p.To
	if p.Autonomy != "" {
		a.Autonomy = p.Autonomy
	}
	if p.Target != nil {
		a.Target = *p.Target
	}
	if p.Result != nil {
		a.Result = copyMap(p.Result)
	}
	a.Error = strPtr(p.Error)
	if p.To == models.ActionExecuted {
		now := s.now()
		a.ExecutedAt = &now
	}
	s.actions[p.ID] = a
	return a, nil
}

func (s *Store) AppendEvent(_ context.Context, p store.AppendEventParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.EventLog{
		ID:        int64(len(s.events) + 1),
		TaskID:    p.TaskID,
		ActionID:  strPtr(p.ActionID),
		Type:      p.Type,
		Message:   p.Message,
		Metadata:  copyMap(p.Metadata),
		CreatedAt: s.now(),
	})
	return nil
}

func (s *Store) ListEvents(_ context.Context, taskID string) ([]models.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.EventLog{}
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateMessageWithDelivery checks every precondition before writing either
// row. Failures injected on CreateMessage or CreateOutboundDelivery apply here
// too, so tests can fail either half of the send.
func (s *Store) CreateMessageWithDelivery(_ context.Context, p store.CreateMessageParams, d models.OutboundDelivery) (models.Message, models.OutboundDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, method := range []string{"CreateMessageWithDelivery", "CreateMessage", "CreateOutboundDelivery"} {
		if err := s.injected(method); err != nil {
			return models.Message{}, models.OutboundDelivery{}, err
		}
	}
	if _, ok := s.conversations[p.ConversationID]; !ok {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("conversation %s: %w", p.ConversationID, models.ErrNotFound)
	}
	if _, exists := s.deliveries[d.ActionID]; exists {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("delivery for action %s: %w", d.ActionID, models.ErrConflict)
	}
	now := s.now()
	m := models.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		ViaAssistant:   p.ViaAssistant,
		CreatedAt:      now,
	}
	s.messages = append(s.messages, m)

	d.ID = uuid.New().String()
	d.ConversationID = m.ConversationID
	d.MessageID = m.ID
	d.CreatedAt = now
	s.deliveries[d.ActionID] = d
	s.order["deliveries"] = append(s.order["deliveries"], d.ActionID)
	return m, d, nil
}

func (s *Store) ListDeliveries(_ context.Context, taskID string) ([]models.OutboundDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.OutboundDelivery{}
	for _, actionID := range s.order["deliveries"] {
		if d := s.deliveries[actionID]; d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ---- policy, profile, briefings

func (s *Store) GetProfile(_ context.Context, userID string) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, fmt.Errorf("profile not found: %w", models.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPolicyRules(_ context.Context, userID string) ([]models.PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PolicyRule{}, s.rules[userID]...), nil
}

func (s *Store) ReplacePolicy(_ context.Context, p store.ReplacePolicyParams) (models.Profile, []models.PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prof := p.Profile
	if prof.DefaultAutonomy == "" {
		prof.DefaultAutonomy = models.AutonomyAuto
	}
	if prof.AttributionMode == "" {
		prof.AttributionMode = models.AttributionOnBehalf
	}
	if existing, ok := s.profiles[prof.UserID]; ok && prof.LastAnalysisAt == nil {
		prof.LastAnalysisAt = existing.LastAnalysisAt
	}
	prof.UpdatedAt = s.now()

	seen := map[string]bool{}
	rules := make([]models.PolicyRule, 0, len(p.Rules))
	base := s.now()
	for i, r := range p.Rules {
		key := r.ScopeType + "\x00" + r.ScopeKey
		if seen[key] {
			return models.Profile{}, nil, fmt.Errorf("policy_rules_user_id_scope_type_scope_key_key: %w", models.ErrConflict)
		}
		seen[key] = true
		r.ID = uuid.New().String()
		r.UserID = prof.UserID
		r.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		rules = append(rules, r)
	}
	s.profiles[prof.UserID] = prof
	s.rules[prof.UserID] = rules
	return prof, append([]models.PolicyRule{}, rules...), nil
}

// AddPolicyRule appends a rule without the uniqueness check, for exercising
// resolver tolerance of legacy duplicate rows.
func (s *Store) AddPolicyRule(r models.PolicyRule) models.PolicyRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.rules[r.UserID] = append(s.rules[r.UserID], r)
	return r
}

func (s *Store) TouchLastAnalysis(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = models.Profile{UserID: userID, DefaultAutonomy: models.AutonomyAuto, AttributionMode: models.AttributionOnBehalf}
	}
	p.LastAnalysisAt = &at
	p.UpdatedAt = s.now()
	s.profiles[userID] = p
	return nil
}

func (s *Store) CreateBriefingItem(_ context.Context, b models.BriefingItem) (models.BriefingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateBriefingItem"); err != nil {
		return models.BriefingItem{}, err
	}
	b.ID = uuid.New().String()
	if b.Kind == "" {
		b.Kind = models.BriefingInfo
	}
	if b.Importance == "" {
		b.Importance = models.ImportanceMedium
	}
	if b.SourceRefs == nil {
		b.SourceRefs = []models.SourceRef{}
	}
	b.Status = models.BriefingUnread
	b.CreatedAt = s.now()
	b.UpdatedAt = b.CreatedAt
	s.briefings[b.ID] = b
	s.order["briefings"] = append(s.order["briefings"], b.ID)
	return b, nil
}

func (s *Store) ListBriefingItems(_ context.Context, userID, status string, limit int) ([]models.BriefingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BriefingItem{}
	ids := s.order["briefings"]
	for i := len(ids) - 1; i >= 0; i-- {
		if b := s.briefings[ids[i]]; b.UserID == userID && (status == "" || b.Status == status) {
			out = append(out, b)
		}
	}
	return capSlice(out, limit, 50), nil
}

func (s *Store) UpdateBriefingStatus(_ context.Context, id, status string) (models.BriefingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case models.BriefingAcked, models.BriefingDismissed, models.BriefingActed:
	default:
		return models.BriefingItem{}, fmt.Errorf("briefing status %q: %w", status, models.ErrInvalidInput)
	}
	b, ok := s.briefings[id]
	if !ok {
		return models.BriefingItem{}, fmt.Errorf("briefing item not found: %w", models.ErrNotFound)
	}
	if b.Status != models.BriefingUnread {
		return models.BriefingItem{}, fmt.Errorf("briefing %s already handled: %w", id, models.ErrConflict)
	}
	b.Status = status
	b.UpdatedAt = s.now()
	s.briefings[id] = b
	return b, nil
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func capSlice[T any](items []T, limit, def int) []T {
	if limit <= 0 {
		limit = def
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
