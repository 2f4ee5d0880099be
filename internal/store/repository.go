package store

import (
	"context"
	"time"

	"workspace-assistant/internal/models"
)

// Repository is the transactional record store consumed by the decision core.
// Postgres backs it in production; memstore backs it in tests and local runs.
type Repository interface {
	TaskStore
	WorkspaceStore
	CalendarStore
	PolicyStore
	BriefingStore

	// Capabilities reports optional schema features. Table existence is re-checked
	// on every call; attendee-relation support may be cached for the process lifetime.
	Capabilities(ctx context.Context) (models.Capabilities, error)
}

// TaskStore persists orchestration records.
type TaskStore interface {
	CreateTask(ctx context.Context, p CreateTaskParams) (models.AgentTask, error)
	GetTask(ctx context.Context, id string) (models.AgentTask, error)
	// TransitionTask moves a task from p.From to p.To, failing with ErrConflict when
	// the stored status is not p.From.
	TransitionTask(ctx context.Context, p TaskTransition) error

	CreateAction(ctx context.Context, p CreateActionParams) (models.Action, error)
	GetAction(ctx context.Context, id string) (models.Action, error)
	ListActions(ctx context.Context, taskID string) ([]models.Action, error)
	// TransitionAction finalizes an action. It fails with ErrAlreadyFinalized when the
	// stored status is not p.From, which makes the status the idempotency guard.
	TransitionAction(ctx context.Context, p ActionTransition) (models.Action, error)

	AppendEvent(ctx context.Context, p AppendEventParams) error
	ListEvents(ctx context.Context, taskID string) ([]models.EventLog, error)

	// CreateMessageWithDelivery inserts an assistant message and its delivery in one
	// unit of work; d.MessageID and d.ConversationID are filled from the message.
	// There is one delivery per action: a second send for the same action returns
	// ErrConflict and writes nothing.
	CreateMessageWithDelivery(ctx context.Context, p CreateMessageParams, d models.OutboundDelivery) (models.Message, models.OutboundDelivery, error)
	ListDeliveries(ctx context.Context, taskID string) ([]models.OutboundDelivery, error)
}

// WorkspaceStore exposes users, conversations, messages and workspace tasks.
type WorkspaceStore interface {
	UpsertUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	ListChannels(ctx context.Context) ([]models.Channel, error)
	GetChannelBySlug(ctx context.Context, slug string) (models.Channel, error)
	// CreateChannel inserts a channel and its backing conversation in one unit of work.
	// A taken slug returns ErrConflict.
	CreateChannel(ctx context.Context, p CreateChannelParams) (models.Channel, models.Conversation, error)

	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	FindDM(ctx context.Context, userA, userB string) (models.Conversation, error)
	// FindOrCreateDM resolves the DM for the canonical pair, creating it if absent.
	// The boolean reports whether this call created it.
	FindOrCreateDM(ctx context.Context, userA, userB string) (models.Conversation, bool, error)

	CreateMessage(ctx context.Context, p CreateMessageParams) (models.Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error)
	ListUnread(ctx context.Context, userID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error

	AppendChatTurn(ctx context.Context, t models.ChatTurn) (models.ChatTurn, error)
	ListChatTurns(ctx context.Context, userID string, limit int) ([]models.ChatTurn, error)

	CreateWorkspaceTask(ctx context.Context, p CreateWorkspaceTaskParams) (models.WorkspaceTask, error)
	UpdateWorkspaceTask(ctx context.Context, p UpdateWorkspaceTaskParams) (models.WorkspaceTask, error)
	ListWorkspaceTasks(ctx context.Context, f WorkspaceTaskFilter) ([]models.WorkspaceTask, error)
}

// CalendarStore is optional schema: every method may return ErrSchemaOutdated.
type CalendarStore interface {
	ListCalendarEvents(ctx context.Context, f CalendarFilter) ([]models.CalendarEvent, error)
	GetCalendarEvent(ctx context.Context, id string) (models.CalendarEvent, error)
	CreateCalendarEvent(ctx context.Context, p CreateCalendarEventParams) (models.CalendarEvent, error)
	UpdateCalendarEvent(ctx context.Context, p UpdateCalendarEventParams) (models.CalendarEvent, error)
	DeleteCalendarEvent(ctx context.Context, id string) error
}

// PolicyStore holds profiles and autonomy rules.
type PolicyStore interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	ListPolicyRules(ctx context.Context, userID string) ([]models.PolicyRule, error)
	// ReplacePolicy upserts the profile and swaps the full rule set atomically.
	ReplacePolicy(ctx context.Context, p ReplacePolicyParams) (models.Profile, []models.PolicyRule, error)
	TouchLastAnalysis(ctx context.Context, userID string, at time.Time) error
}

// BriefingStore holds surfaced recommendations.
type BriefingStore interface {
	CreateBriefingItem(ctx context.Context, b models.BriefingItem) (models.BriefingItem, error)
	ListBriefingItems(ctx context.Context, userID, status string, limit int) ([]models.BriefingItem, error)
	UpdateBriefingStatus(ctx context.Context, id, status string) (models.BriefingItem, error)
}

// CreateTaskParams collects inputs required to insert an orchestration task.
type CreateTaskParams struct {
	UserID string
	Source models.TaskSource
	Input  string
}

// TaskTransition describes a guarded task status change.
type TaskTransition struct {
	ID           string
	From         models.TaskStatus
	To           models.TaskStatus
	Confidence   *float64
	ErrorCode    string
	ErrorMessage string
}

// CreateActionParams collects inputs for a PLANNED action.
type CreateActionParams struct {
	TaskID     string
	UserID     string
	Seq        int
	Type       models.ActionType
	Target     models.ActionTarget
	Payload    map[string]any
	Reasoning  string
	Confidence float64
}

// ActionTransition describes a guarded, one-way action status change.
type ActionTransition struct {
	ID       string
	From     models.ActionStatus
	To       models.ActionStatus
	Autonomy models.AutonomyLevel
	Target   *models.ActionTarget
	Result   map[string]any
	Error    string
}

// AppendEventParams is one audit line.
type AppendEventParams struct {
	TaskID   string
	ActionID string
	Type     string
	Message  string
	Metadata map[string]any
}

// CreateChannelParams collects inputs for a new channel.
type CreateChannelParams struct {
	Slug      string
	Name      string
	CreatedBy string
	MemberIDs []string
}

// CreateMessageParams collects inputs for a new message.
type CreateMessageParams struct {
	ConversationID string
	SenderID       string
	Body           string
	ViaAssistant   bool
}

// MessageFilter selects recent messages. Empty ConversationIDs and SenderIDs
// mean "recent across everything VisibleTo can see".
type MessageFilter struct {
	VisibleTo       string
	ConversationIDs []string
	SenderIDs       []string
	Limit           int
}

// CreateWorkspaceTaskParams collects inputs for a new workspace task.
type CreateWorkspaceTaskParams struct {
	Title      string
	CreatedBy  string
	AssigneeID string
	DueAt      *time.Time
}

// UpdateWorkspaceTaskParams patches a workspace task. Empty fields are left untouched.
type UpdateWorkspaceTaskParams struct {
	ID         string
	Title      string
	Status     string
	AssigneeID string
}

// WorkspaceTaskFilter selects workspace tasks.
type WorkspaceTaskFilter struct {
	IDs    []string
	Status string
	UserID string
	Limit  int
}

// CalendarFilter selects calendar events. Events match when their id is in EventIDs,
// or their owner (or, with IncludeAttendees, an attendee) is in UserIDs. With both
// lists empty every event matches.
type CalendarFilter struct {
	EventIDs         []string
	UserIDs          []string
	IncludeAttendees bool
	Limit            int
}

// CreateCalendarEventParams collects inputs for a new calendar event.
type CreateCalendarEventParams struct {
	OwnerID     string
	Title       string
	Description string
	Location    string
	StartAt     time.Time
	EndAt       time.Time
	AttendeeIDs []string
}

// UpdateCalendarEventParams patches an event guarded by Version. A nil AttendeeIDs
// keeps the existing attendees.
type UpdateCalendarEventParams struct {
	ID          string
	Version     int
	Title       *string
	Description *string
	Location    *string
	StartAt     *time.Time
	EndAt       *time.Time
	AttendeeIDs []string
}

// ReplacePolicyParams is a full-profile replace.
type ReplacePolicyParams struct {
	Profile models.Profile
	Rules   []models.PolicyRule
}
