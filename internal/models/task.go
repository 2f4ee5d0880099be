package models

import (
	"time"
)

// TaskStatus enumerates lifecycle states of an orchestration task.
type TaskStatus string

const (
	TaskPending       TaskStatus = "PENDING"
	TaskRunning       TaskStatus = "RUNNING"
	TaskCompleted     TaskStatus = "COMPLETED"
	TaskFailedTimeout TaskStatus = "FAILED_TIMEOUT"
	TaskFailedError   TaskStatus = "FAILED_ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedTimeout || s == TaskFailedError
}

// TaskSource records what started a turn.
type TaskSource string

const (
	SourceUserMessage       TaskSource = "USER_MESSAGE"
	SourceInboundDM         TaskSource = "INBOUND_DM"
	SourceInboundChannel    TaskSource = "INBOUND_CHANNEL_MESSAGE"
	SourceProactiveTrigger  TaskSource = "PROACTIVE_TRIGGER"
	SourceBootstrapAnalysis TaskSource = "BOOTSTRAP_ANALYSIS"
)

// AgentTask is one unit of orchestration work: exactly one per turn.
type AgentTask struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Source       TaskSource `json:"source"`
	Status       TaskStatus `json:"status"`
	Input        string     `json:"input"`
	Confidence   *float64   `json:"confidence,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ActionType names the side effect an action performs.
type ActionType string

const (
	ActionSendMessage         ActionType = "SEND_MESSAGE"
	ActionCreateChannel       ActionType = "CREATE_CHANNEL"
	ActionCreateDM            ActionType = "CREATE_DM"
	ActionInformUser          ActionType = "INFORM_USER"
	ActionDraftSuggestion     ActionType = "DRAFT_SUGGESTION"
	ActionLogOnly             ActionType = "LOG_ONLY"
	ActionCreateWorkspaceTask ActionType = "CREATE_WORKSPACE_TASK"
	ActionUpdateWorkspaceTask ActionType = "UPDATE_WORKSPACE_TASK"
	ActionCreateCalendarEvent ActionType = "CREATE_CALENDAR_EVENT"
	ActionUpdateCalendarEvent ActionType = "UPDATE_CALENDAR_EVENT"
	ActionDeleteCalendarEvent ActionType = "DELETE_CALENDAR_EVENT"
	ActionCreateBriefing      ActionType = "CREATE_BRIEFING"
	ActionWritePrivateNote    ActionType = "WRITE_PRIVATE_NOTE"
)

// ActionStatus moves one way only: PLANNED to one of the terminal states.
type ActionStatus string

const (
	ActionPlanned  ActionStatus = "PLANNED"
	ActionSkipped  ActionStatus = "SKIPPED"
	ActionExecuted ActionStatus = "EXECUTED"
	ActionFailed   ActionStatus = "FAILED"
)

// ActionTarget holds the routing destination. At most one field is authoritative.
type ActionTarget struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ChannelSlug    string `json:"channel_slug,omitempty"`
}

// Action is a planned or executed side effect belonging to a task.
type Action struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	Seq        int            `json:"seq"`
	Type       ActionType     `json:"type"`
	Status     ActionStatus   `json:"status"`
	Target     ActionTarget   `json:"target"`
	Payload    map[string]any `json:"payload"`
	Result     map[string]any `json:"result,omitempty"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence"`
	Autonomy   AutonomyLevel  `json:"autonomy,omitempty"`
	Error      *string        `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
}

// Event log types written by the orchestrator and executor.
const (
	EventTurnStarted          = "turn_started"
	EventTurnCompleted        = "turn_completed"
	EventTurnFailed           = "turn_failed"
	EventActionPlanned        = "action_planned"
	EventActionExecuted       = "action_executed"
	EventActionFailed         = "action_failed"
	EventPolicyBlocked        = "policy_blocked"
	EventPolicyReviewRequired = "policy_review_required"
	EventRelevanceScored      = "relevance_scored"
	EventRouteResolved        = "route_resolved"
)

// EventLog is an append-only audit line.
type EventLog struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	ActionID  *string        `json:"action_id,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Attribution modes for messages the assistant sends as a user.
const (
	AttributionOnBehalf = "AI_ON_BEHALF"
	AttributionSigned   = "AI_SIGNED"
)

// OutboundDelivery proves a message was sent by the assistant acting as a user.
type OutboundDelivery struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	ActionID        string    `json:"action_id"`
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id"`
	SenderID        string    `json:"sender_id"`
	AttributionMode string    `json:"attribution_mode"`
	CreatedAt       time.Time `json:"created_at"`
}
