package models

import "time"

// User is a workspace member.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// Conversation kinds.
const (
	ConversationDM      = "DM"
	ConversationChannel = "CHANNEL"
)

// Conversation is a message thread, either a DM between two users or a channel's backing thread.
type Conversation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	DMKey     *string   `json:"dm_key,omitempty"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a named, slugged conversation.
type Channel struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	ConversationID string    `json:"conversation_id"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a chat message in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	ViaAssistant   bool      `json:"via_assistant"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadState tracks how far a user has read a conversation.
type ReadState struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// Chat turn roles in the private assistant thread.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleNote      = "note"
)

// ChatTurn is one entry in a user's private conversation with the assistant.
type ChatTurn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    *string   `json:"task_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CalendarEvent is a scheduled meeting. Version guards concurrent updates.
type CalendarEvent struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	AttendeeIDs []string  `json:"attendee_ids"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Workspace task statuses.
const (
	WorkStatusOpen       = "OPEN"
	WorkStatusInProgress = "IN_PROGRESS"
	WorkStatusDone       = "DONE"
)

// WorkspaceTask is a to-do item in the shared workspace.
type WorkspaceTask struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	AssigneeID *string    `json:"assignee_id,omitempty"`
	CreatedBy  string     `json:"created_by"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Briefing importance and kinds.
const (
	ImportanceLow    = "LOW"
	ImportanceMedium = "MEDIUM"
	ImportanceHigh   = "HIGH"

	BriefingInfo       = "INFO"
	BriefingSuggestion = "SUGGESTION"
	BriefingReview     = "REVIEW"
)

// Briefing statuses.
const (
	BriefingUnread    = "UNREAD"
	BriefingAcked     = "ACKED"
	BriefingDismissed = "DISMISSED"
	BriefingActed     = "ACTED"
)

// SourceRef points at the workspace record a briefing was derived from.
type SourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// BriefingItem is a surfaced, non-executed recommendation.
type BriefingItem struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	TaskID            *string     `json:"task_id,omitempty"`
	Kind              string      `json:"kind"`
	Importance        string      `json:"importance"`
	Summary           string      `json:"summary"`
	RecommendedAction string      `json:"recommended_action,omitempty"`
	SourceRefs        []SourceRef `json:"source_refs"`
	Status            string      `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Capabilities records which optional schema features are provisioned.
type Capabilities struct {
	Calendar          bool `json:"calendar"`
	CalendarAttendees bool `json:"calendar_attendees"`
}
