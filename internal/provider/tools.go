package provider

import "time"

// Tool names shared by the orchestrator (which implements them) and providers
// (which invoke them).
const (
	ToolCreateTask     = "create_task"
	ToolUpdateTask     = "update_task"
	ToolListTasks      = "list_tasks"
	ToolListUsers      = "list_users"
	ToolQueryCalendar  = "query_calendar_events"
	ToolCreateEvent    = "create_calendar_event"
	ToolUpdateEvent    = "update_calendar_event"
	ToolDeleteEvent    = "delete_calendar_event"
	ToolSendMessage    = "send_message"
	ToolReadContext    = "read_context"
	ToolCreateBriefing = "create_briefing"
	ToolPrivateNote    = "write_private_note"
	ToolLogOnly        = "log_only"
)

type CreateTaskArgs struct {
	Title    string     `json:"title" validate:"required,max=200" desc:"task title"`
	Assignee string     `json:"assignee,omitempty" desc:"user id or name"`
	DueAt    *time.Time `json:"dueAt,omitempty"`
}

type UpdateTaskArgs struct {
	TaskID   string `json:"taskId,omitempty"`
	Title    string `json:"title,omitempty" validate:"required_without=TaskID" desc:"existing title to match"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=OPEN IN_PROGRESS DONE"`
	NewTitle string `json:"newTitle,omitempty" validate:"omitempty,max=200"`
	Assignee string `json:"assignee,omitempty"`
}

type ListTasksArgs struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=OPEN IN_PROGRESS DONE"`
}

type ListUsersArgs struct{}

type QueryCalendarArgs struct {
	Query string     `json:"query,omitempty" desc:"title substring"`
	From  *time.Time `json:"from,omitempty"`
	To    *time.Time `json:"to,omitempty"`
}

type CreateEventArgs struct {
	Title           string     `json:"title" validate:"required,max=200"`
	StartAt         time.Time  `json:"startAt" validate:"required"`
	EndAt           *time.Time `json:"endAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty" validate:"omitempty,min=1,max=1440"`
	Attendees       []string   `json:"attendees,omitempty" desc:"user ids or names"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
}

type UpdateEventArgs struct {
	EventID         string     `json:"eventId,omitempty"`
	Title           string     `json:"title,omitempty" validate:"required_without=EventID" desc:"title hint used to find the event"`
	HintStart       *time.Time `json:"hintStart,omitempty"`
	NewTitle        string     `json:"newTitle,omitempty" validate:"omitempty,max=200"`
	NewStartAt      *time.Time `json:"newStartAt,omitempty"`
	NewEndAt        *time.Time `json:"newEndAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty" validate:"omitempty,min=1,max=1440"`
	Attendees       []string   `json:"attendees,omitempty"`
}

type DeleteEventArgs struct {
	EventID   string     `json:"eventId,omitempty"`
	Title     string     `json:"title,omitempty" validate:"required_without=EventID"`
	HintStart *time.Time `json:"hintStart,omitempty"`
}

// SendMessageArgs addresses a user (id or name), a channel slug, or a topic.
type SendMessageArgs struct {
	To             string `json:"to,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Topic          string `json:"topic,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text" validate:"required,max=4000"`
}

type ReadContextArgs struct{}

type CreateBriefingArgs struct {
	Summary           string `json:"summary" validate:"required,max=1000"`
	Importance        string `json:"importance,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	RecommendedAction string `json:"recommendedAction,omitempty"`
}

type PrivateNoteArgs struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type LogOnlyArgs struct {
	Reason string `json:"reason,omitempty"`
}
