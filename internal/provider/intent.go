package provider

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IntentKind classifies a free-text command.
type IntentKind string

const (
	IntentCreateTask        IntentKind = "create_task"
	IntentUpdateTaskStatus  IntentKind = "update_task_status"
	IntentListTasks         IntentKind = "list_tasks"
	IntentListUsers         IntentKind = "list_users"
	IntentScheduleMeeting   IntentKind = "schedule_meeting"
	IntentRescheduleMeeting IntentKind = "reschedule_meeting"
	IntentCancelMeeting     IntentKind = "cancel_meeting"
	IntentShowCalendar      IntentKind = "show_calendar"
	IntentSendMessage       IntentKind = "send_message"
	IntentUnknown           IntentKind = "unknown"
)

// Intent is a parsed command. Fields are populated per kind.
type Intent struct {
	Kind      IntentKind
	Title     string
	Status    string
	Start     *time.Time
	Duration  time.Duration
	Attendees []string
	Target    string
	Text      string
}

// IntentParser turns free text into intents. Implementations are swappable:
// the rule-based parser here, or a model-backed one.
type IntentParser interface {
	Parse(text string, now time.Time) Intent
}

// RuleParser is a regular-expression command parser.
type RuleParser struct{}

var (
	reQuoted     = regexp.MustCompile(`["“”]([^"“”]+)["“”]`)
	reAddTask    = regexp.MustCompile(`(?i)^(?:please\s+)?(?:add|create|new)\s+(?:a\s+)?(?:new\s+)?(?:task|todo|to-do)\s*:?\s*(.+)$`)
	reMarkTask   = regexp.MustCompile(`(?i)^mark\s+(?:the\s+)?(?:task\s+)?(.+?)\s+(?:as\s+)?(done|complete|completed|finished|in[\s-]progress|started|open|reopened)\.?$`)
	reListTasks  = regexp.MustCompile(`(?i)\b(?:list|show|what are|which)\b.*\b(?:tasks?|todos?)\b`)
	reListUsers  = regexp.MustCompile(`(?i)\b(?:list|show|who are|who is)\b.*\b(?:users|people|members|team|everyone)\b`)
	reSchedule   = regexp.MustCompile(`(?i)^(?:please\s+)?(?:schedule|book|set up|arrange)\s+(.+)$`)
	reReschedule = regexp.MustCompile(`(?i)^(?:please\s+)?(?:reschedule|move)\s+(?:the\s+)?(?:meeting\s+)?(.+?)\s+to\s+(.+)$`)
	reCancel     = regexp.MustCompile(`(?i)^(?:please\s+)?(?:cancel|delete|remove)\s+(?:the\s+)?(?:meeting|event|call)?\s*(.+)$`)
	reCalendar   = regexp.MustCompile(`(?i)\b(?:show|list|what's on|whats on|what is on)\b.*\b(?:calendar|meetings|schedule|agenda)\b`)
	reSend       = regexp.MustCompile(`(?i)^(?:please\s+)?(?:send|tell|message|dm|ping)\s+(?:a\s+message\s+to\s+)?(#[\w-]+|@?[\w.-]+)\s*(?:that\b|:|,)?\s*(.+)$`)

	reClock    = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b|\b(\d{1,2}):(\d{2})\b`)
	reDuration = regexp.MustCompile(`(?i)\bfor\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h)\b`)
	reHalfHour = regexp.MustCompile(`(?i)\bfor\s+(?:a\s+)?half\s+(?:an\s+)?hour\b`)
	reAnHour   = regexp.MustCompile(`(?i)\bfor\s+(?:an|one)\s+hour\b`)
	reWith     = regexp.MustCompile(`(?i)\bwith\s+(@?[\w.-]+(?:(?:\s*,\s*|\s+and\s+)@?[\w.-]+)*)`)
	reDay      = regexp.MustCompile(`(?i)\b(today|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reStopWord = regexp.MustCompile(`(?i)(?:^|\s+)(?:today|tomorrow|on|at|for|with|next|this|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b.*$`)
	reListSep  = regexp.MustCompile(`\s*,\s*|\s+and\s+`)
	reNoun     = regexp.MustCompile(`(?i)^(?:a\s+|an\s+|the\s+)?(?:meeting|call|event|sync)\s*(?:called|named|titled|about|:)?\s*`)
)

const defaultMeeting = 30 * time.Minute

// Parse classifies text relative to now. Order matters: mutating calendar
// commands are tried before read-only calendar queries.
func (RuleParser) Parse(text string, now time.Time) Intent {
	text = strings.TrimSpace(text)
	switch {
	case reAddTask.MatchString(text):
		m := reAddTask.FindStringSubmatch(text)
		return Intent{Kind: IntentCreateTask, Title: unquote(m[1])}
	case reMarkTask.MatchString(text):
		m := reMarkTask.FindStringSubmatch(text)
		return Intent{Kind: IntentUpdateTaskStatus, Title: unquote(m[1]), Status: normalizeStatus(m[2])}
	case reReschedule.MatchString(text):
		m := reReschedule.FindStringSubmatch(text)
		in := Intent{Kind: IntentRescheduleMeeting, Title: unquote(m[1])}
		if start, ok := parseWhen(m[2], now); ok {
			in.Start = &start
		}
		in.Duration = parseDuration(m[2])
		return in
	case reSchedule.MatchString(text):
		return parseSchedule(reSchedule.FindStringSubmatch(text)[1], now)
	case reCancel.MatchString(text):
		m := reCancel.FindStringSubmatch(text)
		in := Intent{Kind: IntentCancelMeeting, Title: meetingTitle(m[1])}
		if start, ok := parseWhen(m[1], now); ok {
			in.Start = &start
		}
		return in
	case reCalendar.MatchString(text):
		return Intent{Kind: IntentShowCalendar}
	case reListTasks.MatchString(text):
		return Intent{Kind: IntentListTasks}
	case reListUsers.MatchString(text):
		return Intent{Kind: IntentListUsers}
	case reSend.MatchString(text):
		m := reSend.FindStringSubmatch(text)
		return Intent{Kind: IntentSendMessage, Target: strings.TrimPrefix(m[1], "@"), Text: unquote(m[2])}
	}
	return Intent{Kind: IntentUnknown, Text: text}
}

func parseSchedule(rest string, now time.Time) Intent {
	in := Intent{Kind: IntentScheduleMeeting, Title: meetingTitle(rest), Duration: parseDuration(rest)}
	if in.Duration == 0 {
		in.Duration = defaultMeeting
	}
	if m := reWith.FindStringSubmatch(rest); m != nil {
		for _, name := range reListSep.Split(m[1], -1) {
			if name = strings.TrimPrefix(strings.TrimSpace(name), "@"); name != "" {
				in.Attendees = append(in.Attendees, name)
			}
		}
	}
	start, ok := parseWhen(rest, now)
	if !ok {
		start = now.Truncate(time.Hour).Add(time.Hour)
	}
	in.Start = &start
	return in
}

// meetingTitle prefers a quoted title, else the words before the first
// date/time/attendee keyword.
func meetingTitle(s string) string {
	if m := reQuoted.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	s = reNoun.ReplaceAllString(strings.TrimSpace(s), "")
	s = reStopWord.ReplaceAllString(s, "")
	s = strings.TrimSpace(strings.TrimRight(s, ".!?"))
	if s == "" {
		return "Meeting"
	}
	return s
}

// parseWhen finds a day word and a clock time. A time without a day means
// today; a day without a time means 09:00.
func parseWhen(s string, now time.Time) (time.Time, bool) {
	day, hasDay := parseDay(s, now)
	hour, minute, hasClock := parseClock(s)
	if !hasDay && !hasClock {
		return time.Time{}, false
	}
	if !hasClock {
		hour, minute = 9, 0
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location()), true
}

func parseDay(s string, now time.Time) (time.Time, bool) {
	m := reDay.FindStringSubmatch(s)
	if m == nil {
		return now, false
	}
	switch word := strings.ToLower(m[1]); word {
	case "today":
		return now, true
	case "tomorrow":
		return now.AddDate(0, 0, 1), true
	default:
		for d := 1; d <= 7; d++ {
			next := now.AddDate(0, 0, d)
			if strings.EqualFold(next.Weekday().String(), word) {
				return next, true
			}
		}
	}
	return now, false
}

func parseClock(s string) (int, int, bool) {
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	if m[3] != "" {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false
		}
		hour %= 12
		if strings.EqualFold(m[3], "pm") {
			hour += 12
		}
		return hour, minute, true
	}
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func parseDuration(s string) time.Duration {
	switch {
	case reHalfHour.MatchString(s):
		return 30 * time.Minute
	case reAnHour.MatchString(s):
		return time.Hour
	}
	m := reDuration.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		return time.Duration(n) * time.Hour
	}
	return time.Duration(n) * time.Minute
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.ReplaceAll(s, "-", " ")) {
	case "done", "complete", "completed", "finished":
		return "DONE"
	case "in progress", "started":
		return "IN_PROGRESS"
	default:
		return "OPEN"
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if m := reQuoted.FindStringSubmatch(s); m != nil && strings.TrimSpace(reQuoted.ReplaceAllString(s, "")) == "" {
		return strings.TrimSpace(m[1])
	}
	return strings.Trim(s, `"“” `)
}
