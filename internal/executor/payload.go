package executor

import (
	"fmt"
	"strings"
	"time"

	"workspace-assistant/internal/models"
)

// Payload keys shared with the orchestrator that plans actions.
const (
	KeyText            = "text"
	KeyAttribution     = "attributionMode"
	KeyName            = "name"
	KeyMembers         = "memberIds"
	KeyTitle           = "title"
	KeyTaskID          = "taskId"
	KeyStatus          = "status"
	KeyNewTitle        = "newTitle"
	KeyAssignee        = "assigneeId"
	KeyDueAt           = "dueAt"
	KeyEventID         = "eventId"
	KeyHintStart       = "hintStart"
	KeyStartAt         = "startAt"
	KeyEndAt           = "endAt"
	KeyNewStartAt      = "newStartAt"
	KeyNewEndAt        = "newEndAt"
	KeyDurationMinutes = "durationMinutes"
	KeyAttendees       = "attendeeIds"
	KeyDescription     = "description"
	KeyLocation        = "location"
	KeySummary         = "summary"
	KeyImportance      = "importance"
	KeyRecommended     = "recommendedAction"
	KeyKind            = "kind"
	KeySourceRefs      = "sourceRefs"
	KeyContent         = "content"
	KeyReason          = "reason"
)

// FormatTime is the payload encoding for timestamps; payloads round-trip
// through JSON so times travel as RFC 3339 strings.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func timeOf(p map[string]any, key string) (*time.Time, error) {
	switch v := p[key].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case *time.Time:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %v: %w", key, err, models.ErrInvalidInput)
		}
		return &t, nil
	}
	return nil, fmt.Errorf("payload %s has type %T: %w", key, p[key], models.ErrInvalidInput)
}

func intOf(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StringsOf reads a string list from a payload or result map. Values that went
// through JSON come back as []any. It returns nil when the key is absent, so
// callers can tell "keep" from "clear".
func StringsOf(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sourceRefsOf(p map[string]any) []models.SourceRef {
	out := []models.SourceRef{}
	switch v := p[KeySourceRefs].(type) {
	case []models.SourceRef:
		return append(out, v...)
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				out = append(out, models.SourceRef{Kind: str(m, "kind"), ID: str(m, "id")})
			}
		}
	}
	return out
}
