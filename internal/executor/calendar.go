package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/store"
)

const defaultMeeting = 30 * time.Minute

// Candidate scores for resolving a meeting from a title hint.
const (
	scoreExact     = 100
	scoreSubstring = 60
	scoreOther     = 10
	penaltyPerDay  = 5
)

func (e *Executor) calendarCaps(ctx context.Context) (models.Capabilities, error) {
	caps, err := e.store.Capabilities(ctx)
	if err != nil {
		return caps, fmt.Errorf("probe capabilities: %w", err)
	}
	if !caps.Calendar {
		return caps, fmt.Errorf("calendar not provisioned: %w", models.ErrSchemaOutdated)
	}
	return caps, nil
}

func (e *Executor) createEvent(ctx context.Context, a models.Action) (outcome, error) {
	if _, err := e.calendarCaps(ctx); err != nil {
		return outcome{}, err
	}
	title := str(a.Payload, KeyTitle)
	start, err := timeOf(a.Payload, KeyStartAt)
	if err != nil {
		return outcome{}, err
	}
	if title == "" || start == nil {
		return outcome{}, fmt.Errorf("meeting title and start required: %w", models.ErrInvalidInput)
	}
	end, err := timeOf(a.Payload, KeyEndAt)
	if err != nil {
		return outcome{}, err
	}
	endAt := start.Add(durationOr(a.Payload, defaultMeeting))
	if end != nil {
		endAt = *end
	}
	if !endAt.After(*start) {
		return outcome{}, fmt.Errorf("meeting ends before it starts: %w", models.ErrInvalidInput)
	}
	attendees, err := e.resolveUsers(ctx, StringsOf(a.Payload, KeyAttendees))
	if err != nil {
		return outcome{}, err
	}

	ev, err := e.store.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{
		OwnerID:     a.UserID,
		Title:       title,
		Description: str(a.Payload, KeyDescription),
		Location:    str(a.Payload, KeyLocation),
		StartAt:     *start,
		EndAt:       endAt,
		AttendeeIDs: attendees,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create calendar event: %w", err)
	}
	return outcome{
		result: eventResult(ev),
		events: []realtime.Event{{Type: "calendar.created", Reason: ev.Title, UserIDs: audience(ev)}},
	}, nil
}

func (e *Executor) updateEvent(ctx context.Context, a models.Action) (outcome, error) {
	caps, err := e.calendarCaps(ctx)
	if err != nil {
		return outcome{}, err
	}
	ev, err := e.resolveEvent(ctx, a, caps)
	if err != nil {
		return outcome{}, err
	}

	p := store.UpdateCalendarEventParams{ID: ev.ID, Version: ev.Version}
	if t := str(a.Payload, KeyNewTitle); t != "" {
		p.Title = &t
	}
	newStart, err := timeOf(a.Payload, KeyNewStartAt)
	if err != nil {
		return outcome{}, err
	}
	newEnd, err := timeOf(a.Payload, KeyNewEndAt)
	if err != nil {
		return outcome{}, err
	}
	start := ev.StartAt
	if newStart != nil {
		start = *newStart
		p.StartAt = newStart
	}
	switch {
	case newEnd != nil:
		p.EndAt = newEnd
	case intOf(a.Payload, KeyDurationMinutes) > 0:
		end := start.Add(durationOr(a.Payload, 0))
		p.EndAt = &end
	case newStart != nil:
		// Moving a meeting keeps its length.
		end := start.Add(ev.EndAt.Sub(ev.StartAt))
		p.EndAt = &end
	}
	if p.EndAt != nil && !p.EndAt.After(start) {
		return outcome{}, fmt.Errorf("meeting ends before it starts: %w", models.ErrInvalidInput)
	}
	if refs := StringsOf(a.Payload, KeyAttendees); refs != nil {
		ids, err := e.resolveUsers(ctx, refs)
		if err != nil {
			return outcome{}, err
		}
		if ids == nil {
			ids = []string{}
		}
		p.AttendeeIDs = ids
	}

	updated, err := e.store.UpdateCalendarEvent(ctx, p)
	if err != nil {
		return outcome{}, fmt.Errorf("update calendar event: %w", err)
	}
	res := eventResult(updated)
	res["previousStartAt"] = FormatTime(ev.StartAt)
	return outcome{
		result: res,
		events: []realtime.Event{{Type: "calendar.updated", Reason: updated.Title, UserIDs: audience(updated)}},
	}, nil
}

func (e *Executor) deleteEvent(ctx context.Context, a models.Action) (outcome, error) {
	caps, err := e.calendarCaps(ctx)
	if err != nil {
		return outcome{}, err
	}
	ev, err := e.resolveEvent(ctx, a, caps)
	if err != nil {
		return outcome{}, err
	}
	if err := e.store.DeleteCalendarEvent(ctx, ev.ID); err != nil {
		return outcome{}, fmt.Errorf("delete calendar event: %w", err)
	}
	return outcome{
		result: map[string]any{"eventId": ev.ID, "title": ev.Title, "deleted": true},
		events: []realtime.Event{{Type: "calendar.deleted", Reason: ev.Title, UserIDs: audience(ev)}},
	}, nil
}

// resolveEvent finds the meeting an update or delete refers to: by id, else
// the best-scoring candidate the acting user owns or attends.
func (e *Executor) resolveEvent(ctx context.Context, a models.Action, caps models.Capabilities) (models.CalendarEvent, error) {
	if id := str(a.Payload, KeyEventID); id != "" {
		ev, err := e.store.GetCalendarEvent(ctx, id)
		if err != nil {
			return models.CalendarEvent{}, fmt.Errorf("load calendar event: %w", err)
		}
		return ev, nil
	}
	title := str(a.Payload, KeyTitle)
	hint, err := timeOf(a.Payload, KeyHintStart)
	if err != nil {
		return models.CalendarEvent{}, err
	}
	if title == "" && hint == nil {
		return models.CalendarEvent{}, fmt.Errorf("meeting id, title or time required: %w", models.ErrInvalidInput)
	}
	events, err := e.store.ListCalendarEvents(ctx, store.CalendarFilter{
		UserIDs:          []string{a.UserID},
		IncludeAttendees: caps.CalendarAttendees,
		Limit:            200,
	})
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("list calendar events: %w", err)
	}

	var (
		best                models.CalendarEvent
		bestScore, bestBase int
		found               bool
	)
	for _, ev := range events {
		base := TitleScore(ev.Title, title)
		score := base - DayPenalty(ev.StartAt, hint)
		if !found || score > bestScore {
			best, bestScore, bestBase, found = ev, score, base, true
		}
	}
	if !found {
		return models.CalendarEvent{}, fmt.Errorf("no meetings to match %q: %w", title, models.ErrNotFound)
	}
	// A title nobody matches only resolves when a time narrows it down.
	if title != "" && bestBase < scoreSubstring && hint == nil {
		return models.CalendarEvent{}, fmt.Errorf("meeting %q: %w", title, models.ErrNotFound)
	}
	return best, nil
}

// TitleScore rates how well an event title matches a hint.
func TitleScore(eventTitle, hint string) int {
	t, h := strings.ToLower(strings.TrimSpace(eventTitle)), strings.ToLower(strings.TrimSpace(hint))
	switch {
	case h == "":
		return scoreOther
	case t == h:
		return scoreExact
	case strings.Contains(t, h) || (t != "" && strings.Contains(h, t)):
		return scoreSubstring
	}
	return scoreOther
}

// DayPenalty is five points per whole day between start and the hinted start.
func DayPenalty(start time.Time, hint *time.Time) int {
	if hint == nil {
		return 0
	}
	d := start.Sub(*hint)
	if d < 0 {
		d = -d
	}
	return penaltyPerDay * int(d/(24*time.Hour))
}

func durationOr(p map[string]any, def time.Duration) time.Duration {
	if m := intOf(p, KeyDurationMinutes); m > 0 {
		return time.Duration(m) * time.Minute
	}
	return def
}

func eventResult(ev models.CalendarEvent) map[string]any {
	return map[string]any{
		"eventId":     ev.ID,
		"title":       ev.Title,
		"startAt":     FormatTime(ev.StartAt),
		"endAt":       FormatTime(ev.EndAt),
		"attendeeIds": ev.AttendeeIDs,
		"version":     ev.Version,
	}
}

func audience(ev models.CalendarEvent) []string {
	if len(ev.AttendeeIDs) == 0 {
		return []string{ev.OwnerID}
	}
	return ev.AttendeeIDs
}
