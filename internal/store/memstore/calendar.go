package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

func (s *Store) schemaCheck() error {
	if !s.calendar {
		return fmt.Errorf("calendar_events relation missing: %w", models.ErrSchemaOutdated)
	}
	return nil
}

func (s *Store) ListCalendarEvents(_ context.Context, f store.CalendarFilter) ([]models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.schemaCheck(); err != nil {
		return nil, err
	}
	all := len(f.EventIDs) == 0 && len(f.UserIDs) == 0
	out := []models.CalendarEvent{}
	for _, id := range s.order["calEvents"] {
		e, ok := s.calEvents[id]
		if !ok {
			continue
		}
		match := all || contains(f.EventIDs, e.ID) || contains(f.UserIDs, e.OwnerID)
		if !match && f.IncludeAttendees && s.calendarAttendees {
			for _, a := range e.AttendeeIDs {
				if contains(f.UserIDs, a) {
					match = true
					break
				}
			}
		}
		if match {
			out = append(out, s.viewEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return capSlice(out, f.Limit, 80), nil
}

// viewEvent hides attendees when the attendee relation is not provisioned.
func (s *Store) viewEvent(e models.CalendarEvent) models.CalendarEvent {
	if !s.calendarAttendees {
		e.AttendeeIDs = []string{}
		return e
	}
	e.AttendeeIDs = append([]string{}, e.AttendeeIDs...)
	return e
}

func (s *Store) GetCalendarEvent(_ context.Context, id string) (models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.schemaCheck(); err != nil {
		return models.CalendarEvent{}, err
	}
	e, ok := s.calEvents[id]
	if !ok {
		return models.CalendarEvent{}, fmt.Errorf("calendar event not found: %w", models.ErrNotFound)
	}
	return s.viewEvent(e), nil
}

func (s *Store) CreateCalendarEvent(_ context.Context, p store.CreateCalendarEventParams) (models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.schemaCheck(); err != nil {
		return models.CalendarEvent{}, err
	}
	if err := s.injected("CreateCalendarEvent"); err != nil {
		return models.CalendarEvent{}, err
	}
	now := s.now()
	e := models.CalendarEvent{
		ID:          uuid.New().String(),
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		StartAt:     p.StartAt.UTC(),
		EndAt:       p.EndAt.UTC(),
		AttendeeIDs: dedupe(append([]string{p.OwnerID}, p.AttendeeIDs...)),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.calEvents[e.ID] = e
	s.order["calEvents"] = append(s.order["calEvents"], e.ID)
	return s.viewEvent(e), nil
}

func (s *Store) UpdateCalendarEvent(_ context.Context, p store.UpdateCalendarEventParams) (models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.schemaCheck(); err != nil {
		return models.CalendarEvent{}, err
	}
	e, ok := s.calEvents[p.ID]
	if !ok {
		return models.CalendarEvent{}, fmt.Errorf("calendar event not found: %w", models.ErrNotFound)
	}
	if e.Version != p.Version {
		return models.CalendarEvent{}, fmt.Errorf("calendar event %s: %w", p.ID, models.ErrVersionConflict)
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.StartAt != nil {
		e.StartAt = p.StartAt.UTC()
	}
	if p.EndAt != nil {
		e.EndAt = p.EndAt.UTC()
	}
	if p.AttendeeIDs != nil {
		e.AttendeeIDs = dedupe(append([]string{e.OwnerID}, p.AttendeeIDs...))
	}
	e.Version++
	e.UpdatedAt = s.now()
	s.calEvents[p.ID] = e
	return s.viewEvent(e), nil
}

func (s *Store) DeleteCalendarEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.schemaCheck(); err != nil {
		return err
	}
	if _, ok := s.calEvents[id]; !ok {
		return fmt.Errorf("calendar event %s: %w", id, models.ErrNotFound)
	}
	delete(s.calEvents, id)
	return nil
}
