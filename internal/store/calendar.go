package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"workspace-assistant/internal/models"
)

const calendarColumns = `e.id, e.owner_id, e.title, e.description, e.location, e.start_at, e.end_at, e.version, e.created_at, e.updated_at`

// ListCalendarEvents returns events most-recent-first. A missing calendar schema
// surfaces as ErrSchemaOutdated.
func (s *Postgres) ListCalendarEvents(ctx context.Context, f CalendarFilter) ([]models.CalendarEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 80
	}
	query := `
		SELECT ` + calendarColumns + `
		FROM calendar_events e
		WHERE (cardinality($1::text[]) = 0 AND cardinality($2::text[]) = 0)
		   OR e.id = ANY($1::text[])
		   OR e.owner_id = ANY($2::text[])`
	if f.IncludeAttendees {
		query += `
		   OR EXISTS (SELECT 1 FROM calendar_event_attendees a WHERE a.event_id = e.id AND a.user_id = ANY($2::text[]))`
	}
	query += `
		ORDER BY e.start_at DESC
		LIMIT $3`
	rows, err := s.pool.Query(ctx, query, nonNil(f.EventIDs), nonNil(f.UserIDs), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query calendar events: %w", mapPgError(err))
	}
	events := []models.CalendarEvent{}
	for rows.Next() {
		var e models.CalendarEvent
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.Location, &e.StartAt, &e.EndAt, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		e.AttendeeIDs = []string{}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calendar events: %w", mapPgError(err))
	}
	if err := s.loadAttendees(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Postgres) loadAttendees(ctx context.Context, events []models.CalendarEvent) error {
	if len(events) == 0 {
		return nil
	}
	ok, err := s.attendeeRelation(ctx)
	if err != nil || !ok {
		return err
	}
	ids := make([]string, len(events))
	index := make(map[string]int, len(events))
	for i, e := range events {
		ids[i] = e.ID
		index[e.ID] = i
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, user_id FROM calendar_event_attendees WHERE event_id = ANY($1::text[]) ORDER BY user_id
	`, ids)
	if err != nil {
		return fmt.Errorf("query attendees: %w", mapPgError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var eventID, userID string
		if err := rows.Scan(&eventID, &userID); err != nil {
			return fmt.Errorf("scan attendee: %w", err)
		}
		i := index[eventID]
		events[i].AttendeeIDs = append(events[i].AttendeeIDs, userID)
	}
	return rows.Err()
}

// GetCalendarEvent fetches one event with attendees.
func (s *Postgres) GetCalendarEvent(ctx context.Context, id string) (models.CalendarEvent, error) {
	var e models.CalendarEvent
	err := s.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendar_events e WHERE e.id = $1`, id).
		Scan(&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.Location, &e.StartAt, &e.EndAt, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.CalendarEvent{}, notFound(err, "calendar event")
	}
	e.AttendeeIDs = []string{}
	events := []models.CalendarEvent{e}
	if err := s.loadAttendees(ctx, events); err != nil {
		return models.CalendarEvent{}, err
	}
	return events[0], nil
}

// CreateCalendarEvent inserts an event and, when supported, its attendees.
func (s *Postgres) CreateCalendarEvent(ctx context.Context, p CreateCalendarEventParams) (models.CalendarEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
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
	if _, err := tx.Exec(ctx, `
		INSERT INTO calendar_events (id, owner_id, title, description, location, start_at, end_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
	`, e.ID, e.OwnerID, e.Title, e.Description, e.Location, e.StartAt, e.EndAt, now); err != nil {
		return models.CalendarEvent{}, fmt.Errorf("insert calendar event: %w", mapPgError(err))
	}
	if err := s.replaceAttendees(ctx, tx, e.ID, e.AttendeeIDs); err != nil {
		return models.CalendarEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CalendarEvent{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (s *Postgres) replaceAttendees(ctx context.Context, tx pgx.Tx, eventID string, attendees []string) error {
	ok, err := s.attendeeRelation(ctx)
	if err != nil || !ok {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM calendar_event_attendees WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("clear attendees: %w", err)
	}
	for _, id := range attendees {
		if _, err := tx.Exec(ctx, `
			INSERT INTO calendar_event_attendees (event_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, eventID, id); err != nil {
			return fmt.Errorf("insert attendee: %w", err)
		}
	}
	return nil
}

// UpdateCalendarEvent applies an optimistic, version-guarded patch.
func (s *Postgres) UpdateCalendarEvent(ctx context.Context, p UpdateCalendarEventParams) (models.CalendarEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var ownerID string
	err = tx.QueryRow(ctx, `
		UPDATE calendar_events
		SET title = COALESCE($3, title),
		    description = COALESCE($4, description),
		    location = COALESCE($5, location),
		    start_at = COALESCE($6, start_at),
		    end_at = COALESCE($7, end_at),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING owner_id
	`, p.ID, p.Version, p.Title, p.Description, p.Location, p.StartAt, p.EndAt).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetCalendarEvent(ctx, p.ID); getErr != nil {
			return models.CalendarEvent{}, getErr
		}
		return models.CalendarEvent{}, fmt.Errorf("calendar event %s: %w", p.ID, models.ErrVersionConflict)
	}
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("update calendar event: %w", mapPgError(err))
	}
	if p.AttendeeIDs != nil {
		if err := s.replaceAttendees(ctx, tx, p.ID, dedupe(append([]string{ownerID}, p.AttendeeIDs...))); err != nil {
			return models.CalendarEvent{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CalendarEvent{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetCalendarEvent(ctx, p.ID)
}

// DeleteCalendarEvent removes an event; attendees cascade.
func (s *Postgres) DeleteCalendarEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete calendar event: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calendar event %s: %w", id, models.ErrNotFound)
	}
	return nil
}
