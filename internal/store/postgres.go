package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"workspace-assistant/internal/models"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

// Postgres implements Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool

	capMu          sync.Mutex
	attendeesKnown bool
	attendeesOK    bool
}

var _ Repository = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Capabilities probes the optional calendar schema.
func (s *Postgres) Capabilities(ctx context.Context) (models.Capabilities, error) {
	var caps models.Capabilities
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('public.calendar_events') IS NOT NULL`).Scan(&caps.Calendar); err != nil {
		return caps, fmt.Errorf("probe calendar table: %w", err)
	}
	if !caps.Calendar {
		return caps, nil
	}
	ok, err := s.attendeeRelation(ctx)
	if err != nil {
		return caps, err
	}
	caps.CalendarAttendees = ok
	return caps, nil
}

// attendeeRelation is probed once per process; the relation cannot appear at runtime.
func (s *Postgres) attendeeRelation(ctx context.Context) (bool, error) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.attendeesKnown {
		return s.attendeesOK, nil
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('public.calendar_event_attendees') IS NOT NULL`).Scan(&ok); err != nil {
		return false, fmt.Errorf("probe attendee relation: %w", err)
	}
	s.attendeesKnown, s.attendeesOK = true, ok
	return ok, nil
}

// CreateTask inserts a PENDING task.
func (s *Postgres) CreateTask(ctx context.Context, p CreateTaskParams) (models.AgentTask, error) {
	now := time.Now().UTC()
	task := models.AgentTask{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		Source:    p.Source,
		Status:    models.TaskPending,
		Input:     p.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_tasks (id, user_id, source, status, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, task.ID, task.UserID, string(task.Source), string(task.Status), task.Input, now)
	if err != nil {
		return models.AgentTask{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.AgentTask, error) {
	var (
		t          models.AgentTask
		source     string
		status     string
		confidence pgtype.Float8
		code       pgtype.Text
		msg        pgtype.Text
		completed  pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, source, status, input, confidence, error_code, error_message, created_at, updated_at, completed_at
		FROM agent_tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.UserID, &source, &status, &t.Input, &confidence, &code, &msg, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return models.AgentTask{}, notFound(err, "task")
	}
	t.Source = models.TaskSource(source)
	t.Status = models.TaskStatus(status)
	if confidence.Valid {
		c := confidence.Float64
		t.Confidence = &c
	}
	t.ErrorCode = textPtr(code)
	t.ErrorMessage = textPtr(msg)
	t.CompletedAt = timePtr(completed)
	return t, nil
}

// TransitionTask applies a guarded status change.
func (s *Postgres) TransitionTask(ctx context.Context, p TaskTransition) error {
	var completed *time.Time
	if p.To.Terminal() {
		now := time.Now().UTC()
		completed = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = $3,
		    confidence = COALESCE($4, confidence),
		    error_code = $5,
		    error_message = $6,
		    completed_at = COALESCE($7, completed_at),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, p.ID, string(p.From), string(p.To), p.Confidence, emptyToNil(p.ErrorCode), emptyToNil(p.ErrorMessage), completed)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not in status %s: %w", p.ID, p.From, models.ErrConflict)
	}
	return nil
}

// CreateAction inserts a PLANNED action.
func (s *Postgres) CreateAction(ctx context.Context, p CreateActionParams) (models.Action, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Action{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	a := models.Action{
		ID:         uuid.New().String(),
		TaskID:     p.TaskID,
		UserID:     p.UserID,
		Seq:        p.Seq,
		Type:       p.Type,
		Status:     models.ActionPlanned,
		Target:     p.Target,
		Payload:    p.Payload,
		Reasoning:  p.Reasoning,
		Confidence: p.Confidence,
		CreatedAt:  now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_actions (id, task_id, user_id, seq, type, status, target_conversation_id, target_user_id, target_channel_slug, payload, reasoning, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.TaskID, a.UserID, a.Seq, string(a.Type), string(a.Status), a.Target.ConversationID, a.Target.UserID, a.Target.ChannelSlug, payloadJSON, a.Reasoning, a.Confidence, now)
	if err != nil {
		return models.Action{}, fmt.Errorf("insert action: %w", mapPgError(err))
	}
	return a, nil
}

const actionColumns = `id, task_id, user_id, seq, type, status, target_conversation_id, target_user_id, target_channel_slug, payload, result, reasoning, confidence, autonomy, error, created_at, executed_at`

func scanAction(row pgx.Row) (models.Action, error) {
	var (
		a           models.Action
		typ, status string
		autonomy    string
		payloadJSON []byte
		resultJSON  []byte
		errText     pgtype.Text
		executed    pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.UserID, &a.Seq, &typ, &status, &a.Target.ConversationID, &a.Target.UserID, &a.Target.ChannelSlug,
		&payloadJSON, &resultJSON, &a.Reasoning, &a.Confidence, &autonomy, &errText, &a.CreatedAt, &executed); err != nil {
		return models.Action{}, err
	}
	a.Type = models.ActionType(typ)
	a.Status = models.ActionStatus(status)
	a.Autonomy = models.AutonomyLevel(autonomy)
	if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
		return models.Action{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return models.Action{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	a.Error = textPtr(errText)
	a.ExecutedAt = timePtr(executed)
	return a, nil
}

// GetAction fetches an action by id.
func (s *Postgres) GetAction(ctx context.Context, id string) (models.Action, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id = $1`, id))
	if err != nil {
		return models.Action{}, notFound(err, "action")
	}
	return a, nil
}

// ListActions returns a task's actions in provider request order.
func (s *Postgres) ListActions(ctx context.Context, taskID string) ([]models.Action, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	out := []models.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAction finalizes an action if it is still in p.From.
func (s *Postgres) TransitionAction(ctx context.Context, p ActionTransition) (models.Action, error) {
	var resultJSON []byte
	if p.Result != nil {
		raw, err := json.Marshal(p.Result)
		if err != nil {
			return models.Action{}, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = raw
	}
	var executed *time.Time
	if p.To == models.ActionExecuted {
		now := time.Now().UTC()
		executed = &now
	}
	var convID, userID, slug *string
	if p.Target != nil {
		convID, userID, slug = &p.Target.ConversationID, &p.Target.UserID, &p.Target.ChannelSlug
	}
	a, err := scanAction(s.pool.QueryRow(ctx, `
		UPDATE agent_actions
		SET status = $3,
		    autonomy = CASE WHEN $4 = '' THEN autonomy ELSE $4 END,
		    target_conversation_id = COALESCE($5, target_conversation_id),
		    target_user_id = COALESCE($6, target_user_id),
		    target_channel_slug = COALESCE($7, target_channel_slug),
		    result = COALESCE($8, result),
		    error = $9,
		    executed_at = COALESCE($10, executed_at)
		WHERE id = $1 AND status = $2
		RETURNING `+actionColumns,
		p.ID, string(p.From), string(p.To), string(p.Autonomy), convID, userID, slug, resultJSON, emptyToNil(p.Error), executed))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Action{}, fmt.Errorf("action %s not in status %s: %w", p.ID, p.From, models.ErrAlreadyFinalized)
	}
	if err != nil {
		return models.Action{}, fmt.Errorf("update action status: %w", err)
	}
	return a, nil
}

// AppendEvent adds an audit row.
func (s *Postgres) AppendEvent(ctx context.Context, p AppendEventParams) error {
	var meta []byte
	if p.Metadata != nil {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = raw
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (task_id, action_id, type, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, p.TaskID, emptyToNil(p.ActionID), p.Type, p.Message, meta)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a task's audit trail in append order.
func (s *Postgres) ListEvents(ctx context.Context, taskID string) ([]models.EventLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, action_id, type, message, metadata, created_at
		FROM event_logs WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := []models.EventLog{}
	for rows.Next() {
		var (
			e        models.EventLog
			actionID pgtype.Text
			meta     []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &actionID, &e.Type, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ActionID = textPtr(actionID)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateMessageWithDelivery inserts the message and its delivery proof in one
// transaction, so a failed delivery insert leaves no orphan message behind.
func (s *Postgres) CreateMessageWithDelivery(ctx context.Context, p CreateMessageParams, d models.OutboundDelivery) (models.Message, models.OutboundDelivery, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	m := models.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		ViaAssistant:   p.ViaAssistant,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, via_assistant, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ConversationID, m.SenderID, m.Body, m.ViaAssistant, m.CreatedAt); err != nil {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("insert message: %w", mapPgError(err))
	}

	d.ID = uuid.New().String()
	d.ConversationID = m.ConversationID
	d.MessageID = m.ID
	d.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbound_deliveries (id, task_id, action_id, conversation_id, message_id, sender_id, attribution_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.TaskID, d.ActionID, d.ConversationID, d.MessageID, d.SenderID, d.AttributionMode, d.CreatedAt); err != nil {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("insert delivery: %w", mapPgError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, models.OutboundDelivery{}, fmt.Errorf("commit: %w", err)
	}
	return m, d, nil
}

// ListDeliveries returns the deliveries recorded for a task.
func (s *Postgres) ListDeliveries(ctx context.Context, taskID string) ([]models.OutboundDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, action_id, conversation_id, message_id, sender_id, attribution_mode, created_at
		FROM outbound_deliveries WHERE task_id = $1 ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	out := []models.OutboundDelivery{}
	for rows.Next() {
		var d models.OutboundDelivery
		if err := rows.Scan(&d.ID, &d.TaskID, &d.ActionID, &d.ConversationID, &d.MessageID, &d.SenderID, &d.AttributionMode, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// mapPgError translates constraint and schema errors into model sentinels.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrConflict)
		case pgUndefinedTable:
			return fmt.Errorf("%s: %w", pgErr.Message, models.ErrSchemaOutdated)
		}
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s not found: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, mapPgError(err))
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
