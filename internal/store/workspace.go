package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"workspace-assistant/internal/models"
)

// DMKey is the canonical, order-independent key for a user pair.
func DMKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// UpsertUser inserts or renames a user.
func (s *Postgres) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
	`, u.ID, u.Name, u.Email)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Postgres) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

// ListUsers returns the full roster ordered by name.
func (s *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, email FROM users ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	out := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListChannels returns every channel ordered by slug.
func (s *Postgres) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slug, name, conversation_id, created_by, created_at FROM channels ORDER BY slug
	`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	out := []models.Channel{}
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.ConversationID, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChannelBySlug matches slugs case-insensitively.
func (s *Postgres) GetChannelBySlug(ctx context.Context, slug string) (models.Channel, error) {
	var c models.Channel
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, conversation_id, created_by, created_at FROM channels WHERE lower(slug) = lower($1)
	`, slug).Scan(&c.ID, &c.Slug, &c.Name, &c.ConversationID, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return models.Channel{}, notFound(err, "channel")
	}
	return c, nil
}

// CreateChannel inserts the conversation, its members and the channel in one transaction.
func (s *Postgres) CreateChannel(ctx context.Context, p CreateChannelParams) (models.Channel, models.Conversation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Channel{}, models.Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Kind:      models.ConversationChannel,
		MemberIDs: dedupe(p.MemberIDs),
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx, `INSERT INTO conversations (id, kind, created_at) VALUES ($1, $2, $3)`, conv.ID, conv.Kind, now); err != nil {
		return models.Channel{}, models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := insertMembers(ctx, tx, conv.ID, conv.MemberIDs); err != nil {
		return models.Channel{}, models.Conversation{}, err
	}

	ch := models.Channel{
		ID:             uuid.New().String(),
		Slug:           p.Slug,
		Name:           p.Name,
		ConversationID: conv.ID,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      now,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO channels (id, slug, name, conversation_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO NOTHING
	`, ch.ID, ch.Slug, ch.Name, ch.ConversationID, ch.CreatedBy, now)
	if err != nil {
		return models.Channel{}, models.Conversation{}, fmt.Errorf("insert channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Channel{}, models.Conversation{}, fmt.Errorf("channel slug %q taken: %w", p.Slug, models.ErrConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Channel{}, models.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return ch, conv, nil
}

func insertMembers(ctx context.Context, tx pgx.Tx, conversationID string, members []string) error {
	for _, m := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, conversationID, m); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

// GetConversation fetches a conversation and its members.
func (s *Postgres) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var (
		c     models.Conversation
		dmKey pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.kind, c.dm_key, c.created_at,
		       COALESCE(ARRAY(SELECT user_id FROM conversation_members m WHERE m.conversation_id = c.id ORDER BY user_id), '{}')
		FROM conversations c WHERE c.id = $1
	`, id).Scan(&c.ID, &c.Kind, &dmKey, &c.CreatedAt, &c.MemberIDs)
	if err != nil {
		return models.Conversation{}, notFound(err, "conversation")
	}
	c.DMKey = textPtr(dmKey)
	return c, nil
}

// FindDM looks up the DM for a pair regardless of argument order.
func (s *Postgres) FindDM(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM conversations WHERE dm_key = $1`, DMKey(userA, userB)).Scan(&id)
	if err != nil {
		return models.Conversation{}, notFound(err, "dm")
	}
	return s.GetConversation(ctx, id)
}

// FindOrCreateDM inserts the DM guarded by the unique dm_key; a concurrent creator
// wins and this call re-reads its row.
func (s *Postgres) FindOrCreateDM(ctx context.Context, userA, userB string) (models.Conversation, bool, error) {
	if conv, err := s.FindDM(ctx, userA, userB); err == nil {
		return conv, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Conversation{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	key := DMKey(userA, userB)
	id := uuid.New().String()
	tag, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, kind, dm_key, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (dm_key) DO NOTHING
	`, id, models.ConversationDM, key)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("insert dm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else created the pair after our lookup; return theirs.
		if err := tx.Rollback(ctx); err != nil {
			return models.Conversation{}, false, fmt.Errorf("rollback after dm conflict: %w", err)
		}
		conv, err := s.FindDM(ctx, userA, userB)
		return conv, false, err
	}
	if err := insertMembers(ctx, tx, id, dedupe([]string{userA, userB})); err != nil {
		return models.Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Conversation{}, false, fmt.Errorf("commit: %w", err)
	}
	conv, err := s.GetConversation(ctx, id)
	return conv, true, err
}

// CreateMessage inserts a message.
func (s *Postgres) CreateMessage(ctx context.Context, p CreateMessageParams) (models.Message, error) {
	m := models.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		ViaAssistant:   p.ViaAssistant,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, via_assistant, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ConversationID, m.SenderID, m.Body, m.ViaAssistant, m.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.body, m.via_assistant, m.created_at`

// ListMessages returns newest-first messages matching the filter.
func (s *Postgres) ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error) {
	if f.Limit <= 0 {
		f.Limit = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE ($1 = '' OR c.kind = 'CHANNEL' OR EXISTS (
		        SELECT 1 FROM conversation_members cm WHERE cm.conversation_id = c.id AND cm.user_id = $1))
		  AND ((cardinality($2::text[]) = 0 AND cardinality($3::text[]) = 0)
		       OR m.conversation_id = ANY($2::text[])
		       OR m.sender_id = ANY($3::text[]))
		ORDER BY m.created_at DESC
		LIMIT $4
	`, f.VisibleTo, nonNil(f.ConversationIDs), nonNil(f.SenderIDs), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// ListUnread returns messages from other senders newer than the user's read marker.
func (s *Postgres) ListUnread(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $1
		LEFT JOIN read_states rs ON rs.conversation_id = m.conversation_id AND rs.user_id = $1
		WHERE m.sender_id <> $1
		  AND (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
		ORDER BY m.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unread: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.ViaAssistant, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead moves the read marker forward; it never moves backwards.
func (s *Postgres) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO read_states (user_id, conversation_id, last_read_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET last_read_at = GREATEST(read_states.last_read_at, EXCLUDED.last_read_at)
	`, userID, conversationID, at)
	if err != nil {
		return fmt.Errorf("upsert read state: %w", err)
	}
	return nil
}

// AppendChatTurn records one assistant-thread entry.
func (s *Postgres) AppendChatTurn(ctx context.Context, t models.ChatTurn) (models.ChatTurn, error) {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_turns (id, user_id, task_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.TaskID, t.Role, t.Content, t.CreatedAt)
	if err != nil {
		return models.ChatTurn{}, fmt.Errorf("insert chat turn: %w", err)
	}
	return t, nil
}

// ListChatTurns returns the most recent turns, oldest first.
func (s *Postgres) ListChatTurns(ctx context.Context, userID string, limit int) ([]models.ChatTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, role, content, created_at FROM (
			SELECT * FROM chat_turns WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()
	out := []models.ChatTurn{}
	for rows.Next() {
		var (
			t      models.ChatTurn
			taskID pgtype.Text
		)
		if err := rows.Scan(&t.ID, &t.UserID, &taskID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		t.TaskID = textPtr(taskID)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateWorkspaceTask inserts an OPEN workspace task.
func (s *Postgres) CreateWorkspaceTask(ctx context.Context, p CreateWorkspaceTaskParams) (models.WorkspaceTask, error) {
	now := time.Now().UTC()
	t := models.WorkspaceTask{
		ID:         uuid.New().String(),
		Title:      p.Title,
		Status:     models.WorkStatusOpen,
		AssigneeID: emptyToNil(p.AssigneeID),
		CreatedBy:  p.CreatedBy,
		DueAt:      p.DueAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_tasks (id, title, status, assignee_id, created_by, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, t.ID, t.Title, t.Status, t.AssigneeID, t.CreatedBy, t.DueAt, now)
	if err != nil {
		return models.WorkspaceTask{}, fmt.Errorf("insert workspace task: %w", err)
	}
	return t, nil
}

const workspaceTaskColumns = `id, title, status, assignee_id, created_by, due_at, created_at, updated_at`

func scanWorkspaceTask(row pgx.Row) (models.WorkspaceTask, error) {
	var (
		t        models.WorkspaceTask
		assignee pgtype.Text
		due      pgtype.Timestamptz
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Status, &assignee, &t.CreatedBy, &due, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.WorkspaceTask{}, err
	}
	t.AssigneeID = textPtr(assignee)
	t.DueAt = timePtr(due)
	return t, nil
}

// UpdateWorkspaceTask patches non-empty fields.
func (s *Postgres) UpdateWorkspaceTask(ctx context.Context, p UpdateWorkspaceTaskParams) (models.WorkspaceTask, error) {
	t, err := scanWorkspaceTask(s.pool.QueryRow(ctx, `
		UPDATE workspace_tasks
		SET title = COALESCE($2, title),
		    status = COALESCE($3, status),
		    assignee_id = COALESCE($4, assignee_id),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+workspaceTaskColumns,
		p.ID, emptyToNil(p.Title), emptyToNil(p.Status), emptyToNil(p.AssigneeID)))
	if err != nil {
		return models.WorkspaceTask{}, notFound(err, "workspace task")
	}
	return t, nil
}

// ListWorkspaceTasks returns tasks newest first.
func (s *Postgres) ListWorkspaceTasks(ctx context.Context, f WorkspaceTaskFilter) ([]models.WorkspaceTask, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+workspaceTaskColumns+` FROM workspace_tasks
		WHERE (cardinality($1::text[]) = 0 OR id = ANY($1::text[]))
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR created_by = $3 OR assignee_id = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, nonNil(f.IDs), strings.ToUpper(f.Status), f.UserID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query workspace tasks: %w", err)
	}
	defer rows.Close()
	out := []models.WorkspaceTask{}
	for rows.Next() {
		t, err := scanWorkspaceTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
