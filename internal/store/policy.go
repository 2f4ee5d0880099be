package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"workspace-assistant/internal/models"
)

// GetProfile fetches a user's assistant profile.
func (s *Postgres) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var (
		p        models.Profile
		autonomy string
		relJSON  []byte
		last     pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, default_autonomy, attribution_mode, relevance, last_analysis_at, updated_at
		FROM assistant_profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &autonomy, &p.AttributionMode, &relJSON, &last, &p.UpdatedAt)
	if err != nil {
		return models.Profile{}, notFound(err, "profile")
	}
	p.DefaultAutonomy = models.AutonomyLevel(autonomy)
	if err := json.Unmarshal(relJSON, &p.Relevance); err != nil {
		return models.Profile{}, fmt.Errorf("unmarshal relevance: %w", err)
	}
	p.LastAnalysisAt = timePtr(last)
	return p, nil
}

// ListPolicyRules returns rules in creation order.
func (s *Postgres) ListPolicyRules(ctx context.Context, userID string) ([]models.PolicyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, scope_type, scope_key, autonomy, created_at
		FROM policy_rules WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query policy rules: %w", err)
	}
	defer rows.Close()
	out := []models.PolicyRule{}
	for rows.Next() {
		var (
			r        models.PolicyRule
			autonomy string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ScopeType, &r.ScopeKey, &autonomy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy rule: %w", err)
		}
		r.Autonomy = models.AutonomyLevel(autonomy)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplacePolicy upserts the profile and replaces every rule in one transaction.
// Duplicate scopes in the input violate the unique constraint and return ErrConflict.
func (s *Postgres) ReplacePolicy(ctx context.Context, p ReplacePolicyParams) (models.Profile, []models.PolicyRule, error) {
	prof := withProfileDefaults(p.Profile)
	relJSON, err := json.Marshal(prof.Relevance)
	if err != nil {
		return models.Profile{}, nil, fmt.Errorf("marshal relevance: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Profile{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO assistant_profiles (user_id, default_autonomy, attribution_mode, relevance, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET default_autonomy = EXCLUDED.default_autonomy,
		    attribution_mode = EXCLUDED.attribution_mode,
		    relevance = EXCLUDED.relevance,
		    updated_at = EXCLUDED.updated_at
	`, prof.UserID, string(prof.DefaultAutonomy), prof.AttributionMode, relJSON, prof.UpdatedAt); err != nil {
		return models.Profile{}, nil, fmt.Errorf("upsert profile: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM policy_rules WHERE user_id = $1`, prof.UserID); err != nil {
		return models.Profile{}, nil, fmt.Errorf("clear policy rules: %w", err)
	}
	rules := make([]models.PolicyRule, 0, len(p.Rules))
	base := time.Now().UTC()
	for i, r := range p.Rules {
		r.ID = uuid.New().String()
		r.UserID = prof.UserID
		// Preserve input order as creation order.
		r.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		if _, err := tx.Exec(ctx, `
			INSERT INTO policy_rules (id, user_id, scope_type, scope_key, autonomy, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.ID, r.UserID, r.ScopeType, r.ScopeKey, string(r.Autonomy), r.CreatedAt); err != nil {
			return models.Profile{}, nil, fmt.Errorf("insert policy rule: %w", mapPgError(err))
		}
		rules = append(rules, r)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Profile{}, nil, fmt.Errorf("commit: %w", err)
	}
	saved, err := s.GetProfile(ctx, prof.UserID)
	if err != nil {
		return models.Profile{}, nil, err
	}
	return saved, rules, nil
}

// TouchLastAnalysis records when a bootstrap analysis last ran, creating a default profile if needed.
func (s *Postgres) TouchLastAnalysis(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assistant_profiles (user_id, last_analysis_at, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET last_analysis_at = EXCLUDED.last_analysis_at
	`, userID, at)
	if err != nil {
		return fmt.Errorf("touch last analysis: %w", err)
	}
	return nil
}

// CreateBriefingItem inserts an UNREAD briefing item.
func (s *Postgres) CreateBriefingItem(ctx context.Context, b models.BriefingItem) (models.BriefingItem, error) {
	b = withBriefingDefaults(b)
	refs, err := json.Marshal(b.SourceRefs)
	if err != nil {
		return models.BriefingItem{}, fmt.Errorf("marshal source refs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO briefing_items (id, user_id, task_id, kind, importance, summary, recommended_action, source_refs, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, b.ID, b.UserID, b.TaskID, b.Kind, b.Importance, b.Summary, b.RecommendedAction, refs, b.Status, b.CreatedAt)
	if err != nil {
		return models.BriefingItem{}, fmt.Errorf("insert briefing item: %w", err)
	}
	return b, nil
}

const briefingColumns = `id, user_id, task_id, kind, importance, summary, recommended_action, source_refs, status, created_at, updated_at`

func scanBriefing(row pgx.Row) (models.BriefingItem, error) {
	var (
		b      models.BriefingItem
		taskID pgtype.Text
		refs   []byte
	)
	if err := row.Scan(&b.ID, &b.UserID, &taskID, &b.Kind, &b.Importance, &b.Summary, &b.RecommendedAction, &refs, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.BriefingItem{}, err
	}
	b.TaskID = textPtr(taskID)
	if err := json.Unmarshal(refs, &b.SourceRefs); err != nil {
		return models.BriefingItem{}, fmt.Errorf("unmarshal source refs: %w", err)
	}
	if b.SourceRefs == nil {
		b.SourceRefs = []models.SourceRef{}
	}
	return b, nil
}

// ListBriefingItems returns a user's items newest first, optionally by status.
func (s *Postgres) ListBriefingItems(ctx context.Context, userID, status string, limit int) ([]models.BriefingItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+briefingColumns+` FROM briefing_items
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3
	`, userID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query briefing items: %w", err)
	}
	defer rows.Close()
	out := []models.BriefingItem{}
	for rows.Next() {
		b, err := scanBriefing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan briefing item: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBriefingStatus moves an UNREAD item to a terminal status.
func (s *Postgres) UpdateBriefingStatus(ctx context.Context, id, status string) (models.BriefingItem, error) {
	if !validBriefingTarget(status) {
		return models.BriefingItem{}, fmt.Errorf("briefing status %q: %w", status, models.ErrInvalidInput)
	}
	b, err := scanBriefing(s.pool.QueryRow(ctx, `
		UPDATE briefing_items SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+briefingColumns,
		id, status, models.BriefingUnread))
	if err == nil {
		return b, nil
	}
	if _, getErr := s.getBriefing(ctx, id); getErr != nil {
		return models.BriefingItem{}, getErr
	}
	return models.BriefingItem{}, fmt.Errorf("briefing %s already handled: %w", id, models.ErrConflict)
}

func (s *Postgres) getBriefing(ctx context.Context, id string) (models.BriefingItem, error) {
	b, err := scanBriefing(s.pool.QueryRow(ctx, `SELECT `+briefingColumns+` FROM briefing_items WHERE id = $1`, id))
	if err != nil {
		return models.BriefingItem{}, notFound(err, "briefing item")
	}
	return b, nil
}

func withProfileDefaults(p models.Profile) models.Profile {
	if p.DefaultAutonomy == "" {
		p.DefaultAutonomy = models.AutonomyAuto
	}
	if p.AttributionMode == "" {
		p.AttributionMode = models.AttributionOnBehalf
	}
	p.UpdatedAt = time.Now().UTC()
	return p
}

func withBriefingDefaults(b models.BriefingItem) models.BriefingItem {
	b.ID = uuid.New().String()
	if b.Kind == "" {
		b.Kind = models.BriefingInfo
	}
	if b.Importance == "" {
		b.Importance = models.ImportanceMedium
	}
	if b.SourceRefs == nil {
		b.SourceRefs = []models.SourceRef{}
	}
	b.Status = models.BriefingUnread
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	return b
}

func validBriefingTarget(status string) bool {
	switch status {
	case models.BriefingAcked, models.BriefingDismissed, models.BriefingActed:
		return true
	}
	return false
}
