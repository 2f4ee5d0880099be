// Package policy resolves the autonomy level governing a candidate action.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/telemetry"
)

// Sources name which step of the cascade decided the level.
const (
	SourceRequested = "requested"
	SourceAction    = "rule:action"
	SourceChannel   = "rule:channel"
	SourceConv      = "rule:conversation"
	SourceAll       = "rule:all"
	SourceProfile   = "profile"
	SourceDefault   = "default"
)

// Request describes one candidate action.
type Request struct {
	UserID         string
	ActionType     models.ActionType
	ChannelSlug    string
	ConversationID string
	RequestedMode  models.AutonomyLevel
}

// Resolution is the effective level plus the rule that produced it.
type Resolution struct {
	Level  models.AutonomyLevel
	Source string
	RuleID string
}

// Store is what the resolver reads.
type Store interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	ListPolicyRules(ctx context.Context, userID string) ([]models.PolicyRule, error)
}

type Resolver struct {
	store Store
}

func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve walks the specificity cascade: requested mode, action rule, channel
// rule, conversation rule, wildcard rule, profile default, AUTO. Rules are never
// blended. Duplicate rules for one scope resolve to the oldest.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	res, err := r.resolve(ctx, req)
	if err != nil {
		return Resolution{}, err
	}
	telemetry.PolicyOutcomes.WithLabelValues(string(res.Level), res.Source).Inc()
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Resolution, error) {
	if req.RequestedMode.Valid() {
		return Resolution{Level: req.RequestedMode, Source: SourceRequested}, nil
	}

	rules, err := r.store.ListPolicyRules(ctx, req.UserID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list policy rules: %w", err)
	}
	rules = append([]models.PolicyRule(nil), rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })

	steps := []struct {
		scope  string
		key    string
		active bool
		source string
	}{
		{models.ScopeAction, string(req.ActionType), req.ActionType != "", SourceAction},
		{models.ScopeChannel, req.ChannelSlug, req.ChannelSlug != "", SourceChannel},
		{models.ScopeConversation, req.ConversationID, req.ConversationID != "", SourceConv},
	}
	for _, step := range steps {
		if !step.active {
			continue
		}
		if rule, ok := match(rules, step.scope, step.key); ok {
			return Resolution{Level: rule.Autonomy, Source: step.source, RuleID: rule.ID}, nil
		}
	}
	for _, rule := range rules {
		if rule.ScopeType == models.ScopeAll && rule.Autonomy.Valid() {
			return Resolution{Level: rule.Autonomy, Source: SourceAll, RuleID: rule.ID}, nil
		}
	}

	prof, err := r.store.GetProfile(ctx, req.UserID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return Resolution{Level: models.AutonomyAuto, Source: SourceDefault}, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("load profile: %w", err)
	case prof.DefaultAutonomy.Valid():
		return Resolution{Level: prof.DefaultAutonomy, Source: SourceProfile}, nil
	default:
		return Resolution{Level: models.AutonomyAuto, Source: SourceDefault}, nil
	}
}

func match(rules []models.PolicyRule, scope, key string) (models.PolicyRule, bool) {
	for _, rule := range rules {
		if rule.ScopeType == scope && rule.ScopeKey == key && rule.Autonomy.Valid() {
			return rule, true
		}
	}
	return models.PolicyRule{}, false
}
