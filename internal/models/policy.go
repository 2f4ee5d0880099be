package models

import "time"

// AutonomyLevel governs whether an action may run unattended.
type AutonomyLevel string

const (
	AutonomyOff    AutonomyLevel = "OFF"
	AutonomyReview AutonomyLevel = "REVIEW"
	AutonomyAuto   AutonomyLevel = "AUTO"
)

// Valid reports whether l is one of the known levels.
func (l AutonomyLevel) Valid() bool {
	switch l {
	case AutonomyOff, AutonomyReview, AutonomyAuto:
		return true
	}
	return false
}

// Policy rule scopes, from most to least specific.
const (
	ScopeAction       = "action"
	ScopeChannel      = "channel"
	ScopeConversation = "conversation"
	ScopeAll          = "all"
)

// PolicyRule is a user-defined autonomy override.
type PolicyRule struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	ScopeType string        `json:"scope_type" validate:"required,oneof=action channel conversation all"`
	ScopeKey  string        `json:"scope_key"`
	Autonomy  AutonomyLevel `json:"autonomy" validate:"required,oneof=OFF REVIEW AUTO"`
	CreatedAt time.Time     `json:"created_at"`
}

// RelevancePrefs are free-form hints used by relevance scoring.
type RelevancePrefs struct {
	PriorityPeople   []string `json:"priority_people" yaml:"priority_people"`
	PriorityChannels []string `json:"priority_channels" yaml:"priority_channels"`
	PriorityTopics   []string `json:"priority_topics" yaml:"priority_topics"`
	UrgencyKeywords  []string `json:"urgency_keywords" yaml:"urgency_keywords"`
	MutedTopics      []string `json:"muted_topics" yaml:"muted_topics"`
}

// Profile holds per-user assistant defaults. One row per user.
type Profile struct {
	UserID          string         `json:"user_id"`
	DefaultAutonomy AutonomyLevel  `json:"default_autonomy"`
	AttributionMode string         `json:"attribution_mode"`
	Relevance       RelevancePrefs `json:"relevance"`
	LastAnalysisAt  *time.Time     `json:"last_analysis_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
