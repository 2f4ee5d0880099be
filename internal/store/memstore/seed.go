package memstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/store"
)

// Seed is the YAML fixture format used by local runs and the CLI.
type Seed struct {
	Users    []models.User  `yaml:"users"`
	Channels []SeedChannel  `yaml:"channels"`
	Messages []SeedMessage  `yaml:"messages"`
	Profiles []SeedProfile  `yaml:"profiles"`
	Tasks    []SeedTask     `yaml:"tasks"`
	Events   []SeedCalendar `yaml:"calendar"`
}

type SeedChannel struct {
	Slug      string   `yaml:"slug"`
	Name      string   `yaml:"name"`
	CreatedBy string   `yaml:"created_by"`
	Members   []string `yaml:"members"`
}

// SeedMessage targets a channel slug, or a DM when Channel is empty and To is set.
type SeedMessage struct {
	Channel string `yaml:"channel"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Body    string `yaml:"body"`
}

type SeedProfile struct {
	UserID          string                `yaml:"user_id"`
	DefaultAutonomy string                `yaml:"default_autonomy"`
	Relevance       models.RelevancePrefs `yaml:"relevance"`
	Rules           []SeedRule            `yaml:"rules"`
}

type SeedRule struct {
	Scope    string `yaml:"scope"`
	Key      string `yaml:"key"`
	Autonomy string `yaml:"autonomy"`
}

type SeedTask struct {
	Title     string `yaml:"title"`
	CreatedBy string `yaml:"created_by"`
	Assignee  string `yaml:"assignee"`
	Status    string `yaml:"status"`
}

type SeedCalendar struct {
	Owner     string    `yaml:"owner"`
	Title     string    `yaml:"title"`
	StartAt   time.Time `yaml:"start_at"`
	Minutes   int       `yaml:"minutes"`
	Attendees []string  `yaml:"attendees"`
}

// LoadSeed reads a YAML fixture file and applies it to repo.
func LoadSeed(ctx context.Context, repo store.Repository, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	return Apply(ctx, repo, seed)
}

// Apply writes seed records through the repository interface, so it works for
// both backends.
func Apply(ctx context.Context, repo store.Repository, seed Seed) error {
	for _, u := range seed.Users {
		if err := repo.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	for _, c := range seed.Channels {
		if _, _, err := repo.CreateChannel(ctx, store.CreateChannelParams{
			Slug: c.Slug, Name: c.Name, CreatedBy: c.CreatedBy, MemberIDs: c.Members,
		}); err != nil {
			return fmt.Errorf("seed channel %s: %w", c.Slug, err)
		}
	}
	for _, m := range seed.Messages {
		convID, err := seedConversation(ctx, repo, m)
		if err != nil {
			return err
		}
		if _, err := repo.CreateMessage(ctx, store.CreateMessageParams{
			ConversationID: convID, SenderID: m.From, Body: m.Body,
		}); err != nil {
			return fmt.Errorf("seed message: %w", err)
		}
	}
	for _, p := range seed.Profiles {
		rules := make([]models.PolicyRule, 0, len(p.Rules))
		for _, r := range p.Rules {
			rules = append(rules, models.PolicyRule{ScopeType: r.Scope, ScopeKey: r.Key, Autonomy: models.AutonomyLevel(r.Autonomy)})
		}
		if _, _, err := repo.ReplacePolicy(ctx, store.ReplacePolicyParams{
			Profile: models.Profile{
				UserID:          p.UserID,
				DefaultAutonomy: models.AutonomyLevel(p.DefaultAutonomy),
				Relevance:       p.Relevance,
			},
			Rules: rules,
		}); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.UserID, err)
		}
	}
	for _, t := range seed.Tasks {
		created, err := repo.CreateWorkspaceTask(ctx, store.CreateWorkspaceTaskParams{
			Title: t.Title, CreatedBy: t.CreatedBy, AssigneeID: t.Assignee,
		})
		if err != nil {
			return fmt.Errorf("seed task: %w", err)
		}
		if t.Status != "" {
			if _, err := repo.UpdateWorkspaceTask(ctx, store.UpdateWorkspaceTaskParams{ID: created.ID, Status: t.Status}); err != nil {
				return fmt.Errorf("seed task status: %w", err)
			}
		}
	}
	for _, e := range seed.Events {
		minutes := e.Minutes
		if minutes <= 0 {
			minutes = 30
		}
		if _, err := repo.CreateCalendarEvent(ctx, store.CreateCalendarEventParams{
			OwnerID:     e.Owner,
			Title:       e.Title,
			StartAt:     e.StartAt,
			EndAt:       e.StartAt.Add(time.Duration(minutes) * time.Minute),
			AttendeeIDs: e.Attendees,
		}); err != nil {
			return fmt.Errorf("seed calendar event: %w", err)
		}
	}
	return nil
}

func seedConversation(ctx context.Context, repo store.Repository, m SeedMessage) (string, error) {
	if m.Channel != "" {
		ch, err := repo.GetChannelBySlug(ctx, m.Channel)
		if err != nil {
			return "", fmt.Errorf("seed message channel %s: %w", m.Channel, err)
		}
		return ch.ConversationID, nil
	}
	conv, _, err := repo.FindOrCreateDM(ctx, m.From, m.To)
	if err != nil {
		return "", fmt.Errorf("seed dm: %w", err)
	}
	return conv.ID, nil
}
