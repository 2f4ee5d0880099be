package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/store"
)

// policyFile is the YAML shape accepted by `policy apply` and printed by
// `policy show`.
type policyFile struct {
	DefaultAutonomy models.AutonomyLevel  `yaml:"default_autonomy" json:"default_autonomy" validate:"omitempty,oneof=OFF REVIEW AUTO"`
	AttributionMode string                `yaml:"attribution_mode,omitempty" json:"attribution_mode" validate:"omitempty,oneof=AI_ON_BEHALF AI_SIGNED"`
	Relevance       models.RelevancePrefs `yaml:"relevance" json:"relevance"`
	Rules           []policyFileRule      `yaml:"rules" json:"rules" validate:"dive"`
}

type policyFileRule struct {
	Scope    string               `yaml:"scope" json:"scope" validate:"required,oneof=action channel conversation all"`
	Key      string               `yaml:"key,omitempty" json:"key"`
	Autonomy models.AutonomyLevel `yaml:"autonomy" json:"autonomy" validate:"required,oneof=OFF REVIEW AUTO"`
}

func parsePolicy(r io.Reader) (policyFile, error) {
	var pf policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return pf, fmt.Errorf("decode policy: %v: %w", err, models.ErrInvalidInput)
	}
	if err := provider.Validator().Struct(pf); err != nil {
		return pf, fmt.Errorf("policy: %v: %w", err, models.ErrInvalidInput)
	}
	return pf, nil
}

func (pf policyFile) params(userID string) store.ReplacePolicyParams {
	rules := make([]models.PolicyRule, 0, len(pf.Rules))
	for _, r := range pf.Rules {
		rules = append(rules, models.PolicyRule{ScopeType: r.Scope, ScopeKey: r.Key, Autonomy: r.Autonomy})
	}
	return store.ReplacePolicyParams{
		Profile: models.Profile{
			UserID:          userID,
			DefaultAutonomy: pf.DefaultAutonomy,
			AttributionMode: pf.AttributionMode,
			Relevance:       pf.Relevance,
		},
		Rules: rules,
	}
}

func toPolicyFile(prof models.Profile, rules []models.PolicyRule) policyFile {
	pf := policyFile{
		DefaultAutonomy: prof.DefaultAutonomy,
		AttributionMode: prof.AttributionMode,
		Relevance:       prof.Relevance,
	}
	for _, r := range rules {
		pf.Rules = append(pf.Rules, policyFileRule{Scope: r.ScopeType, Key: r.ScopeKey, Autonomy: r.Autonomy})
	}
	return pf
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or replace a user's autonomy policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print the profile and rules as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := state.openStore(cmd.Context())
		if err != nil {
			return err
		}
		prof, err := repo.GetProfile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		rules, err := repo.ListPolicyRules(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(toPolicyFile(prof, rules))
	},
}

var policyFilePath string

var policyApplyCmd = &cobra.Command{
	Use:   "apply <user-id> -f policy.yaml",
	Short: "Replace the profile and the full rule set from a YAML file",
	Long: `Replace a user's policy. The file lists every rule; rules not in it are removed.

  default_autonomy: REVIEW
  rules:
    - scope: action
      key: SEND_MESSAGE
      autonomy: OFF
    - scope: channel
      key: general
      autonomy: AUTO`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(policyFilePath)
		if err != nil {
			return fmt.Errorf("open policy file: %w", err)
		}
		defer f.Close()
		pf, err := parsePolicy(f)
		if err != nil {
			return err
		}
		repo, err := state.openStore(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := repo.GetUser(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, rules, err := repo.ReplacePolicy(cmd.Context(), pf.params(args[0]))
		if err != nil {
			return err
		}
		cmd.Printf("policy for %s replaced with %d rules\n", args[0], len(rules))
		return nil
	},
}

var (
	briefingStatus string
	briefingLimit  int
)

var briefingsCmd = &cobra.Command{
	Use:   "briefings <user-id>",
	Short: "List a user's briefing items, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := state.openStore(cmd.Context())
		if err != nil {
			return err
		}
		items, err := repo.ListBriefingItems(cmd.Context(), args[0], briefingStatus, briefingLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), items)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pg, err := store.New(cmd.Context(), state.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("migrations applied")
		return nil
	},
}

func init() {
	policyApplyCmd.Flags().StringVarP(&policyFilePath, "file", "f", "", "policy YAML file")
	_ = policyApplyCmd.MarkFlagRequired("file")
	policyCmd.AddCommand(policyShowCmd, policyApplyCmd)

	briefingsCmd.Flags().StringVar(&briefingStatus, "status", "", "filter by status (UNREAD, ACKED, DISMISSED, ACTED)")
	briefingsCmd.Flags().IntVar(&briefingLimit, "limit", 20, "maximum items")

	rootCmd.AddCommand(policyCmd, briefingsCmd, migrateCmd)
}
