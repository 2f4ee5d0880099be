package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspace-assistant/internal/models"
)

func TestParsePolicy(t *testing.T) {
	pf, err := parsePolicy(strings.NewReader(`
default_autonomy: REVIEW
relevance:
  priority_people: [bob]
rules:
  - scope: action
    key: SEND_MESSAGE
    autonomy: "OFF"
  - scope: all
    autonomy: AUTO
`))
	require.NoError(t, err)

	p := pf.params("alice")
	assert.Equal(t, "alice", p.Profile.UserID)
	assert.Equal(t, models.AutonomyReview, p.Profile.DefaultAutonomy)
	assert.Equal(t, []string{"bob"}, p.Profile.Relevance.PriorityPeople)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, models.PolicyRule{ScopeType: models.ScopeAction, ScopeKey: "SEND_MESSAGE", Autonomy: models.AutonomyOff}, p.Rules[0])

	back := toPolicyFile(p.Profile, p.Rules)
	assert.Equal(t, pf.Rules, back.Rules)
}

func TestParsePolicyRejects(t *testing.T) {
	cases := map[string]string{
		"unknown level": "rules:\n  - scope: all\n    autonomy: SOMETIMES\n",
		"unknown scope": "rules:\n  - scope: team\n    autonomy: AUTO\n",
		"unknown field": "default_autonomy: AUTO\nmood: happy\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parsePolicy(strings.NewReader(doc))
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}
