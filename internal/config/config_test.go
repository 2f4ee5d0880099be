package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "TURN_TIMEOUT", "RELEVANCE_JUDGE", "TURN_MAX_ATTEMPTS", "CONTEXT_MESSAGE_LIMIT", "RELEVANCE_RULE_WEIGHT"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.TurnTimeout)
	assert.Equal(t, DefaultRelevance(), cfg.Relevance)
	assert.Equal(t, DefaultContextLimits(), cfg.ContextLimits)
	assert.Equal(t, "rule", cfg.RelevanceJudge)
	assert.Equal(t, 3, cfg.TurnMaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TURN_TIMEOUT", "3s")
	t.Setenv("PROACTIVE_ENABLED", "false")
	t.Setenv("RELEVANCE_RULE_WEIGHT", "0.7")
	t.Setenv("CONTEXT_MESSAGE_LIMIT", "5")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 3*time.Second, cfg.TurnTimeout)
	assert.False(t, cfg.ProactiveEnabled)
	assert.InDelta(t, 0.7, cfg.Relevance.RuleWeight, 1e-9)
	assert.Equal(t, 5, cfg.ContextLimits.Messages)
	assert.Equal(t, 4, cfg.WorkerConcurrency, "unparseable values keep the default")
}
