package relevance

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/provider"
)

// Judge produces the model half of the blend.
type Judge interface {
	Judge(ctx context.Context, obs Observation, pack contextpack.Pack) (Judgment, error)
}

// RuleJudge approximates a model opinion from message shape: direct questions,
// second-person requests and deadline language read as actionable.
type RuleJudge struct{}

var deadlineWords = []string{"today", "tomorrow", "eod", "end of day", "deadline", "by monday", "by friday", "asap", "urgent", "blocker", "blocked"}

func (RuleJudge) Judge(_ context.Context, obs Observation, _ contextpack.Pack) (Judgment, error) {
	body := strings.ToLower(obs.Body)
	words := tokenSet(body)
	score := 0.3
	reasons := []string{}
	if strings.Contains(body, "?") {
		score += 0.2
		reasons = append(reasons, "asks a question")
	}
	if words["you"] || words["your"] || words["can"] || words["could"] || words["please"] {
		score += 0.15
		reasons = append(reasons, "addresses the reader")
	}
	if containsAny(body, deadlineWords) {
		score += 0.2
		reasons = append(reasons, "mentions timing")
	}
	if obs.IsDM {
		score += 0.1
		reasons = append(reasons, "direct message")
	}
	conf := 0.65
	if len(reasons) > 0 {
		conf = 0.75
	}
	rationale := "no actionable cues"
	if len(reasons) > 0 {
		rationale = strings.Join(reasons, "; ")
	}
	return Judgment{Score: clamp(score), Confidence: conf, Rationale: rationale}, nil
}

const judgePrompt = `You rate how actionable a workplace message is for its recipient.
Answer with JSON only: {"score": 0..1, "confidence": 0..1, "rationale": "..."}.`

// ProviderJudge asks the agent provider for a JSON judgment.
type ProviderJudge struct {
	Provider provider.AgentProvider
}

// neutral is returned when the provider answers with something unparseable.
var neutral = Judgment{Score: 0.5, Confidence: 0.5, Rationale: "provider judgment unparseable; neutral fallback"}

func (j ProviderJudge) Judge(ctx context.Context, obs Observation, pack contextpack.Pack) (Judgment, error) {
	sender := obs.SenderID
	if u, ok := pack.UserByID(obs.SenderID); ok {
		sender = u.Name
	}
	kind := "channel message"
	if obs.IsDM {
		kind = "direct message"
	}
	out, err := j.Provider.RunTurn(ctx, provider.TurnInput{
		SystemPrompt: judgePrompt,
		Message:      fmt.Sprintf("Recipient: %s\nFrom: %s (%s)\nMessage: %s", pack.User.Name, sender, kind, obs.Body),
		MaxSteps:     1,
	})
	if err != nil {
		return Judgment{}, fmt.Errorf("provider judgment: %w", err)
	}
	return ParseJudgment(out.Text), nil
}

// ParseJudgment extracts the first JSON object in text. Missing or malformed
// fields fall back to the neutral judgment.
func ParseJudgment(text string) Judgment {
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return neutral
	}
	raw := text[start : end+1]
	if !gjson.Valid(raw) {
		return neutral
	}
	score, conf := gjson.Get(raw, "score"), gjson.Get(raw, "confidence")
	if score.Type != gjson.Number || conf.Type != gjson.Number {
		return neutral
	}
	return Judgment{
		Score:      clamp(score.Float()),
		Confidence: clamp(conf.Float()),
		Rationale:  gjson.Get(raw, "rationale").String(),
	}
}
