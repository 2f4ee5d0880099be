// Package relevance decides how actionable an inbound message is for its recipient.
package relevance

import (
	"strings"
	"unicode"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/contextpack"
)

// Mode is the proactive behavior a relevance outcome permits.
type Mode string

const (
	ModeAuto       Mode = "AUTO"
	ModeSuggest    Mode = "SUGGEST"
	ModeNotifyOnly Mode = "NOTIFY_ONLY"
	ModeLogOnly    Mode = "LOG_ONLY"
)

// Observation is an inbound message seen by a recipient.
type Observation struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`
	Body           string `json:"body"`
	IsDM           bool   `json:"isDM"`
}

// Judgment is a model-style relevance opinion.
type Judgment struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Result is the blended outcome.
type Result struct {
	RuleScore       float64  `json:"ruleScore"`
	ModelScore      float64  `json:"modelScore"`
	FinalScore      float64  `json:"finalScore"`
	Confidence      float64  `json:"confidence"`
	ExplicitMention bool     `json:"explicitMention"`
	Mode            Mode     `json:"mode"`
	Signals         []string `json:"signals"`
	Rationale       string   `json:"rationale"`
}

// Scorer blends rule and model signals using configured weights and thresholds.
type Scorer struct {
	cfg config.RelevanceConfig
}

func NewScorer(cfg config.RelevanceConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the final relevance record.
func (s *Scorer) Score(obs Observation, pack contextpack.Pack, j Judgment) Result {
	rule, signals, mention := RuleScore(obs, pack)
	final := clamp(s.cfg.RuleWeight*rule + s.cfg.ModelWeight*clamp(j.Score))
	conf := clamp(j.Confidence)
	return Result{
		RuleScore:       rule,
		ModelScore:      clamp(j.Score),
		FinalScore:      final,
		Confidence:      conf,
		ExplicitMention: mention,
		Mode:            s.Decide(final, conf, mention),
		Signals:         signals,
		Rationale:       j.Rationale,
	}
}

// Decide applies the mode cascade. Low confidence always wins, and a mention
// below the suggest threshold only prevents silent dropping.
func (s *Scorer) Decide(final, confidence float64, mention bool) Mode {
	switch {
	case confidence < s.cfg.MinConfidence:
		return ModeNotifyOnly
	case final >= s.cfg.AutoThreshold:
		return ModeAuto
	case final >= s.cfg.SuggestThreshold:
		return ModeSuggest
	case mention:
		return ModeNotifyOnly
	default:
		return ModeLogOnly
	}
}

// RuleScore is the heuristic half of the blend. It returns the clamped score,
// the names of the signals that fired, and whether the user was mentioned by
// first name.
func RuleScore(obs Observation, pack contextpack.Pack) (float64, []string, bool) {
	body := strings.ToLower(obs.Body)
	words := tokenSet(body)
	score := 0.1
	signals := []string{}

	if obs.IsDM {
		score += 0.3
		signals = append(signals, "dm")
	}
	first := firstName(pack.User.Name)
	mention := first != "" && words[first]
	if mention || (pack.User.ID != "" && strings.Contains(body, strings.ToLower(pack.User.ID))) {
		score += 0.25
		signals = append(signals, "mention")
	}
	if priorityPerson(obs.SenderID, pack) {
		score += 0.15
		signals = append(signals, "priority_person")
	}
	if containsAny(body, pack.Relevance.PriorityTopics) {
		score += 0.15
		signals = append(signals, "priority_topic")
	}
	if containsAny(body, pack.Relevance.UrgencyKeywords) {
		score += 0.2
		signals = append(signals, "urgency")
	}
	if containsAny(body, pack.Relevance.MutedTopics) {
		score -= 0.25
		signals = append(signals, "muted_topic")
	}
	return clamp(score), signals, mention
}

func priorityPerson(senderID string, pack contextpack.Pack) bool {
	sender, _ := pack.UserByID(senderID)
	for _, p := range pack.Relevance.PriorityPeople {
		if strings.EqualFold(p, senderID) || (sender.Name != "" && (strings.EqualFold(p, sender.Name) || strings.EqualFold(p, firstName(sender.Name)))) {
			return true
		}
	}
	return false
}

func firstName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimFunc(fields[0], func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		out[w] = true
	}
	return out
}

func containsAny(lowerBody string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(lowerBody, k) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
