package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
	"workspace-assistant/internal/relevance"
)

// TriggerType says what started a turn.
type TriggerType string

const (
	TriggerUserMessage TriggerType = "USER_MESSAGE"
	TriggerSystemEvent TriggerType = "SYSTEM_EVENT"
	TriggerBootstrap   TriggerType = "BOOTSTRAP"
)

// Trigger carries the type-specific payload as raw JSON.
type Trigger struct {
	Type    TriggerType     `json:"type" validate:"required,oneof=USER_MESSAGE SYSTEM_EVENT BOOTSTRAP"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TurnRequest is one unit of orchestration work.
type TurnRequest struct {
	UserID        string               `json:"userId" validate:"required,max=128"`
	Trigger       Trigger              `json:"trigger" validate:"required"`
	ContextHints  contextpack.Hints    `json:"contextHints"`
	RequestedMode models.AutonomyLevel `json:"requestedMode,omitempty" validate:"omitempty,oneof=OFF REVIEW AUTO"`
}

// UserMessagePayload is the USER_MESSAGE trigger payload.
type UserMessagePayload struct {
	Text string `json:"text" validate:"required,max=8000"`
}

// SystemEventPayload is the SYSTEM_EVENT trigger payload: an inbound message
// seen by the requesting user.
type SystemEventPayload = relevance.Observation

// TurnResult is discriminated by TriggerType. Handled is set for system events;
// Skipped reports a bootstrap that found its analysis still fresh.
type TurnResult struct {
	TriggerType TriggerType       `json:"triggerType"`
	TaskID      string            `json:"taskId,omitempty"`
	Status      models.TaskStatus `json:"status,omitempty"`
	Reply       string            `json:"reply,omitempty"`
	Handled     *bool             `json:"handled,omitempty"`
	Skipped     bool              `json:"skipped,omitempty"`
	Mode        relevance.Mode    `json:"mode,omitempty"`
}

// NewUserMessage builds a USER_MESSAGE request.
func NewUserMessage(userID, text string) TurnRequest {
	raw, _ := json.Marshal(UserMessagePayload{Text: text})
	return TurnRequest{UserID: userID, Trigger: Trigger{Type: TriggerUserMessage, Payload: raw}}
}

// NewSystemEvent builds a SYSTEM_EVENT request for recipientID.
func NewSystemEvent(recipientID string, obs SystemEventPayload) TurnRequest {
	raw, _ := json.Marshal(obs)
	return TurnRequest{UserID: recipientID, Trigger: Trigger{Type: TriggerSystemEvent, Payload: raw}}
}

// NewBootstrap builds a scheduled analysis request.
func NewBootstrap(userID string) TurnRequest {
	return TurnRequest{UserID: userID, Trigger: Trigger{Type: TriggerBootstrap}}
}

// Validate checks the envelope. Payloads are checked per trigger type.
func (r TurnRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	if err := provider.Validator().Struct(r); err != nil {
		return fmt.Errorf("turn request: %v: %w", err, models.ErrInvalidInput)
	}
	return nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, fmt.Errorf("trigger payload missing: %w", models.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode trigger payload: %v: %w", err, models.ErrInvalidInput)
	}
	if err := provider.Validator().Struct(p); err != nil {
		return p, fmt.Errorf("trigger payload: %v: %w", err, models.ErrInvalidInput)
	}
	return p, nil
}

func boolPtr(v bool) *bool { return &v }
