// Package provider defines the agent-provider capability consumed by the turn
// orchestrator and a rule-based implementation used when no model backend is
// configured.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"workspace-assistant/internal/models"
)

// HistoryEntry is one prior message in the assistant thread.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnInput describes a single provider round.
type TurnInput struct {
	Message         string
	History         []HistoryEntry
	RelevantContext string
	SystemPrompt    string
	MaxSteps        int
	Tools           []Tool
}

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	Name   string `json:"name"`
	Output string `json:"output"`
	Err    string `json:"error,omitempty"`
}

// TurnOutput is the provider's final answer.
type TurnOutput struct {
	Text  string
	Steps []ToolCall
}

// AgentProvider runs one turn, optionally invoking the offered tools.
type AgentProvider interface {
	RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error)
}

// Tool is a named capability the provider may invoke. Invoke validates raw JSON
// arguments before calling the handler.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Invoke      func(ctx context.Context, args json.RawMessage) (string, error)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// NewTool builds a Tool whose arguments decode into T and are checked with
// `validate` struct tags. Invalid arguments return ErrInvalidInput.
func NewTool[T any](name, description string, handler func(ctx context.Context, args T) (string, error)) Tool {
	var zero T
	return Tool{
		Name:        name,
		Description: description,
		Schema:      schemaOf(reflect.TypeOf(zero)),
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args T
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decode %s args: %v: %w", name, err, models.ErrInvalidInput)
				}
			}
			if reflect.TypeOf(args).Kind() == reflect.Struct {
				if err := Validator().Struct(args); err != nil {
					return "", fmt.Errorf("validate %s args: %v: %w", name, err, models.ErrInvalidInput)
				}
			}
			return handler(ctx, args)
		},
	}
}

// Find returns the tool named name.
func Find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Call marshals args and invokes the named tool, recording the step.
func Call(ctx context.Context, tools []Tool, name string, args any) (ToolCall, error) {
	tool, ok := Find(tools, name)
	if !ok {
		return ToolCall{Name: name}, fmt.Errorf("tool %s not offered: %w", name, models.ErrInvalidInput)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolCall{Name: name}, fmt.Errorf("marshal %s args: %w", name, err)
	}
	out, err := tool.Invoke(ctx, raw)
	step := ToolCall{Name: name, Output: out}
	if err != nil {
		step.Err = models.ErrorCode(err)
	}
	return step, err
}

// schemaOf renders a minimal JSON schema from json and validate tags.
func schemaOf(t reflect.Type) map[string]any {
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object"}
	}
	props := map[string]any{}
	required := []string{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		prop := map[string]any{"type": jsonType(f.Type.Kind())}
		if desc := f.Tag.Get("desc"); desc != "" {
			prop["description"] = desc
		}
		props[name] = prop
		if strings.Contains(f.Tag.Get("validate"), "required") {
			required = append(required, name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func jsonType(k reflect.Kind) string {
	switch k {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}
