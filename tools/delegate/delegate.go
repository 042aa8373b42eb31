// Package delegate hands a self-contained subtask to another model and
// returns its answer.
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

const maxAnswer = 20_000

// Tool forwards subtasks to named models through the provider.
type Tool struct {
	provider     zeus.Provider
	defaultModel string
	allowed      map[string]bool
}

// New creates a delegate tool. allowedModels limits which models the agent
// may delegate to; the first entry is the default. An empty list allows any
// model the provider serves.
func New(provider zeus.Provider, allowedModels ...string) *Tool {
	t := &Tool{provider: provider}
	if len(allowedModels) > 0 {
		t.defaultModel = allowedModels[0]
		t.allowed = make(map[string]bool, len(allowedModels))
		for _, m := range allowedModels {
			t.allowed[m] = true
		}
	}
	return t
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	desc := "Delegate a self-contained subtask to another model and return its answer. Use for work that benefits from a different model, like heavy reasoning or large-context summarization. The delegated model sees only the prompt you send."
	if len(t.allowed) > 0 {
		models := make([]string, 0, len(t.allowed))
		for m := range t.allowed {
			models = append(models, m)
		}
		desc += " Available models: " + strings.Join(models, ", ") + "."
	}
	return []zeus.ToolDefinition{{
		Name:        "delegate_task",
		Description: desc,
		Parameters:  json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"Complete, self-contained prompt for the delegated model"},"model":{"type":"string","description":"Model to delegate to (optional, uses the default when omitted)"}},"required":["prompt"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return zeus.ToolResult{Error: "prompt is required"}, nil
	}

	model := params.Model
	if model == "" {
		model = t.defaultModel
	}
	if model == "" {
		return zeus.ToolResult{Error: "model is required"}, nil
	}
	if t.allowed != nil && !t.allowed[model] {
		return zeus.ToolResult{Error: fmt.Sprintf("model not allowed: %s", model)}, nil
	}

	resp, err := t.provider.Chat(ctx, zeus.ChatRequest{
		Model:    model,
		Messages: []zeus.ChatMessage{zeus.UserMessage(params.Prompt)},
	})
	if err != nil {
		return zeus.ToolResult{Error: "delegate error: " + err.Error()}, nil
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return zeus.ToolResult{Error: "delegated model returned no answer"}, nil
	}
	if len(answer) > maxAnswer {
		answer = answer[:maxAnswer] + "\n... (truncated)"
	}
	return zeus.ToolResult{Content: answer}, nil
}

var _ zeus.Tool = (*Tool)(nil)
