// Package websearch answers search queries by delegating them to an
// online-capable model through the provider.
package websearch

import (
	"context"
	"encoding/json"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

const maxAnswer = 12_000

// Tool sends search queries to a model with live web access.
type Tool struct {
	provider zeus.Provider
	model    string
}

// New creates a websearch tool that queries model through provider. The
// model must be one with built-in web access (an online variant).
func New(provider zeus.Provider, model string) *Tool {
	return &Tool{provider: provider, model: model}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current information. Returns a synthesized answer with sources. Use for facts that may have changed recently, prices, news, or anything not in your training data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return zeus.ToolResult{Error: "query is required"}, nil
	}

	resp, err := t.provider.Chat(ctx, zeus.ChatRequest{
		Model: t.model,
		Messages: []zeus.ChatMessage{
			zeus.SystemMessage("Você é um assistente de pesquisa. Responda a consulta com informações atuais da web, citando as fontes."),
			zeus.UserMessage(params.Query),
		},
	})
	if err != nil {
		return zeus.ToolResult{Error: "search error: " + err.Error()}, nil
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return zeus.ToolResult{Error: "search returned no answer"}, nil
	}
	if len(answer) > maxAnswer {
		answer = answer[:maxAnswer] + "\n... (truncated)"
	}
	return zeus.ToolResult{Content: answer}, nil
}

var _ zeus.Tool = (*Tool)(nil)
