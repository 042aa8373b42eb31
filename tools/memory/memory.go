// Package memory exposes the procedural memory store as tools the agent can
// call to save and recall working approaches.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

const defaultTopK = 3

// Tool wraps a Retriever for explicit agent-driven reads and writes.
type Tool struct {
	retriever zeus.Retriever
}

// New creates a memory tool over retriever.
func New(retriever zeus.Retriever) *Tool {
	return &Tool{retriever: retriever}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{
		{
			Name:        "record_procedure",
			Description: "Save a procedure that worked, so future tasks can reuse it. Record the task, the steps taken, and the outcome.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What the procedure accomplishes"},"steps":{"type":"array","items":{"type":"string"},"description":"Ordered steps taken"},"outcome":{"type":"string","description":"What the result was"}},"required":["task","steps"]}`),
		},
		{
			Name:        "search_procedures",
			Description: "Search previously recorded procedures for tasks similar to the query.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What kind of task to look for"},"top_k":{"type":"integer","description":"How many results (default 3)"}},"required":["query"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (zeus.ToolResult, error) {
	switch name {
	case "record_procedure":
		return t.record(ctx, args)
	case "search_procedures":
		return t.search(ctx, args)
	default:
		return zeus.ToolResult{Error: "unknown memory tool: " + name}, nil
	}
}

func (t *Tool) record(ctx context.Context, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Task    string   `json:"task"`
		Steps   []string `json:"steps"`
		Outcome string   `json:"outcome"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Task) == "" || len(params.Steps) == 0 {
		return zeus.ToolResult{Error: "task and steps are required"}, nil
	}

	err := t.retriever.RecordProcedure(ctx, zeus.Procedure{
		Task:    params.Task,
		Steps:   params.Steps,
		Outcome: params.Outcome,
	})
	if err != nil {
		return zeus.ToolResult{Error: "record error: " + err.Error()}, nil
	}
	return zeus.ToolResult{Content: "Procedimento registrado."}, nil
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return zeus.ToolResult{Error: "query is required"}, nil
	}

	topK := params.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	matches, err := t.retriever.RetrieveContext(ctx, params.Query, topK)
	if err != nil {
		return zeus.ToolResult{Error: "search error: " + err.Error()}, nil
	}
	if len(matches) == 0 {
		return zeus.ToolResult{Content: "Nenhum procedimento encontrado."}, nil
	}

	var b strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Procedure.Task)
		for _, step := range m.Procedure.Steps {
			fmt.Fprintf(&b, "   - %s\n", step)
		}
		if m.Procedure.Outcome != "" {
			fmt.Fprintf(&b, "   Resultado: %s\n", m.Procedure.Outcome)
		}
	}
	return zeus.ToolResult{Content: b.String()}, nil
}

var _ zeus.Tool = (*Tool)(nil)
