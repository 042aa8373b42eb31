// Package finish declares the finish_task tool. The orchestrator intercepts
// calls to it by name, so Execute only runs if something is miswired; it
// still returns the result so nothing is lost.
package finish

import (
	"context"
	"encoding/json"

	zeus "github.com/ovfarias/zeus"
)

// Tool declares the terminal finish_task tool.
type Tool struct{}

// New creates the finish tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "finish_task",
		Description: "Conclude the task and deliver the final result to the user. Call this exactly once, when the work is done. The result should be complete and self-contained.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"result":{"type":"string","description":"The final answer or report for the user"}},"required":["result"]}`),
	}}
}

func (t *Tool) Execute(_ context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	return zeus.ToolResult{Content: params.Result}, nil
}

var _ zeus.Tool = (*Tool)(nil)
