package zeus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown tools return a ToolResult
// with an error message and a nil error: the model sees the failure and can
// correct itself, the task keeps running.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return safeExecute(ctx, t, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// safeExecute runs a tool and converts panics into tool errors so a buggy
// tool cannot take down the worker.
func safeExecute(ctx context.Context, t Tool, name string, args json.RawMessage) (res ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %s panicked: %v", name, r)}
			err = nil
		}
	}()
	return t.Execute(ctx, name, args)
}

// --- Execution context ---

// ExecContext carries per-task state into tool executions: the conversation
// whose sandbox the tool should use, a progress sink, and a cancellation
// probe. Tools read it from the context; absent values degrade to no-ops.
type ExecContext struct {
	ConversationID string
	TaskID         string
	Progress       ProgressFunc
	Cancelled      func() bool
}

type execContextKey struct{}

// WithExecContext returns a context carrying ec.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom extracts the ExecContext, or an empty one when absent.
func ExecContextFrom(ctx context.Context) *ExecContext {
	if ec, ok := ctx.Value(execContextKey{}).(*ExecContext); ok && ec != nil {
		return ec
	}
	return &ExecContext{}
}

// Report sends a progress message if a sink is attached.
func (ec *ExecContext) Report(message, stepType string) {
	if ec.Progress != nil {
		ec.Progress(message, stepType)
	}
}

// IsCancelled probes the cancellation flag.
func (ec *ExecContext) IsCancelled() bool {
	return ec.Cancelled != nil && ec.Cancelled()
}
