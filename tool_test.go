package zeus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// panicTool always panics on Execute.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "bomb", Description: "panics", Parameters: json.RawMessage(`{}`)}}
}

func (panicTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	panic("kaboom")
}

func TestRegistryDispatchByName(t *testing.T) {
	registry := NewToolRegistry()
	registry.Add(&recordingTool{name: "alpha", result: "a"})
	registry.Add(&recordingTool{name: "beta", result: "b"})

	res, err := registry.Execute(context.Background(), "beta", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "b" {
		t.Errorf("content = %q, want %q", res.Content, "b")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewToolRegistry()
	res, err := registry.Execute(context.Background(), "ghost", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unknown tool must not be a hard error, got %v", err)
	}
	if res.Error != "unknown tool: ghost" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistryPanicRecovery(t *testing.T) {
	registry := NewToolRegistry()
	registry.Add(panicTool{})

	res, err := registry.Execute(context.Background(), "bomb", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "panicked") || !strings.Contains(res.Error, "kaboom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistryAllDefinitions(t *testing.T) {
	registry := NewToolRegistry()
	registry.Add(&recordingTool{name: "alpha"})
	registry.Add(&recordingTool{name: "beta"})

	defs := registry.AllDefinitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
}

func TestExecContextRoundTrip(t *testing.T) {
	var reported []string
	ec := &ExecContext{
		ConversationID: "conv-9",
		TaskID:         "task-9",
		Progress:       func(message, _ string) { reported = append(reported, message) },
		Cancelled:      func() bool { return true },
	}
	ctx := WithExecContext(context.Background(), ec)

	got := ExecContextFrom(ctx)
	if got.ConversationID != "conv-9" || got.TaskID != "task-9" {
		t.Errorf("got %+v", got)
	}
	got.Report("hello", StepInfo)
	if len(reported) != 1 || reported[0] != "hello" {
		t.Errorf("reported = %v", reported)
	}
	if !got.IsCancelled() {
		t.Error("IsCancelled = false, want true")
	}
}

func TestExecContextAbsent(t *testing.T) {
	ec := ExecContextFrom(context.Background())
	if ec == nil {
		t.Fatal("nil ExecContext")
	}
	// Degraded no-ops must not panic.
	ec.Report("ignored", StepInfo)
	if ec.IsCancelled() {
		t.Error("empty context reports cancelled")
	}
}
