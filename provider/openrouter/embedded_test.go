package openrouter

import (
	"encoding/json"
	"strings"
	"testing"

	zeus "github.com/ovfarias/zeus"
)

func testToolSet() map[string]bool {
	return map[string]bool{
		"run_command": true,
		"run_script":  true,
		"file_read":   true,
	}
}

func TestExtractEmbeddedCallsSingle(t *testing.T) {
	content := `Vou listar os arquivos. {"name": "run_command", "parameters": {"command": "ls"}}`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())

	if kept != "Vou listar os arquivos." {
		t.Errorf("kept = %q", kept)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Name != "run_command" || calls[0].ID != "embedded-0" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Args) != `{"command": "ls"}` {
		t.Errorf("args = %s", calls[0].Args)
	}
}

func TestExtractEmbeddedCallsMultiple(t *testing.T) {
	content := `{"name": "file_read", "parameters": {"path": "a.txt"}} e depois {"name": "file_read", "arguments": {"path": "b.txt"}}`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())

	if kept != "e depois" {
		t.Errorf("kept = %q", kept)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ID != "embedded-0" || calls[1].ID != "embedded-1" {
		t.Errorf("ids = %s, %s", calls[0].ID, calls[1].ID)
	}
	// "arguments" is accepted as an alias for "parameters".
	if string(calls[1].Args) != `{"path": "b.txt"}` {
		t.Errorf("args = %s", calls[1].Args)
	}
}

func TestExtractEmbeddedCallsPlainText(t *testing.T) {
	content := "Nenhuma ferramenta necessária aqui."
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())
	if kept != content || len(calls) != 0 {
		t.Errorf("kept = %q, calls = %d", kept, len(calls))
	}
}

func TestExtractEmbeddedCallsIgnoresOrdinaryJSON(t *testing.T) {
	// Objects without a tool name stay in the text.
	content := `O resultado foi {"total": 42, "status": "ok"}.`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())
	if len(calls) != 0 {
		t.Fatalf("calls = %d", len(calls))
	}
	if kept != content {
		t.Errorf("kept = %q", kept)
	}
}

func TestExtractEmbeddedCallsNameWithoutArgs(t *testing.T) {
	content := `{"name": "run_command"}`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())
	if len(calls) != 0 || kept != content {
		t.Errorf("kept = %q, calls = %d", kept, len(calls))
	}
}

func TestExtractEmbeddedCallsUnclosedBrace(t *testing.T) {
	content := `texto antes {"name": "run_command", "parameters": {"command": "ls"`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())
	if len(calls) != 0 {
		t.Fatalf("calls = %d", len(calls))
	}
	if kept != content {
		t.Errorf("kept = %q", kept)
	}
}

func TestExtractEmbeddedCallsBracesInsideStrings(t *testing.T) {
	content := `{"name": "run_script", "parameters": {"code": "d = {\"a\": 1}"}}`
	_, calls := ExtractEmbeddedCalls(content, testToolSet())
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Name != "run_script" {
		t.Errorf("name = %q", calls[0].Name)
	}
}

func TestExtractEmbeddedCallsUnregisteredName(t *testing.T) {
	// Named objects that are not registered tools stay in the text: the model
	// may just be quoting JSON with a name field.
	content := `O endpoint devolve {"name": "produto", "parameters": {"id": 7}}.`
	kept, calls := ExtractEmbeddedCalls(content, testToolSet())
	if len(calls) != 0 {
		t.Fatalf("calls = %d", len(calls))
	}
	if kept != content {
		t.Errorf("kept = %q", kept)
	}
}

func TestWithEmbeddedToolPrompt(t *testing.T) {
	tools := []zeus.ToolDefinition{
		{Name: "run_command", Description: "Executa um comando", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	// Existing system message gets the schemas appended.
	msgs := withEmbeddedToolPrompt([]zeus.ChatMessage{
		zeus.SystemMessage("base"),
		zeus.UserMessage("oi"),
	}, tools)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, "base") {
		t.Errorf("system prompt base lost: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "run_command") || !strings.Contains(msgs[0].Content, `{"type":"object"}`) {
		t.Errorf("tool schema missing from system prompt: %q", msgs[0].Content)
	}

	// No system message: one is prepended.
	msgs = withEmbeddedToolPrompt([]zeus.ChatMessage{zeus.UserMessage("oi")}, tools)
	if len(msgs) != 2 || msgs[0].Role != "system" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "run_command") {
		t.Errorf("tool schema missing: %q", msgs[0].Content)
	}
}

func TestBalancedObjectEnd(t *testing.T) {
	s := `{"a": {"b": "}"}} trailing`
	end, ok := balancedObjectEnd(s, 0)
	if !ok {
		t.Fatal("object not found")
	}
	if s[end] != '}' || end != 16 {
		t.Errorf("end = %d", end)
	}
}
