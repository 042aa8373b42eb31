package openrouter

import (
	"encoding/json"
	"fmt"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

// Some models have no native function calling and emit tool calls as JSON
// objects inside their text response, shaped:
//
//	{"name": "run_command", "parameters": {"command": "ls"}}
//
// ExtractEmbeddedCalls scans assistant text for such objects, returns the
// extracted calls, and strips the JSON spans from the visible content.
// tools is the set of registered tool names; objects naming anything else,
// or without a name or parameters/arguments, are left in the text.
func ExtractEmbeddedCalls(content string, tools map[string]bool) (string, []zeus.ToolCall) {
	var calls []zeus.ToolCall
	var kept strings.Builder

	i := 0
	for i < len(content) {
		if content[i] != '{' {
			kept.WriteByte(content[i])
			i++
			continue
		}

		end, ok := balancedObjectEnd(content, i)
		if !ok {
			kept.WriteString(content[i:])
			break
		}

		span := content[i : end+1]
		if call, ok := parseEmbeddedCall(span, len(calls), tools); ok {
			calls = append(calls, call)
		} else {
			kept.WriteString(span)
		}
		i = end + 1
	}

	return strings.TrimSpace(kept.String()), calls
}

// balancedObjectEnd finds the index of the brace closing the object opened
// at start, tolerant of strings and escape sequences. Returns false when the
// object never closes.
func balancedObjectEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// parseEmbeddedCall tries to interpret a JSON span as a call to one of the
// registered tools.
func parseEmbeddedCall(span string, seq int, tools map[string]bool) (zeus.ToolCall, bool) {
	var parsed struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
		Arguments  json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(span), &parsed); err != nil {
		return zeus.ToolCall{}, false
	}
	if parsed.Name == "" || !tools[parsed.Name] {
		return zeus.ToolCall{}, false
	}

	args := parsed.Parameters
	if len(args) == 0 || string(args) == "null" {
		args = parsed.Arguments
	}
	if len(args) == 0 || string(args) == "null" {
		return zeus.ToolCall{}, false
	}

	return zeus.ToolCall{
		ID:   fmt.Sprintf("embedded-%d", seq),
		Name: parsed.Name,
		Args: args,
	}, true
}

// withEmbeddedToolPrompt appends the textual tool schemas to the system
// message (creating one when the conversation has none), so a model without
// native function calling still knows what it can invoke and in what shape.
func withEmbeddedToolPrompt(messages []zeus.ChatMessage, tools []zeus.ToolDefinition) []zeus.ChatMessage {
	prompt := embeddedToolPrompt(tools)
	out := make([]zeus.ChatMessage, len(messages))
	copy(out, messages)

	for i := range out {
		if out[i].Role == "system" {
			out[i].Content += "\n\n" + prompt
			return out
		}
	}
	return append([]zeus.ChatMessage{zeus.SystemMessage(prompt)}, out...)
}

// embeddedToolPrompt renders the tool definitions as text, with the call
// convention ExtractEmbeddedCalls parses back out.
func embeddedToolPrompt(tools []zeus.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("Ferramentas disponíveis:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s: %s\n", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			fmt.Fprintf(&b, "  Parâmetros (JSON Schema): %s\n", string(t.Parameters))
		}
	}
	b.WriteString("\nPara chamar uma ferramenta, responda com um objeto JSON no formato " +
		`{"name": "<ferramenta>", "parameters": {...}}. ` +
		"Use apenas as ferramentas listadas acima.")
	return b.String()
}
