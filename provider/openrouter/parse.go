package openrouter

import (
	"encoding/json"
	"fmt"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

// ParseResponse converts an OpenAI-format ChatResponse to a zeus ChatResponse.
// It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (zeus.ChatResponse, error) {
	var out zeus.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		calls, err := ParseToolCalls(choice.Message.ToolCalls)
		if err != nil {
			return out, err
		}
		out.ToolCalls = calls
	}

	if resp.Usage != nil {
		out.Usage = zeus.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to zeus ToolCalls.
// The API returns function.arguments as a JSON string; RecoverArgs repairs
// the escape damage some models inflict on it. Irrecoverable arguments make
// the whole response malformed, so the retry/fallback ladder asks again
// instead of silently executing a tool with empty arguments.
func ParseToolCalls(tcs []ToolCallRequest) ([]zeus.ToolCall, error) {
	if len(tcs) == 0 {
		return nil, nil
	}

	out := make([]zeus.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args, err := RecoverArgs(tc.Function.Arguments)
		if err != nil {
			return nil, &zeus.ErrLLM{
				Kind:    zeus.LLMMalformed,
				Message: fmt.Sprintf("tool call %s: %v", tc.Function.Name, err),
			}
		}
		out = append(out, zeus.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

// RecoverArgs parses tool-call arguments, working through the escape damage
// patterns models produce: valid JSON passes through, then stray
// single-escaped control sequences are unescaped, then doubled escapes from
// models that re-serialize already-escaped JSON are collapsed. Arguments
// that survive none of the three are malformed.
func RecoverArgs(raw string) (json.RawMessage, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}

	// Literal control characters and invalid escapes inside string values.
	unescaped := strings.NewReplacer(
		"\n", `\n`,
		"\t", `\t`,
		"\r", `\r`,
		`\'`, `'`,
	).Replace(s)
	if json.Valid([]byte(unescaped)) {
		return json.RawMessage(unescaped), nil
	}

	// Doubled escapes: the model serialized an already-escaped payload.
	collapsed := strings.NewReplacer(
		`\\n`, `\n`,
		`\\t`, `\t`,
		`\\r`, `\r`,
		`\\"`, `\"`,
		`\\\\`, `\\`,
	).Replace(s)
	if json.Valid([]byte(collapsed)) {
		return json.RawMessage(collapsed), nil
	}

	return nil, fmt.Errorf("malformed tool arguments: %s", truncate(s, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
