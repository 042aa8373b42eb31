package openrouter

import (
	"encoding/json"
	"fmt"

	zeus "github.com/ovfarias/zeus"
)

// BuildBody converts a zeus ChatRequest into the OpenAI wire format.
// System messages are kept in the messages array as role:"system".
func BuildBody(req zeus.ChatRequest) ChatRequest {
	var msgs []Message

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			msgs = append(msgs, Message{
				Role:    "system",
				Content: m.Content,
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Include text content if present alongside tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			// Regular user or assistant message, possibly with images.
			if len(m.Images) > 0 {
				var blocks []ContentBlock
				if m.Content != "" {
					blocks = append(blocks, ContentBlock{
						Type: "text",
						Text: m.Content,
					})
				}
				for _, img := range m.Images {
					blocks = append(blocks, ContentBlock{
						Type:     "image_url",
						ImageURL: &ImageURL{URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64)},
					})
				}
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: blocks,
				})
			} else {
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: m.Content,
				})
			}
		}
	}

	out := ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}
	return out
}

// BuildToolDefs converts zeus ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []zeus.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
