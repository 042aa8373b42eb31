// Package http gives the agent direct API access: raw HTTP requests with
// method, headers, and body, for endpoints where the readability-based
// fetch_url tool would mangle the response.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	zeus "github.com/ovfarias/zeus"
)

// maxBody caps how much of a response body is returned to the model.
const maxBody = 12_000

// maxResponseBytes bounds how much is read off the wire.
const maxResponseBytes = 1 << 20

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
	"HEAD":   true,
}

// Tool performs HTTP requests against external APIs.
type Tool struct {
	client *http.Client
}

// New creates an http tool with a 30-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "http_request",
		Description: "Make an HTTP request to an API endpoint and return the status and body. Use for JSON APIs and webhooks; use fetch_url instead for reading articles and web pages.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Request URL (http or https)"},"method":{"type":"string","description":"HTTP method (default GET)"},"headers":{"type":"object","additionalProperties":{"type":"string"},"description":"Request headers"},"body":{"type":"string","description":"Request body, for POST/PUT/PATCH"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	u, err := url.Parse(params.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return zeus.ToolResult{Error: "invalid url: must be http or https"}, nil
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return zeus.ToolResult{Error: "method not allowed: " + method}, nil
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return zeus.ToolResult{Error: "request error: " + err.Error()}, nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ZeusAgent/1.0)")
	if params.Body != "" && params.Headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return zeus.ToolResult{Error: "request failed: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zeus.ToolResult{Error: "read error: " + err.Error()}, nil
	}

	content := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), maxBody))
	if resp.StatusCode >= 400 {
		return zeus.ToolResult{Content: content, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}
	return zeus.ToolResult{Content: content}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

var _ zeus.Tool = (*Tool)(nil)
