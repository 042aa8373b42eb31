// Package fetch retrieves a web page and extracts its readable article text.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	zeus "github.com/ovfarias/zeus"
)

// maxContent caps how much extracted text is returned to the model.
const maxContent = 12_000

const fetchTimeout = 30 * time.Second

// Tool fetches URLs and strips them down to readable text.
type Tool struct{}

// New creates a fetch tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its readable article text (navigation, ads and boilerplate stripped). Use for reading documentation, articles, or pages found via web search.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"The http(s) URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	u, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return zeus.ToolResult{Error: "invalid url: must be http(s)"}, nil
	}

	article, err := readability.FromURL(u.String(), fetchTimeout)
	if err != nil {
		return zeus.ToolResult{Error: "fetch error: " + err.Error()}, nil
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return zeus.ToolResult{Error: "page has no extractable text"}, nil
	}
	if len(text) > maxContent {
		text = text[:maxContent] + "\n... (truncated)"
	}

	var b strings.Builder
	if article.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", article.Title)
	}
	b.WriteString(text)
	return zeus.ToolResult{Content: b.String()}, nil
}

var _ zeus.Tool = (*Tool)(nil)
