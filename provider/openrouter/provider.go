package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	zeus "github.com/ovfarias/zeus"
)

// DefaultBaseURL is the OpenRouter API base. Point baseURL at a local
// OpenAI-compatible server (Ollama, vLLM, LM Studio) for the local tier.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Provider implements zeus.Provider against any OpenAI-compatible chat
// completions API. The model is taken from each request, so one Provider
// serves every fallback tier on the same endpoint.
type Provider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	name     string
	referer  string
	title    string
	embedded bool
	logger   *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAppInfo sets the HTTP-Referer and X-Title headers OpenRouter uses for
// app attribution.
func WithAppInfo(referer, title string) Option {
	return func(p *Provider) { p.referer = referer; p.title = title }
}

// WithEmbeddedToolCalls enables scanning assistant text for JSON-embedded
// tool calls, for models without native function calling.
func WithEmbeddedToolCalls() Option {
	return func(p *Provider) { p.embedded = true }
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a provider. baseURL defaults to DefaultBaseURL when empty;
// the /chat/completions path is appended automatically.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openrouter",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openrouter").
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls, either
// native or extracted from the text when embedded mode is enabled.
func (p *Provider) Chat(ctx context.Context, req zeus.ChatRequest) (zeus.ChatResponse, error) {
	// Embedded mode: the tool schemas travel as text inside the system
	// prompt and the tools field stays off the wire, since these models
	// have no native function calling.
	var embeddedTools map[string]bool
	if p.embedded && len(req.Tools) > 0 {
		embeddedTools = make(map[string]bool, len(req.Tools))
		for _, t := range req.Tools {
			embeddedTools[t.Name] = true
		}
		req.Messages = withEmbeddedToolPrompt(req.Messages, req.Tools)
		req.Tools = nil
	}

	body := BuildBody(req)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return zeus.ChatResponse{}, &zeus.ErrLLM{Provider: p.name, Kind: zeus.LLMTimeout, Message: err.Error()}
		}
		if ctx.Err() != nil {
			return zeus.ChatResponse{}, ctx.Err()
		}
		return zeus.ChatResponse{}, &zeus.ErrLLM{Provider: p.name, Kind: zeus.LLMTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return zeus.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return zeus.ChatResponse{}, &zeus.ErrLLM{Provider: p.name, Kind: zeus.LLMMalformed, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out, err := ParseResponse(chatResp)
	if err != nil {
		var le *zeus.ErrLLM
		if errors.As(err, &le) && le.Provider == "" {
			le.Provider = p.name
		}
		return zeus.ChatResponse{}, err
	}

	if len(embeddedTools) > 0 && len(out.ToolCalls) == 0 && out.Content != "" {
		content, calls := ExtractEmbeddedCalls(out.Content, embeddedTools)
		if len(calls) > 0 {
			p.logger.Debug("extracted embedded tool calls", "model", req.Model, "count", len(calls))
			out.Content = content
			out.ToolCalls = calls
		}
	}

	if out.Content == "" && len(out.ToolCalls) == 0 {
		return zeus.ChatResponse{}, &zeus.ErrLLM{Provider: p.name, Kind: zeus.LLMEmpty, Message: "empty response from " + req.Model}
	}

	return out, nil
}

// Health pings the models endpoint to verify the API is reachable.
func (p *Provider) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.httpErr(resp)
	}
	return nil
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.referer != "" {
		httpReq.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		httpReq.Header.Set("X-Title", p.title)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the fallback
// logic upstream.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &zeus.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

// Compile-time interface checks.
var (
	_ zeus.Provider      = (*Provider)(nil)
	_ zeus.HealthChecker = (*Provider)(nil)
)
