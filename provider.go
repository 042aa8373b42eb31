package zeus

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may contain ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openrouter", "local").
	Name() string
}

// HealthChecker is an optional Provider capability. Callers discover it via
// type assertion.
type HealthChecker interface {
	Health(ctx context.Context) error
}
