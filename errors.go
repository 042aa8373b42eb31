package zeus

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when a task is cancelled by the user.
var ErrCancelled = errors.New("task cancelled")

// LLMErrorKind classifies provider failures for retry decisions.
type LLMErrorKind string

const (
	LLMTimeout   LLMErrorKind = "timeout"
	LLMEmpty     LLMErrorKind = "empty"
	LLMMalformed LLMErrorKind = "malformed"
	LLMTransport LLMErrorKind = "transport"
)

// ErrLLM is a provider-level failure.
type ErrLLM struct {
	Provider string
	Kind     LLMErrorKind
	Message  string
}

func (e *ErrLLM) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-200 response from a provider endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrTool is a tool execution failure. It is non-fatal: the message is fed
// back to the model and reported in progress with an "Erro: " prefix.
type ErrTool struct {
	Tool    string
	Message string
}

func (e *ErrTool) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// IsCancelled reports whether err represents user cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsTransient reports whether err is worth retrying or falling back to the
// next model tier. Timeouts, transport failures, rate limits, and server
// errors are transient; malformed responses are too, since a different
// model may answer cleanly.
func IsTransient(err error) bool {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	var le *ErrLLM
	if errors.As(err, &le) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
