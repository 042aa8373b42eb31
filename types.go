package zeus

import (
	"encoding/json"
	"time"
)

// --- Task domain types (database records) ---

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of background work tied to a conversation.
type Task struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	UserMessage    string           `json:"user_message"`
	Status         TaskStatus       `json:"status"`
	Models         ModelSelection   `json:"models"`
	AttachedFiles  []AttachedFile   `json:"attached_files,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Result         string           `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	Progress       []ProgressStep   `json:"progress,omitempty"`
}

// ExecutionTime returns the elapsed wall time between claim and completion,
// or zero when the task has not finished.
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// ModelSelection names the model for each fallback tier. Secondary and
// Tertiary are optional.
type ModelSelection struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Tertiary  string `json:"tertiary,omitempty"`
}

// Tiers returns the non-empty models in fallback order.
func (m ModelSelection) Tiers() []string {
	var tiers []string
	for _, model := range []string{m.Primary, m.Secondary, m.Tertiary} {
		if model != "" {
			tiers = append(tiers, model)
		}
	}
	return tiers
}

// AttachedFile is a user-supplied file riding along with a message.
type AttachedFile struct {
	Name    string `json:"name"`
	Mime    string `json:"mime,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Content string `json:"content,omitempty"` // base64 for binary, raw for text
}

// ProgressStep is one append-only entry in a task's progress log.
type ProgressStep struct {
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
	StepType string    `json:"step_type"`
}

// ToolCallRecord captures one executed tool call for the task record.
type ToolCallRecord struct {
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   string          `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string      `json:"role"` // "system", "user", "assistant", "tool"
	Content    string      `json:"content"`
	Images     []ImageData `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
