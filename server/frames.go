package server

import (
	"encoding/json"

	zeus "github.com/ovfarias/zeus"
)

// inbound is a client-to-server websocket frame.
type inbound struct {
	Type string `json:"type"`

	// type == "message"
	Content        string               `json:"content,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	AttachedFiles  []zeus.AttachedFile  `json:"attached_files,omitempty"`
	Background     bool                 `json:"background,omitempty"`
	Models         *zeus.ModelSelection `json:"models,omitempty"`

	// type == "cancel"
	TaskID string `json:"task_id,omitempty"`
}

// Outbound frames. Every frame carries a type discriminator; the rest of the
// shape varies per frame.

// statusFrame reports the session's engine state: "processing" while a
// foreground run is in flight (with its task id), "idle" once it ends.
type statusFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

type messageFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type toolStartFrame struct {
	Type string          `json:"type"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type toolResultFrame struct {
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type logFrame struct {
	Type     string `json:"type"` // "tool_log" or "backend_log"
	Message  string `json:"message"`
	StepType string `json:"step_type,omitempty"`
}

type taskCreatedFrame struct {
	Type           string `json:"type"`
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
}

type conversationCreatedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

type cancelledFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}
