package zeus

import (
	"context"
	"time"
)

// InterruptedError is recorded on tasks found mid-flight after a restart.
const InterruptedError = "interrupted by restart"

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	Result    string
	Error     string
	ToolCalls []ToolCallRecord
}

// Queue is the task persistence contract. Implementations live in
// queue/sqlite and queue/postgres and must be safe for concurrent use.
type Queue interface {
	// Enqueue inserts a new pending task. ID and CreatedAt are filled in
	// when empty.
	Enqueue(ctx context.Context, task *Task) error

	// Claim atomically moves a pending task to processing, setting
	// StartedAt. Returns false when the task was already claimed, missing,
	// or not pending. Exactly one concurrent caller wins.
	Claim(ctx context.Context, id string) (bool, error)

	// Get fetches a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus transitions a task, recording result, error, and tool
	// calls. Terminal statuses set CompletedAt. Idempotent: repeating a
	// transition is not an error.
	UpdateStatus(ctx context.Context, id string, status TaskStatus, upd StatusUpdate) error

	// AppendProgress appends one entry to the task's progress log.
	AppendProgress(ctx context.Context, id string, step ProgressStep) error

	// CancelPending moves a pending task directly to cancelled. Returns
	// false when the task is not pending; processing tasks are cancelled
	// through the worker's cancel registry instead.
	CancelPending(ctx context.Context, id string) (bool, error)

	// ListPending returns pending tasks oldest-first, up to limit.
	ListPending(ctx context.Context, limit int) ([]*Task, error)

	// ListActive returns pending and processing tasks, newest-first.
	ListActive(ctx context.Context, limit int) ([]*Task, error)

	// ListByConversation returns a conversation's tasks, newest-first.
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*Task, error)

	// ResetStuck fails every processing task, recording InterruptedError.
	// Called once at startup before the worker pool begins polling.
	ResetStuck(ctx context.Context) (int, error)

	// CleanupOld deletes terminal tasks older than age. Returns the number
	// removed.
	CleanupOld(ctx context.Context, age time.Duration) (int, error)

	Close() error
}
