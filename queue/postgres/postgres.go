// Package postgres implements zeus.Queue using PostgreSQL.
//
// The Queue accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Claim semantics are
// identical to the sqlite backend: a conditional UPDATE is the claim.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	zeus "github.com/ovfarias/zeus"
)

// QueueOption configures a PostgreSQL Queue.
type QueueOption func(*Queue)

// WithLogger sets a structured logger for the queue.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// Queue implements zeus.Queue backed by PostgreSQL.
type Queue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ zeus.Queue = (*Queue)(nil)

// New creates a Queue using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...QueueOption) *Queue {
	q := &Queue{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Init creates the tasks table and its indices.
func (q *Queue) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			models JSONB NOT NULL DEFAULT '{}',
			attached_files JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			result TEXT,
			error TEXT,
			tool_calls JSONB,
			progress JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
	}
	for _, ddl := range stmts {
		if _, err := q.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create tasks table: %w", err)
		}
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, task *zeus.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Status == "" {
		task.Status = zeus.StatusPending
	}

	models, err := json.Marshal(task.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	files, err := json.Marshal(task.AttachedFiles)
	if err != nil {
		return fmt.Errorf("marshal attached files: %w", err)
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO tasks (id, conversation_id, user_message, status, models, attached_files, created_at, progress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '[]')`,
		task.ID, task.ConversationID, task.UserMessage, string(task.Status), models, files, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	q.logger.Debug("postgres: task enqueued", "task_id", task.ID, "conversation_id", task.ConversationID)
	return nil
}

func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(zeus.StatusProcessing), time.Now(), id, string(zeus.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*zeus.Task, error) {
	row := q.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (q *Queue) UpdateStatus(ctx context.Context, id string, status zeus.TaskStatus, upd zeus.StatusUpdate) error {
	toolCalls, err := json.Marshal(upd.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now()
		completedAt = &now
	}

	_, err = q.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, result = $2, error = $3, tool_calls = $4,
		 completed_at = COALESCE($5, completed_at)
		 WHERE id = $6`,
		string(status), upd.Result, upd.Error, toolCalls, completedAt, id)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	return nil
}

// AppendProgress appends one entry atomically using jsonb concatenation, so
// concurrent appenders never lose entries.
func (q *Queue) AppendProgress(ctx context.Context, id string, step zeus.ProgressStep) error {
	if step.At.IsZero() {
		step.At = time.Now()
	}
	buf, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks SET progress = progress || $1::jsonb WHERE id = $2`,
		buf, id)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: not found", id)
	}
	return nil
}

func (q *Queue) CancelPending(ctx context.Context, id string) (bool, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
		string(zeus.StatusCancelled), time.Now(), id, string(zeus.StatusPending))
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queue) ListPending(ctx context.Context, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(zeus.StatusPending), limitOrDefault(limit))
}

func (q *Queue) ListActive(ctx context.Context, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE status IN ($1, $2) ORDER BY created_at DESC LIMIT $3`,
		string(zeus.StatusPending), string(zeus.StatusProcessing), limitOrDefault(limit))
}

func (q *Queue) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limitOrDefault(limit))
}

func (q *Queue) ResetStuck(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, error = $2, completed_at = $3 WHERE status = $4`,
		string(zeus.StatusFailed), zeus.InterruptedError, time.Now(), string(zeus.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CleanupOld removes terminal tasks whose completed_at is older than age.
func (q *Queue) CleanupOld(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM tasks WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		string(zeus.StatusCompleted), string(zeus.StatusFailed), string(zeus.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op: the pool is owned by the caller.
func (q *Queue) Close() error { return nil }

// --- scanning ---

const selectColumns = `SELECT id, conversation_id, user_message, status, models,
	attached_files, created_at, started_at, completed_at, result, error, tool_calls, progress
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*zeus.Task, error) {
	var (
		t                     zeus.Task
		status                string
		models                []byte
		files, toolCalls      []byte
		progress              []byte
		result, errMsg        *string
		startedAt, completedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.ConversationID, &t.UserMessage, &status, &models,
		&files, &t.CreatedAt, &startedAt, &completedAt, &result, &errMsg, &toolCalls, &progress)
	if err != nil {
		return nil, err
	}

	t.Status = zeus.TaskStatus(status)
	t.StartedAt = startedAt
	t.CompletedAt = completedAt
	if result != nil {
		t.Result = *result
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	if len(models) > 0 {
		_ = json.Unmarshal(models, &t.Models)
	}
	if len(files) > 0 {
		_ = json.Unmarshal(files, &t.AttachedFiles)
	}
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &t.ToolCalls)
	}
	if len(progress) > 0 {
		_ = json.Unmarshal(progress, &t.Progress)
	}
	return &t, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*zeus.Task, error) {
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*zeus.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
