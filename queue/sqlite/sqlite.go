// Package sqlite implements zeus.Queue using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	zeus "github.com/ovfarias/zeus"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// QueueOption configures a SQLite Queue.
type QueueOption func(*Queue)

// WithLogger sets a structured logger for the queue.
// When set, the queue emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// Queue implements zeus.Queue backed by a local SQLite file. Structured
// fields (models, attached files, tool calls, progress) are stored as JSON
// text columns.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ zeus.Queue = (*Queue)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Queue using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...QueueOption) *Queue {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	q := &Queue{db: db, logger: nopLogger}
	for _, o := range opts {
		o(q)
	}
	q.logger.Debug("sqlite: queue opened", "path", dbPath)
	return q
}

// Init creates the tasks table and its indices.
func (q *Queue) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			models TEXT NOT NULL DEFAULT '{}',
			attached_files TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			result TEXT,
			error TEXT,
			tool_calls TEXT,
			progress TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
	}
	for _, ddl := range stmts {
		if _, err := q.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create tasks table: %w", err)
		}
	}
	q.logger.Debug("sqlite: init complete", "duration", time.Since(start))
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, task *zeus.Task) error {
	start := time.Now()
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

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, conversation_id, user_message, status, models, attached_files, created_at, progress)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '[]')`,
		task.ID, task.ConversationID, task.UserMessage, string(task.Status), string(models), string(files), task.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	q.logger.Debug("sqlite: task enqueued", "task_id", task.ID, "conversation_id", task.ConversationID, "duration", time.Since(start))
	return nil
}

// Claim atomically transitions pending → processing. The conditional UPDATE
// is the claim: exactly one concurrent caller sees RowsAffected == 1.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(zeus.StatusProcessing), time.Now().Unix(), id, string(zeus.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	q.logger.Debug("sqlite: claim attempted", "task_id", id, "claimed", n == 1, "duration", time.Since(start))
	return n == 1, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*zeus.Task, error) {
	row := q.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (q *Queue) UpdateStatus(ctx context.Context, id string, status zeus.TaskStatus, upd zeus.StatusUpdate) error {
	start := time.Now()
	toolCalls, err := json.Marshal(upd.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().Unix()
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error = ?, tool_calls = ?,
		 completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		string(status), upd.Result, upd.Error, string(toolCalls), completedAt, id)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	q.logger.Debug("sqlite: status updated", "task_id", id, "status", status, "duration", time.Since(start))
	return nil
}

// AppendProgress appends one entry to the progress JSON log. The
// read-modify-write runs in a transaction; with one shared connection the
// append is effectively serialized anyway.
func (q *Queue) AppendProgress(ctx context.Context, id string, step zeus.ProgressStep) error {
	if step.At.IsZero() {
		step.At = time.Now()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT progress FROM tasks WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s: not found", id)
		}
		return fmt.Errorf("append progress: %w", err)
	}

	var steps []zeus.ProgressStep
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &steps); err != nil {
			// Corrupt log: start over rather than blocking progress forever.
			steps = nil
		}
	}
	steps = append(steps, step)

	buf, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET progress = ? WHERE id = ?`, string(buf), id); err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return tx.Commit()
}

func (q *Queue) CancelPending(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(zeus.StatusCancelled), time.Now().Unix(), id, string(zeus.StatusPending))
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return n == 1, nil
}

func (q *Queue) ListPending(ctx context.Context, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(zeus.StatusPending), limitOrDefault(limit))
}

func (q *Queue) ListActive(ctx context.Context, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE status IN (?, ?) ORDER BY created_at DESC LIMIT ?`,
		string(zeus.StatusPending), string(zeus.StatusProcessing), limitOrDefault(limit))
}

func (q *Queue) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*zeus.Task, error) {
	return q.list(ctx,
		selectColumns+` WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limitOrDefault(limit))
}

// ResetStuck fails tasks left processing by a previous run. Called once at
// startup before polling begins.
func (q *Queue) ResetStuck(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		string(zeus.StatusFailed), zeus.InterruptedError, time.Now().Unix(), string(zeus.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	if n > 0 {
		q.logger.Debug("sqlite: stuck tasks reset", "count", n)
	}
	return int(n), nil
}

// CleanupOld removes terminal tasks whose completion is older than age. The
// cutoff is against completed_at, so a long-lived task finished recently is
// kept for the full retention window.
func (q *Queue) CleanupOld(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(zeus.StatusCompleted), string(zeus.StatusFailed), string(zeus.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}
	if n > 0 {
		q.logger.Debug("sqlite: old tasks removed", "count", n)
	}
	return int(n), nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

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
		models                string
		files, result, errMsg sql.NullString
		toolCalls, progress   sql.NullString
		createdAt             int64
		startedAt, completed  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.ConversationID, &t.UserMessage, &status, &models,
		&files, &createdAt, &startedAt, &completed, &result, &errMsg, &toolCalls, &progress)
	if err != nil {
		return nil, err
	}

	t.Status = zeus.TaskStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := time.Unix(completed.Int64, 0)
		t.CompletedAt = &ts
	}
	t.Result = result.String
	t.Error = errMsg.String

	if models != "" {
		_ = json.Unmarshal([]byte(models), &t.Models)
	}
	if files.Valid && files.String != "" {
		_ = json.Unmarshal([]byte(files.String), &t.AttachedFiles)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		_ = json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls)
	}
	if progress.Valid && progress.String != "" {
		_ = json.Unmarshal([]byte(progress.String), &t.Progress)
	}
	return &t, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*zeus.Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
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
