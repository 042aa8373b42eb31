// Package worker polls the task queue and runs claimed tasks through the
// orchestrator, bounded by a concurrency ceiling. It owns the cancel
// registry that lets the API abort in-flight tasks.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/convstore"
	"github.com/ovfarias/zeus/files"
)

const (
	defaultMaxConcurrent   = 5
	defaultPollInterval    = 1 * time.Second
	defaultCleanupInterval = 1 * time.Hour
	defaultCleanupAge      = 7 * 24 * time.Hour
	defaultShutdownGrace   = 30 * time.Second
)

// Runner executes one task to completion. *zeus.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, task zeus.Task, opts zeus.RunOptions) (zeus.Result, error)
}

// Notifier receives task lifecycle broadcasts. *hub.Hub satisfies it.
type Notifier interface {
	SendTaskProgress(conversationID, taskID, message, stepType string) int
	SendTaskStatus(conversationID, taskID, status, result, errMsg string, toolCalls any, executionTime float64) int
}

// Conversations supplies the chat history a task runs against and persists
// the assistant's reply afterwards. *convstore.Store satisfies it.
type Conversations interface {
	Get(id string) (*convstore.Conversation, error)
	AppendMessage(id, role, content string) error
}

// Config tunes the pool.
type Config struct {
	// MaxConcurrent caps simultaneously running tasks (default 5).
	MaxConcurrent int
	// PollInterval is the queue poll period (default 1s).
	PollInterval time.Duration
	// CleanupInterval is the period between CleanupOld sweeps (default 1h).
	CleanupInterval time.Duration
	// CleanupAge is the terminal-task retention window (default 7 days).
	CleanupAge time.Duration
	// ShutdownGrace bounds the wait for in-flight tasks (default 30s).
	ShutdownGrace time.Duration
	// DefaultModels fills in tasks enqueued without a model selection.
	DefaultModels zeus.ModelSelection
	// RequireCompletionTool makes every run terminate through finish_task.
	RequireCompletionTool bool
}

func (c *Config) fillDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = defaultCleanupAge
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
}

// Pool is the background worker pool.
type Pool struct {
	queue         zeus.Queue
	runner        Runner
	notifier      Notifier
	conversations Conversations
	metrics       zeus.Metrics
	logger        *slog.Logger
	cfg           Config

	sem       chan struct{}
	wg        sync.WaitGroup
	stopPoll  context.CancelFunc
	stopTasks context.CancelFunc
	taskCtx   context.Context

	mu      sync.Mutex
	running map[string]*taskCancel
}

// taskCancel is one in-flight task's cancellation handle. The flag is what
// the orchestrator polls between iterations and tool calls; the context
// cancel unblocks anything waiting inside a tool or provider call.
type taskCancel struct {
	flag   atomic.Bool
	cancel context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics enables task lifecycle metrics.
func WithMetrics(m zeus.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a Pool. Call Start to begin polling.
func New(queue zeus.Queue, runner Runner, notifier Notifier, conversations Conversations, cfg Config, opts ...Option) *Pool {
	cfg.fillDefaults()
	p := &Pool{
		queue:         queue,
		runner:        runner,
		notifier:      notifier,
		conversations: conversations,
		logger:        slog.New(slog.DiscardHandler),
		cfg:           cfg,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		running:       make(map[string]*taskCancel),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start resets tasks stranded by the previous run, then launches the poll
// and cleanup loops. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	n, err := p.queue.ResetStuck(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info("stuck tasks reset", "count", n)
	}

	loopCtx, stopPoll := context.WithCancel(context.Background())
	p.stopPoll = stopPoll
	// In-flight tasks survive the poll loop's cancellation and only get cut
	// off when the shutdown grace expires.
	p.taskCtx, p.stopTasks = context.WithCancel(context.Background())

	p.wg.Add(2)
	go p.pollLoop(loopCtx)
	go p.cleanupLoop(loopCtx)
	return nil
}

// Shutdown stops polling and waits for in-flight tasks up to the grace
// period (or ctx, whichever ends first). Tasks still running after the
// grace are cancelled; a later ResetStuck marks them interrupted.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.stopPoll != nil {
		p.stopPoll()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		p.logger.Warn("shutdown grace expired with tasks still running")
		p.stopTasks()
		return context.DeadlineExceeded
	case <-ctx.Done():
		p.stopTasks()
		return ctx.Err()
	}
}

// Cancel aborts a task. Pending tasks are cancelled in the queue directly;
// processing tasks get their flag raised and context cancelled, and the
// orchestrator winds down at its next check. Returns false when the task is
// neither pending nor running here.
func (p *Pool) Cancel(ctx context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	tc, running := p.running[taskID]
	p.mu.Unlock()
	if running {
		tc.flag.Store(true)
		tc.cancel()
		p.logger.Debug("cancel requested for running task", "task_id", taskID)
		return true, nil
	}
	return p.queue.CancelPending(ctx, taskID)
}

// pollLoop claims pending tasks as concurrency slots open up.
func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		free := cap(p.sem) - len(p.sem)
		if free == 0 {
			continue
		}
		tasks, err := p.queue.ListPending(ctx, free)
		if err != nil {
			p.logger.Warn("pending poll failed", "error", err)
			continue
		}
		for _, task := range tasks {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.wg.Add(1)
			go func(task zeus.Task) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.processTask(p.taskCtx, task)
			}(*task)
		}
	}
}

// cleanupLoop prunes old terminal tasks on a slow ticker.
func (p *Pool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.CleanupOld(ctx, p.cfg.CleanupAge)
			if err != nil {
				p.logger.Warn("task cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("old tasks removed", "count", n)
			}
		}
	}
}

// processTask is the per-task unit: claim, run, persist, notify.
func (p *Pool) processTask(ctx context.Context, task zeus.Task) {
	claimed, err := p.queue.Claim(ctx, task.ID)
	if err != nil {
		p.logger.Warn("claim failed", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker (or a cancel) got there first.
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	tc := &taskCancel{cancel: cancel}
	p.mu.Lock()
	p.running[task.ID] = tc
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, task.ID)
		p.mu.Unlock()
	}()

	start := time.Now()

	cv, err := p.conversations.Get(task.ConversationID)
	if err != nil {
		p.logger.Warn("conversation load failed", "task_id", task.ID, "conversation_id", task.ConversationID, "error", err)
		p.finish(ctx, task, zeus.StatusFailed, zeus.StatusUpdate{Error: "conversation not found: " + task.ConversationID}, zeus.Result{}, 0)
		return
	}

	p.notifier.SendTaskStatus(task.ConversationID, task.ID, string(zeus.StatusProcessing), "", "", nil, 0)
	p.logger.Info("task started", "task_id", task.ID, "conversation_id", task.ConversationID)
	if p.metrics != nil {
		p.metrics.TaskStarted(ctx)
	}

	progress := func(message, stepType string) {
		if err := p.queue.AppendProgress(ctx, task.ID, zeus.ProgressStep{Message: message, StepType: stepType}); err != nil {
			p.logger.Debug("progress append failed", "task_id", task.ID, "error", err)
		}
		p.notifier.SendTaskProgress(task.ConversationID, task.ID, message, stepType)
	}

	models := task.Models
	if len(models.Tiers()) == 0 {
		models = p.cfg.DefaultModels
	}

	// Attachments are inlined for the model; the stored task keeps the
	// original message.
	exp := files.Expand(task.AttachedFiles)

	res, runErr := p.runner.Run(runCtx, task, zeus.RunOptions{
		Models:                models,
		History:               historyFor(cv, task.UserMessage),
		Progress:              progress,
		Cancelled:             tc.flag.Load,
		RequireCompletionTool: p.cfg.RequireCompletionTool,
		ExpandedMessage:       files.BuildMessage(task.UserMessage, exp),
		Images:                exp.Images,
	})

	elapsed := time.Since(start)
	switch {
	case runErr == nil:
		if err := p.conversations.AppendMessage(task.ConversationID, "assistant", res.Content); err != nil {
			p.logger.Warn("assistant reply not persisted", "task_id", task.ID, "error", err)
		}
		p.finish(ctx, task, zeus.StatusCompleted, zeus.StatusUpdate{Result: res.Content, ToolCalls: res.ToolCalls}, res, elapsed)
		p.logger.Info("task completed", "task_id", task.ID, "duration", elapsed)
	case zeus.IsCancelled(runErr) || res.Cancelled:
		p.finish(ctx, task, zeus.StatusCancelled, zeus.StatusUpdate{ToolCalls: res.ToolCalls}, res, elapsed)
		p.logger.Info("task cancelled", "task_id", task.ID, "duration", elapsed)
	default:
		p.finish(ctx, task, zeus.StatusFailed, zeus.StatusUpdate{Error: runErr.Error(), ToolCalls: res.ToolCalls}, res, elapsed)
		p.logger.Warn("task failed", "task_id", task.ID, "error", runErr, "duration", elapsed)
	}
}

// finish persists the terminal status and broadcasts it.
func (p *Pool) finish(ctx context.Context, task zeus.Task, status zeus.TaskStatus, upd zeus.StatusUpdate, res zeus.Result, elapsed time.Duration) {
	if err := p.queue.UpdateStatus(ctx, task.ID, status, upd); err != nil {
		p.logger.Warn("status update failed", "task_id", task.ID, "status", status, "error", err)
	}
	if p.metrics != nil {
		p.metrics.TaskFinished(ctx, string(status), elapsed.Seconds())
	}
	p.notifier.SendTaskStatus(task.ConversationID, task.ID, string(status), upd.Result, upd.Error, res.ToolCalls, elapsed.Seconds())
}

// historyFor converts the stored conversation into model history. The server
// appends the user message before enqueueing, so a trailing copy of the
// task's own message is dropped; the orchestrator re-adds it (possibly
// expanded with attachment content).
func historyFor(cv *convstore.Conversation, userMessage string) []zeus.ChatMessage {
	msgs := cv.Messages
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" && msgs[n-1].Content == userMessage {
		msgs = msgs[:n-1]
	}
	history := make([]zeus.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, zeus.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history
}
