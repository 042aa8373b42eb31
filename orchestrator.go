package zeus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SandboxReleaser tears down a conversation's execution environment.
// The sandbox package implements it; a nil releaser disables the hook.
type SandboxReleaser interface {
	Release(ctx context.Context, conversationID string) error
}

const (
	defaultMaxIterations     = 200
	defaultHeartbeatInterval = 15 * time.Second
	tierRetryPause           = 1 * time.Second
	primaryTierTimeout       = 180 * time.Second
	fallbackTierTimeout      = 300 * time.Second
	sandboxReleaseTimeout    = 30 * time.Second

	// maxToolResultMessageLen is the maximum rune length for a tool result
	// stored in the conversation history during the loop. Larger results are
	// truncated with a marker so the model knows content was trimmed.
	maxToolResultMessageLen = 100_000 // ~25K tokens

	finishToolName = "finish_task"
)

// tierLabels are the Portuguese ordinals used in fallback progress messages.
var tierLabels = []string{"1ª Instância", "2ª Instância", "3ª Instância"}

// Orchestrator drives the tool-calling loop for one task at a time: tiered
// model fallback, cancellation, heartbeats, sandbox teardown, and optional
// procedure memory.
type Orchestrator struct {
	provider  Provider
	registry  *ToolRegistry
	sandbox   SandboxReleaser
	retriever Retriever
	tracer    Tracer
	metrics   Metrics
	logger    *slog.Logger

	systemPrompt      string
	maxIterations     int
	heartbeatInterval time.Duration
	tierTimeouts      []time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSandbox sets the sandbox releaser invoked on every terminal path.
func WithSandbox(s SandboxReleaser) OrchestratorOption {
	return func(o *Orchestrator) { o.sandbox = s }
}

// WithRetriever enables procedure-memory augmentation and recording.
func WithRetriever(r Retriever) OrchestratorOption {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithTracer enables span creation around iterations and tool calls.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics enables recording of model and tool call metrics.
func WithMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSystemPrompt sets the base system prompt for every run.
func WithSystemPrompt(prompt string) OrchestratorOption {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithMaxIterations overrides the iteration cap (default 200).
func WithMaxIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat period (default 15s).
func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithTierTimeouts overrides the per-tier request timeouts. Missing tiers
// fall back to the last entry.
func WithTierTimeouts(timeouts ...time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if len(timeouts) > 0 {
			o.tierTimeouts = timeouts
		}
	}
}

// NewOrchestrator creates an orchestrator over a provider and tool registry.
func NewOrchestrator(provider Provider, registry *ToolRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:          provider,
		registry:          registry,
		logger:            slog.New(slog.DiscardHandler),
		maxIterations:     defaultMaxIterations,
		heartbeatInterval: defaultHeartbeatInterval,
		tierTimeouts:      []time.Duration{primaryTierTimeout, fallbackTierTimeout, fallbackTierTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOptions carries per-run parameters.
type RunOptions struct {
	Models  ModelSelection
	History []ChatMessage

	// ExpandedMessage replaces the task's user message in the model
	// conversation, for callers that inline attachment content. The stored
	// task keeps the original message. Images ride along for multimodal
	// requests.
	ExpandedMessage string
	Images          []ImageData

	// Progress receives user-facing updates. Nil disables reporting.
	Progress ProgressFunc

	// Cancelled is polled before each iteration and each tool call.
	Cancelled func() bool

	// RequireCompletionTool forces the run to end through finish_task: bare
	// text answers get a reminder instead of terminating the loop.
	RequireCompletionTool bool

	// OnToolStart and OnToolEnd observe individual tool executions, for
	// callers that stream tool activity to a client. Nil disables them.
	OnToolStart func(call ToolCall)
	OnToolEnd   func(rec ToolCallRecord)
}

// Result is the outcome of a task run.
type Result struct {
	Content   string
	ToolCalls []ToolCallRecord
	Usage     Usage
	Cancelled bool
}

// Run executes the tool-calling loop for one task. The sandbox is released
// exactly once on every terminal path, including panics.
func (o *Orchestrator) Run(ctx context.Context, task Task, opts RunOptions) (Result, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(string, string) {}
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if o.sandbox == nil {
				return
			}
			// Fresh context: the run context may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), sandboxReleaseTimeout)
			defer cancel()
			if err := o.sandbox.Release(relCtx, task.ConversationID); err != nil {
				o.logger.Warn("sandbox release failed", "conversation_id", task.ConversationID, "error", err)
			}
		})
	}
	defer release()

	tiers := opts.Models.Tiers()
	if len(tiers) == 0 {
		return Result{}, fmt.Errorf("run task %s: no models configured", task.ID)
	}

	messages := o.buildMessages(ctx, task, opts)
	tools := o.registry.AllDefinitions()

	ec := &ExecContext{
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		Progress:       progress,
		Cancelled:      opts.Cancelled,
	}
	ctx = WithExecContext(ctx, ec)

	cancelled := func() bool {
		return ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled())
	}

	var (
		totalUsage Usage
		records    []ToolCallRecord
		tier       int
	)

	start := time.Now()
	o.logger.Debug("task run started", "task_id", task.ID, "conversation_id", task.ConversationID, "models", tiers)

	for i := 1; i <= o.maxIterations; i++ {
		if cancelled() {
			progress("Tarefa cancelada pelo usuário", StepInfo)
			return Result{ToolCalls: records, Usage: totalUsage, Cancelled: true}, ErrCancelled
		}

		progress(fmt.Sprintf("Iteração %d", i), StepInfo)

		iterCtx := ctx
		var iterSpan Span
		if o.tracer != nil {
			iterCtx, iterSpan = o.tracer.Start(ctx, "task.iteration",
				IntAttr("iteration", i),
				StringAttr("task_id", task.ID))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		req := ChatRequest{Messages: messages, Tools: tools}
		resp, err := o.chatWithFallback(iterCtx, tiers, &tier, req, progress)
		if err != nil {
			endIter()
			if IsCancelled(err) {
				progress("Tarefa cancelada pelo usuário", StepInfo)
				return Result{ToolCalls: records, Usage: totalUsage, Cancelled: true}, ErrCancelled
			}
			return Result{ToolCalls: records, Usage: totalUsage}, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		// No tool calls: final response, unless completion must go through
		// finish_task.
		if len(resp.ToolCalls) == 0 {
			if opts.RequireCompletionTool {
				messages = append(messages, AssistantMessage(resp.Content))
				messages = append(messages, UserMessage(
					"Você ainda não concluiu a tarefa. Use a ferramenta finish_task com o resultado final para encerrar."))
				endIter()
				continue
			}
			endIter()
			o.recordProcedure(ctx, task, records, resp.Content)
			o.logger.Debug("task run finished", "task_id", task.ID, "iterations", i, "duration", time.Since(start))
			return Result{Content: resp.Content, ToolCalls: records, Usage: totalUsage}, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if cancelled() {
				endIter()
				progress("Tarefa cancelada pelo usuário", StepInfo)
				return Result{ToolCalls: records, Usage: totalUsage, Cancelled: true}, ErrCancelled
			}

			if tc.Name == finishToolName {
				final := parseFinishResult(tc.Args, resp.Content)
				records = append(records, ToolCallRecord{Name: tc.Name, Args: tc.Args, Result: truncateStr(final, 500)})
				endIter()
				o.recordProcedure(ctx, task, records, final)
				o.logger.Debug("task run finished", "task_id", task.ID, "iterations", i, "duration", time.Since(start))
				return Result{Content: final, ToolCalls: records, Usage: totalUsage}, nil
			}

			progress(fmt.Sprintf("Executando ferramenta: %s", tc.Name), StepToolStart)
			if opts.OnToolStart != nil {
				opts.OnToolStart(tc)
			}
			rec := o.executeTool(iterCtx, tc, progress)
			records = append(records, rec)
			if opts.OnToolEnd != nil {
				opts.OnToolEnd(rec)
			}
			endMsg := fmt.Sprintf("Ferramenta %s concluída", tc.Name)
			if rec.Error != "" {
				endMsg = fmt.Sprintf("Ferramenta %s falhou", tc.Name)
			}
			progress(endMsg, StepToolEnd)

			msgContent := rec.Result
			if rec.Error != "" {
				msgContent = "error: " + rec.Error
			}
			if len([]rune(msgContent)) > maxToolResultMessageLen {
				msgContent = truncateStr(msgContent, maxToolResultMessageLen) + "\n\n[output truncated, original was longer]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, msgContent))
		}
		endIter()
	}

	// Max iterations: force synthesis without tools.
	o.logger.Warn("max iterations reached, forcing synthesis", "task_id", task.ID, "iterations", o.maxIterations)
	messages = append(messages, UserMessage(
		"Você usou todas as iterações disponíveis. Resuma o que encontrou e entregue o resultado final."))

	resp, err := o.chatWithFallback(ctx, tiers, &tier, ChatRequest{Messages: messages}, progress)
	if err != nil {
		if IsCancelled(err) {
			return Result{ToolCalls: records, Usage: totalUsage, Cancelled: true}, ErrCancelled
		}
		return Result{ToolCalls: records, Usage: totalUsage}, err
	}
	totalUsage.InputTokens += resp.Usage.InputTokens
	totalUsage.OutputTokens += resp.Usage.OutputTokens

	o.recordProcedure(ctx, task, records, resp.Content)
	return Result{Content: resp.Content, ToolCalls: records, Usage: totalUsage}, nil
}

// buildMessages assembles system prompt (plus retrieved procedure context),
// prior history, and the user message with any expanded file content.
func (o *Orchestrator) buildMessages(ctx context.Context, task Task, opts RunOptions) []ChatMessage {
	system := o.systemPrompt
	if o.retriever != nil {
		matches, err := o.retriever.RetrieveContext(ctx, task.UserMessage, 3)
		if err != nil {
			o.logger.Debug("procedure retrieval failed", "task_id", task.ID, "error", err)
		} else if block := BuildContextBlock(matches); block != "" {
			if system != "" {
				system += "\n\n"
			}
			system += block
		}
	}

	var messages []ChatMessage
	if system != "" {
		messages = append(messages, SystemMessage(system))
	}
	messages = append(messages, opts.History...)

	content := task.UserMessage
	if opts.ExpandedMessage != "" {
		content = opts.ExpandedMessage
	}
	user := UserMessage(content)
	user.Images = opts.Images
	messages = append(messages, user)
	return messages
}

// chatWithFallback sends one chat request through the model tiers. Each tier
// gets one retry after a short pause; exhausting a tier advances to the next
// and reports the switch. The tier index persists across calls so a run that
// fell back stays on the lower tier.
func (o *Orchestrator) chatWithFallback(ctx context.Context, tiers []string, tier *int, req ChatRequest, progress ProgressFunc) (ChatResponse, error) {
	var lastErr error
	for *tier < len(tiers) {
		model := tiers[*tier]
		req.Model = model
		timeout := o.tierTimeout(*tier)

		for attempt := 0; attempt < 2; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			callStart := time.Now()
			resp, err := o.provider.Chat(callCtx, req)
			cancel()
			if o.metrics != nil {
				tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
				o.metrics.LLMRequest(ctx, model, float64(time.Since(callStart).Milliseconds()), tokens)
			}
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			if !IsTransient(err) {
				return ChatResponse{}, fmt.Errorf("chat %s: %w", model, err)
			}
			lastErr = err
			o.logger.Warn("model request failed", "model", model, "attempt", attempt+1, "error", err)
			if attempt == 0 {
				select {
				case <-ctx.Done():
					return ChatResponse{}, ctx.Err()
				case <-time.After(tierRetryPause):
				}
			}
		}

		*tier++
		if *tier < len(tiers) {
			progress(fmt.Sprintf("Erro em %s, tentando %s", model, tierLabels[*tier]), StepError)
		}
	}
	return ChatResponse{}, fmt.Errorf("all model tiers failed: %w", lastErr)
}

func (o *Orchestrator) tierTimeout(tier int) time.Duration {
	if tier < len(o.tierTimeouts) {
		return o.tierTimeouts[tier]
	}
	return o.tierTimeouts[len(o.tierTimeouts)-1]
}

// executeTool runs one tool call with a heartbeat goroutine keeping the
// progress feed alive during long executions.
func (o *Orchestrator) executeTool(ctx context.Context, tc ToolCall, progress ProgressFunc) ToolCallRecord {
	toolCtx := ctx
	var span Span
	if o.tracer != nil {
		toolCtx, span = o.tracer.Start(ctx, "task.tool", StringAttr("tool", tc.Name))
		defer span.End()
	}

	hbCtx, stopHeartbeat := context.WithCancel(toolCtx)
	go func() {
		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				progress(heartbeatMessage(), StepInfo)
			}
		}
	}()
	defer stopHeartbeat()

	start := time.Now()
	res, err := o.registry.Execute(toolCtx, tc.Name, tc.Args)
	rec := ToolCallRecord{
		Name:     tc.Name,
		Args:     tc.Args,
		Duration: time.Since(start),
	}
	switch {
	case err != nil:
		rec.Error = err.Error()
	case res.Error != "":
		rec.Error = res.Error
	default:
		rec.Result = res.Content
	}
	if rec.Error != "" {
		progress("Erro: "+rec.Error, StepError)
	}
	if o.metrics != nil {
		o.metrics.ToolExecution(ctx, tc.Name, float64(rec.Duration.Milliseconds()), rec.Error != "")
	}
	o.logger.Debug("tool executed", "tool", tc.Name, "duration", rec.Duration, "error", rec.Error != "")
	return rec
}

// recordProcedure remembers a successful tool sequence. Best effort: memory
// failures never fail the task.
func (o *Orchestrator) recordProcedure(ctx context.Context, task Task, records []ToolCallRecord, outcome string) {
	if o.retriever == nil || len(records) == 0 {
		return
	}
	var steps []string
	for _, r := range records {
		if r.Name == finishToolName || r.Error != "" {
			continue
		}
		steps = append(steps, fmt.Sprintf("%s(%s)", r.Name, truncateStr(string(r.Args), 120)))
	}
	if len(steps) == 0 {
		return
	}
	p := Procedure{
		Task:    task.UserMessage,
		Steps:   steps,
		Outcome: truncateStr(outcome, 300),
	}
	if err := o.retriever.RecordProcedure(ctx, p); err != nil {
		o.logger.Debug("procedure recording failed", "task_id", task.ID, "error", err)
	}
}

// parseFinishResult extracts the result argument from a finish_task call,
// falling back to the assistant's text when absent.
func parseFinishResult(args []byte, fallback string) string {
	var params struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(args, &params); err == nil && params.Result != "" {
		return params.Result
	}
	return fallback
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
