// Package server is the interactive surface: a websocket endpoint for live
// chat sessions and a small REST API over the task queue.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/auth"
	"github.com/ovfarias/zeus/convstore"
	"github.com/ovfarias/zeus/hub"
)

// Runner executes one task inline for foreground messages.
// *zeus.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, task zeus.Task, opts zeus.RunOptions) (zeus.Result, error)
}

// Canceller aborts tasks. *worker.Pool satisfies it.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Config tunes the server.
type Config struct {
	// DefaultModels fills in messages sent without a model selection.
	DefaultModels zeus.ModelSelection
	// RequireCompletionTool is passed through to foreground runs.
	RequireCompletionTool bool
	// MessagesPerMinute is the per-connection inbound rate limit (default 20).
	MessagesPerMinute int
	// ReplayActiveTasks caps how many active tasks are replayed on connect
	// (default 10).
	ReplayActiveTasks int
}

func (c *Config) fillDefaults() {
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = 20
	}
	if c.ReplayActiveTasks <= 0 {
		c.ReplayActiveTasks = 10
	}
}

// Server handles websocket sessions and the REST API.
type Server struct {
	queue         zeus.Queue
	runner        Runner
	canceller     Canceller
	hub           *hub.Hub
	conversations *convstore.Store
	verifier      *auth.Verifier
	logger        *slog.Logger
	cfg           Config
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(queue zeus.Queue, runner Runner, canceller Canceller, h *hub.Hub, conversations *convstore.Store, verifier *auth.Verifier, cfg Config, opts ...Option) *Server {
	cfg.fillDefaults()
	s := &Server{
		queue:         queue,
		runner:        runner,
		canceller:     canceller,
		hub:           h,
		conversations: conversations,
		verifier:      verifier,
		logger:        slog.New(slog.DiscardHandler),
		cfg:           cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP handler: public health check, then the
// token-guarded websocket and API routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Get("/ws", s.handleWS)
		r.Get("/api/tasks", s.handleListTasks)
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/api/conversations", s.handleListConversations)
		r.Get("/api/conversations/{id}", s.handleGetConversation)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")

	var (
		tasks []*zeus.Task
		err   error
	)
	if conversationID != "" {
		tasks, err = s.queue.ListByConversation(r.Context(), conversationID, 100)
	} else {
		tasks, err = s.queue.ListActive(r.Context(), 100)
	}
	if err != nil {
		s.logger.Warn("task listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if tasks == nil {
		tasks = []*zeus.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.canceller.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Warn("cancel failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "task is not pending or running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "task_id": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.conversations.List()
	if err != nil {
		s.logger.Warn("conversation listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if summaries == nil {
		summaries = []convstore.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversations.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
