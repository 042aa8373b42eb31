package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/convstore"
	"github.com/ovfarias/zeus/files"
	"github.com/ovfarias/zeus/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames. Generous because attachments ride
	// in as base64.
	maxFrameSize = 16 << 20

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// conn adapts one websocket connection to hub.Peer. All writes go through
// the send channel so only the write pump touches the socket.
type conn struct {
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan any, sendBuffer), done: make(chan struct{})}
}

// Send queues one frame for delivery. A full buffer marks the peer dead
// rather than blocking a broadcast behind a slow client.
func (c *conn) Send(v any) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// session is the per-connection state around the read loop.
type session struct {
	conn           *conn
	conversationID string

	mu     sync.Mutex
	window []time.Time

	// In-flight foreground run, if any. The flag is polled by the
	// orchestrator; the cancel unblocks whatever it is waiting on.
	runTaskID string
	runCancel context.CancelFunc
	runFlag   *atomic.Bool
}

// beginRun registers the foreground run and returns its cancellation flag.
func (s *session) beginRun(taskID string, cancel context.CancelFunc) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runTaskID = taskID
	s.runCancel = cancel
	s.runFlag = &atomic.Bool{}
	return s.runFlag
}

func (s *session) endRun() {
	s.mu.Lock()
	s.runTaskID, s.runCancel, s.runFlag = "", nil, nil
	s.mu.Unlock()
}

// cancelRun aborts the in-flight foreground run. An empty taskID matches
// whatever is running; a non-empty one must name it. Returns the cancelled
// task's id.
func (s *session) cancelRun(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel == nil || (taskID != "" && taskID != s.runTaskID) {
		return "", false
	}
	s.runFlag.Store(true)
	s.runCancel()
	return s.runTaskID, true
}

// allow applies the sliding-window rate limit.
func (s *session) allow(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	kept := s.window[:0]
	for _, t := range s.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.window = kept
	if len(s.window) >= limit {
		return false
	}
	s.window = append(s.window, time.Now())
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws)
	sess := &session{conn: c}
	if convID := r.URL.Query().Get("conversation_id"); convID != "" {
		sess.conversationID = convID
	}
	s.hub.Register(c, sess.conversationID)
	go c.writePump()

	s.logger.Info("client connected", "conversation_id", sess.conversationID, "peers", s.hub.TotalCount())
	s.replayActive(r.Context(), sess)
	s.readLoop(r.Context(), sess)

	s.hub.Unregister(c)
	c.Close()
	s.logger.Info("client disconnected", "peers", s.hub.TotalCount())
}

// replayActive pushes the session conversation's pending/processing tasks so
// a reconnecting client picks its loaders back up. Connections without a
// conversation get nothing: other conversations' tasks are not theirs to see.
func (s *Server) replayActive(ctx context.Context, sess *session) {
	if sess.conversationID == "" {
		return
	}
	tasks, err := s.queue.ListByConversation(ctx, sess.conversationID, 0)
	if err != nil {
		s.logger.Warn("active task replay failed", "conversation_id", sess.conversationID, "error", err)
		return
	}
	sent := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		_ = sess.conn.Send(hub.TaskStatus{
			Type:           "task_status",
			TaskID:         t.ID,
			ConversationID: t.ConversationID,
			Status:         string(t.Status),
		})
		sent++
		if sent == s.cfg.ReplayActiveTasks {
			break
		}
	}
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	c := sess.conn
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.Send(errorFrame{Type: "error", Message: "invalid frame: " + err.Error()})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = c.Send(pongFrame{Type: "pong"})
		case "cancel":
			s.handleCancel(ctx, sess, msg.TaskID)
		case "message":
			if !sess.allow(s.cfg.MessagesPerMinute) {
				_ = c.Send(errorFrame{Type: "error", Message: "rate limit exceeded, wait a moment"})
				continue
			}
			s.handleInboundMessage(ctx, sess, msg)
		default:
			// Unknown frame types are ignored so older servers tolerate newer
			// clients.
			s.logger.Debug("unknown frame type ignored", "type", msg.Type)
		}
	}
}

func (s *Server) handleCancel(ctx context.Context, sess *session, taskID string) {
	// A bare cancel, or one naming the session's own foreground run, aborts
	// it directly; runForeground sends the cancelled frame.
	if id, ok := sess.cancelRun(taskID); ok {
		s.logger.Debug("foreground run cancel requested", "task_id", id)
		return
	}
	if taskID == "" {
		_ = sess.conn.Send(errorFrame{Type: "error", Message: "no task to cancel"})
		return
	}
	ok, err := s.canceller.Cancel(ctx, taskID)
	if err != nil || !ok {
		_ = sess.conn.Send(errorFrame{Type: "error", Message: "task could not be cancelled"})
		return
	}
	_ = sess.conn.Send(cancelledFrame{Type: "cancelled", TaskID: taskID})
}

func (s *Server) handleInboundMessage(ctx context.Context, sess *session, msg inbound) {
	c := sess.conn
	if msg.Content == "" {
		_ = c.Send(errorFrame{Type: "error", Message: "content is required"})
		return
	}

	// Resolve the conversation: reuse the frame's, fall back to the
	// session's, otherwise start a new one titled from the message.
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = sess.conversationID
	}
	var history []zeus.ChatMessage
	if conversationID == "" {
		cv, err := s.conversations.Create(msg.Content)
		if err != nil {
			_ = c.Send(errorFrame{Type: "error", Message: "could not create conversation"})
			return
		}
		conversationID = cv.ID
		_ = c.Send(conversationCreatedFrame{Type: "conversation_created", ConversationID: cv.ID, Title: cv.Title})
	} else if cv, err := s.conversations.Get(conversationID); err == nil {
		history = chatHistory(cv)
	}
	if sess.conversationID != conversationID {
		sess.conversationID = conversationID
		s.hub.Switch(c, conversationID)
	}

	if err := s.conversations.AppendMessage(conversationID, "user", msg.Content); err != nil {
		s.logger.Warn("user message persist failed", "conversation_id", conversationID, "error", err)
	}

	models := s.cfg.DefaultModels
	if msg.Models != nil && len(msg.Models.Tiers()) > 0 {
		models = *msg.Models
	}

	if msg.Background {
		task := &zeus.Task{
			ConversationID: conversationID,
			UserMessage:    msg.Content,
			AttachedFiles:  msg.AttachedFiles,
			Models:         models,
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Warn("enqueue failed", "conversation_id", conversationID, "error", err)
			_ = c.Send(errorFrame{Type: "error", Message: "could not enqueue task"})
			return
		}
		s.logger.Info("task enqueued", "task_id", task.ID, "conversation_id", conversationID)
		_ = c.Send(taskCreatedFrame{Type: "task_created", TaskID: task.ID, ConversationID: conversationID})
		return
	}

	// Foreground: run inline in its own goroutine so the read loop keeps
	// servicing cancel and ping frames.
	go s.runForeground(ctx, sess, conversationID, msg, models, history)
}

func (s *Server) runForeground(ctx context.Context, sess *session, conversationID string, msg inbound, models zeus.ModelSelection, history []zeus.ChatMessage) {
	c := sess.conn

	exp := files.Expand(msg.AttachedFiles)
	task := zeus.Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserMessage:    msg.Content,
	}

	// The idle frame is registered first so it is the last thing sent, after
	// the reply or error frame.
	defer func() {
		_ = c.Send(statusFrame{Type: "status", Status: "idle"})
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	flag := sess.beginRun(task.ID, cancelRun)
	defer sess.endRun()

	_ = c.Send(statusFrame{Type: "status", Status: "processing", TaskID: task.ID, Message: "Processando..."})

	res, err := s.runner.Run(runCtx, task, zeus.RunOptions{
		Models:                models,
		History:               history,
		ExpandedMessage:       files.BuildMessage(msg.Content, exp),
		Images:                exp.Images,
		RequireCompletionTool: s.cfg.RequireCompletionTool,
		Cancelled:             flag.Load,
		Progress: func(message, stepType string) {
			frameType := "backend_log"
			if stepType == zeus.StepToolLog {
				frameType = "tool_log"
			}
			_ = c.Send(logFrame{Type: frameType, Message: message, StepType: stepType})
		},
		OnToolStart: func(call zeus.ToolCall) {
			_ = c.Send(toolStartFrame{Type: "tool_start", Tool: call.Name, Args: call.Args})
		},
		OnToolEnd: func(rec zeus.ToolCallRecord) {
			_ = c.Send(toolResultFrame{Type: "tool_result", Tool: rec.Name, Result: rec.Result, Error: rec.Error})
		},
	})
	if err != nil {
		if zeus.IsCancelled(err) {
			_ = c.Send(cancelledFrame{Type: "cancelled", TaskID: task.ID})
			return
		}
		s.logger.Warn("foreground run failed", "conversation_id", conversationID, "error", err)
		_ = c.Send(errorFrame{Type: "error", Message: err.Error()})
		return
	}

	if err := s.conversations.AppendMessage(conversationID, "assistant", res.Content); err != nil {
		s.logger.Warn("assistant message persist failed", "conversation_id", conversationID, "error", err)
	}
	_ = c.Send(messageFrame{Type: "message", ConversationID: conversationID, Content: res.Content})
}

// chatHistory converts stored conversation messages to the model protocol.
func chatHistory(cv *convstore.Conversation) []zeus.ChatMessage {
	out := make([]zeus.ChatMessage, 0, len(cv.Messages))
	for _, m := range cv.Messages {
		out = append(out, zeus.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
