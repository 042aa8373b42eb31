// Package hub tracks live client connections and fans messages out to them.
//
// Three indices are kept in sync under one mutex: conversation → peers,
// peer → conversation, and the global peer set. The mutex only guards map
// mutation; sends run outside it, in parallel, so one slow client cannot
// stall a broadcast.
package hub

import (
	"log/slog"
	"math"
	"sync"
)

// Peer is one client connection. The server package adapts websocket
// connections to this; tests use in-memory fakes.
type Peer interface {
	// Send delivers one message to the client. An error marks the peer dead.
	Send(v any) error
	// Close tears the connection down.
	Close() error
}

// Hub is the connection registry and broadcaster.
type Hub struct {
	logger *slog.Logger

	mu             sync.Mutex
	byConversation map[string]map[Peer]struct{}
	conversationOf map[Peer]string
	all            map[Peer]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:         slog.New(slog.DiscardHandler),
		byConversation: make(map[string]map[Peer]struct{}),
		conversationOf: make(map[Peer]string),
		all:            make(map[Peer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches a peer to a conversation. A peer already attached
// elsewhere is moved; its place in the global set is kept.
func (h *Hub) Register(p Peer, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.conversationOf[p]; ok {
		h.detachLocked(p, old)
	}
	set, ok := h.byConversation[conversationID]
	if !ok {
		set = make(map[Peer]struct{})
		h.byConversation[conversationID] = set
	}
	set[p] = struct{}{}
	h.conversationOf[p] = conversationID
	h.all[p] = struct{}{}

	h.logger.Debug("peer registered", "conversation_id", conversationID, "conversation_peers", len(set))
}

// Switch moves a peer to another conversation.
func (h *Hub) Switch(p Peer, newConversationID string) {
	h.Register(p, newConversationID)
}

// Unregister removes a peer from all indices.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conv, ok := h.conversationOf[p]; ok {
		h.detachLocked(p, conv)
		delete(h.conversationOf, p)
	}
	delete(h.all, p)
}

// detachLocked removes a peer from a conversation set, dropping the set
// when it empties. Caller holds h.mu.
func (h *Hub) detachLocked(p Peer, conversationID string) {
	if set, ok := h.byConversation[conversationID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.byConversation, conversationID)
		}
	}
}

// ConversationCount returns the number of peers attached to a conversation.
func (h *Hub) ConversationCount(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byConversation[conversationID])
}

// TotalCount returns the number of live peers.
func (h *Hub) TotalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.all)
}

// ActiveConversations returns the IDs of conversations with attached peers.
func (h *Hub) ActiveConversations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.byConversation))
	for id := range h.byConversation {
		ids = append(ids, id)
	}
	return ids
}

// BroadcastToConversation sends v to every peer in a conversation and
// returns the delivery count.
func (h *Hub) BroadcastToConversation(conversationID string, v any) int {
	h.mu.Lock()
	peers := snapshot(h.byConversation[conversationID])
	h.mu.Unlock()
	return h.send(peers, v)
}

// BroadcastGlobal sends v to every live peer and returns the delivery count.
func (h *Hub) BroadcastGlobal(v any) int {
	h.mu.Lock()
	peers := snapshot(h.all)
	h.mu.Unlock()
	return h.send(peers, v)
}

// send fans out in parallel and prunes dead peers asynchronously, off the
// broadcast path.
func (h *Hub) send(peers []Peer, v any) int {
	if len(peers) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []Peer
		sent   int
		sentMu sync.Mutex
	)
	wg.Add(len(peers))
	for _, p := range peers {
		go func(p Peer) {
			defer wg.Done()
			if err := p.Send(v); err != nil {
				deadMu.Lock()
				dead = append(dead, p)
				deadMu.Unlock()
				return
			}
			sentMu.Lock()
			sent++
			sentMu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(dead) > 0 {
		h.logger.Debug("pruning dead peers", "count", len(dead))
		go func(dead []Peer) {
			for _, p := range dead {
				h.Unregister(p)
				_ = p.Close()
			}
		}(dead)
	}
	return sent
}

func snapshot(set map[Peer]struct{}) []Peer {
	if len(set) == 0 {
		return nil
	}
	peers := make([]Peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	return peers
}

// --- task notification helpers ---

// TaskProgress is the task_progress frame.
type TaskProgress struct {
	Type           string `json:"type"`
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	StepType       string `json:"step_type"`
}

// TaskStatus is the task_status frame.
type TaskStatus struct {
	Type           string  `json:"type"`
	TaskID         string  `json:"task_id"`
	ConversationID string  `json:"conversation_id"`
	Status         string  `json:"status"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	ToolCalls      any     `json:"tool_calls,omitempty"`
	ExecutionTime  float64 `json:"execution_time,omitempty"`
}

// SendTaskProgress broadcasts a task progress update globally, so sidebar
// loaders update in every open conversation. The conversation ID rides along
// for client-side filtering.
func (h *Hub) SendTaskProgress(conversationID, taskID, message, stepType string) int {
	return h.BroadcastGlobal(TaskProgress{
		Type:           "task_progress",
		TaskID:         taskID,
		ConversationID: conversationID,
		Message:        message,
		StepType:       stepType,
	})
}

// SendTaskStatus broadcasts a task status change globally. executionTime is
// in seconds, rounded to two decimals; zero omits the field.
func (h *Hub) SendTaskStatus(conversationID, taskID, status, result, errMsg string, toolCalls any, executionTime float64) int {
	return h.BroadcastGlobal(TaskStatus{
		Type:           "task_status",
		TaskID:         taskID,
		ConversationID: conversationID,
		Status:         status,
		Result:         result,
		Error:          errMsg,
		ToolCalls:      toolCalls,
		ExecutionTime:  math.Round(executionTime*100) / 100,
	})
}
