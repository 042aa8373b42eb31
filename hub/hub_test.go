package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePeer records delivered messages; failing makes every Send error.
type fakePeer struct {
	mu       sync.Mutex
	received []any
	failing  bool
	closed   bool
}

func (p *fakePeer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("broken pipe")
	}
	p.received = append(p.received, v)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestRegisterAndCounts(t *testing.T) {
	h := New()
	p1, p2, p3 := &fakePeer{}, &fakePeer{}, &fakePeer{}

	h.Register(p1, "conv-a")
	h.Register(p2, "conv-a")
	h.Register(p3, "conv-b")

	if got := h.ConversationCount("conv-a"); got != 2 {
		t.Errorf("conv-a peers = %d, want 2", got)
	}
	if got := h.TotalCount(); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
	if got := len(h.ActiveConversations()); got != 2 {
		t.Errorf("active conversations = %d, want 2", got)
	}
}

func TestSwitchMovesPeer(t *testing.T) {
	h := New()
	p := &fakePeer{}
	h.Register(p, "conv-a")
	h.Switch(p, "conv-b")

	if h.ConversationCount("conv-a") != 0 {
		t.Error("peer still counted in old conversation")
	}
	if h.ConversationCount("conv-b") != 1 {
		t.Error("peer not counted in new conversation")
	}
	if h.TotalCount() != 1 {
		t.Errorf("total = %d, want 1", h.TotalCount())
	}
}

func TestUnregister(t *testing.T) {
	h := New()
	p := &fakePeer{}
	h.Register(p, "conv-a")
	h.Unregister(p)

	if h.TotalCount() != 0 || h.ConversationCount("conv-a") != 0 {
		t.Error("peer still registered")
	}
	// Unregistering twice is harmless.
	h.Unregister(p)
}

func TestBroadcastToConversation(t *testing.T) {
	h := New()
	inConv1, inConv2, outside := &fakePeer{}, &fakePeer{}, &fakePeer{}
	h.Register(inConv1, "conv-a")
	h.Register(inConv2, "conv-a")
	h.Register(outside, "conv-b")

	sent := h.BroadcastToConversation("conv-a", "hello")
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if inConv1.count() != 1 || inConv2.count() != 1 {
		t.Error("conversation peers missed the broadcast")
	}
	if outside.count() != 0 {
		t.Error("outside peer received conversation broadcast")
	}
}

func TestBroadcastGlobal(t *testing.T) {
	h := New()
	p1, p2 := &fakePeer{}, &fakePeer{}
	h.Register(p1, "conv-a")
	h.Register(p2, "conv-b")

	if sent := h.BroadcastGlobal("ping"); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
}

func TestBroadcastPrunesDeadPeers(t *testing.T) {
	h := New()
	alive := &fakePeer{}
	dead := &fakePeer{failing: true}
	h.Register(alive, "conv-a")
	h.Register(dead, "conv-a")

	if sent := h.BroadcastGlobal("x"); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}

	// Pruning runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for h.TotalCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.TotalCount() != 1 {
		t.Fatalf("dead peer not pruned, total = %d", h.TotalCount())
	}
	if !dead.isClosed() {
		t.Error("dead peer not closed")
	}
	if alive.isClosed() {
		t.Error("healthy peer was closed")
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	h := New()
	if sent := h.BroadcastGlobal("x"); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if sent := h.BroadcastToConversation("nope", "x"); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestSendTaskStatusRounding(t *testing.T) {
	h := New()
	p := &fakePeer{}
	h.Register(p, "conv-a")

	h.SendTaskStatus("conv-a", "task-1", "completed", "done", "", nil, 1.23456)

	if p.count() != 1 {
		t.Fatalf("received = %d", p.count())
	}
	frame, ok := p.received[0].(TaskStatus)
	if !ok {
		t.Fatalf("frame type %T", p.received[0])
	}
	if frame.Type != "task_status" || frame.TaskID != "task-1" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.ExecutionTime != 1.23 {
		t.Errorf("execution time = %v, want 1.23", frame.ExecutionTime)
	}
}

func TestSendTaskProgressGlobal(t *testing.T) {
	h := New()
	sameConv := &fakePeer{}
	otherConv := &fakePeer{}
	h.Register(sameConv, "conv-a")
	h.Register(otherConv, "conv-b")

	// Progress goes to every peer; the conversation ID rides in the frame.
	if sent := h.SendTaskProgress("conv-a", "task-1", "Iteração 1", "iteration"); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	frame := otherConv.received[0].(TaskProgress)
	if frame.ConversationID != "conv-a" || frame.Message != "Iteração 1" {
		t.Errorf("frame = %+v", frame)
	}
}
