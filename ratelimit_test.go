package zeus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// countingProvider records call times.
type countingProvider struct {
	mu    sync.Mutex
	times []time.Time
	usage Usage
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.times = append(p.times, time.Now())
	p.mu.Unlock()
	return ChatResponse{Content: "ok", Usage: p.usage}, nil
}

func TestRateLimitUnderBudgetDoesNotBlock(t *testing.T) {
	inner := &countingProvider{}
	p := WithRateLimit(inner, RPM(100))

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("under-budget requests blocked for %v", elapsed)
	}
}

func TestRateLimitRPMBlocks(t *testing.T) {
	inner := &countingProvider{}
	p := WithRateLimit(inner, RPM(2))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := p.Chat(ctx, ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	// Third request exceeds the budget and must block until the context
	// expires, since the window is a full minute.
	_, err := p.Chat(ctx, ChatRequest{})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(inner.times) != 2 {
		t.Errorf("inner calls = %d, want 2", len(inner.times))
	}
}

func TestRateLimitTPMSoftLimit(t *testing.T) {
	inner := &countingProvider{usage: Usage{InputTokens: 600, OutputTokens: 600}}
	p := WithRateLimit(inner, TPM(1000))

	// First request proceeds and blows the budget.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRateLimitPassesThroughName(t *testing.T) {
	p := WithRateLimit(&countingProvider{})
	if p.Name() != "counting" {
		t.Errorf("name = %q", p.Name())
	}
}
