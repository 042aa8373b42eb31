package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	zeus "github.com/ovfarias/zeus"
)

type fakeProvider struct {
	response zeus.ChatResponse
	err      error
	requests []zeus.ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, req zeus.ChatRequest) (zeus.ChatResponse, error) {
	p.requests = append(p.requests, req)
	return p.response, p.err
}

func run(t *testing.T, tool *Tool, args map[string]any) zeus.ToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := tool.Execute(context.Background(), "delegate_task", raw)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestDelegateUsesDefaultModel(t *testing.T) {
	provider := &fakeProvider{response: zeus.ChatResponse{Content: "resposta do modelo"}}
	tool := New(provider, "modelo-a", "modelo-b")

	res := run(t, tool, map[string]any{"prompt": "resuma este texto"})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Content != "resposta do modelo" {
		t.Errorf("content = %q", res.Content)
	}
	if provider.requests[0].Model != "modelo-a" {
		t.Errorf("model = %q", provider.requests[0].Model)
	}
}

func TestDelegateExplicitModel(t *testing.T) {
	provider := &fakeProvider{response: zeus.ChatResponse{Content: "ok"}}
	tool := New(provider, "modelo-a", "modelo-b")

	run(t, tool, map[string]any{"prompt": "x", "model": "modelo-b"})
	if provider.requests[0].Model != "modelo-b" {
		t.Errorf("model = %q", provider.requests[0].Model)
	}
}

func TestDelegateRejectsUnlistedModel(t *testing.T) {
	provider := &fakeProvider{}
	tool := New(provider, "modelo-a")

	res := run(t, tool, map[string]any{"prompt": "x", "model": "modelo-proibido"})
	if !strings.Contains(res.Error, "not allowed") {
		t.Errorf("error = %q", res.Error)
	}
	if len(provider.requests) != 0 {
		t.Error("request sent for disallowed model")
	}
}

func TestDelegateEmptyPrompt(t *testing.T) {
	tool := New(&fakeProvider{}, "modelo-a")
	res := run(t, tool, map[string]any{"prompt": "   "})
	if res.Error == "" {
		t.Error("expected error")
	}
}

func TestDelegateProviderError(t *testing.T) {
	tool := New(&fakeProvider{err: errors.New("upstream down")}, "modelo-a")
	res := run(t, tool, map[string]any{"prompt": "x"})
	if !strings.Contains(res.Error, "upstream down") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDelegateEmptyAnswer(t *testing.T) {
	tool := New(&fakeProvider{response: zeus.ChatResponse{Content: "  "}}, "modelo-a")
	res := run(t, tool, map[string]any{"prompt": "x"})
	if res.Error == "" {
		t.Error("expected error for empty answer")
	}
}
