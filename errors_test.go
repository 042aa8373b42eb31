package zeus

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &ErrHTTP{Status: 429}, true},
		{"server error", &ErrHTTP{Status: 502}, true},
		{"bad request", &ErrHTTP{Status: 400}, false},
		{"unauthorized", &ErrHTTP{Status: 401}, false},
		{"llm timeout", &ErrLLM{Provider: "openrouter", Kind: LLMTimeout}, true},
		{"llm malformed", &ErrLLM{Provider: "openrouter", Kind: LLMMalformed}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("chat: %w", context.DeadlineExceeded), true},
		{"wrapped http 500", fmt.Errorf("chat: %w", &ErrHTTP{Status: 500}), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(ErrCancelled) {
		t.Error("ErrCancelled not detected")
	}
	if !IsCancelled(fmt.Errorf("run: %w", ErrCancelled)) {
		t.Error("wrapped ErrCancelled not detected")
	}
	if !IsCancelled(context.Canceled) {
		t.Error("context.Canceled not detected")
	}
	if IsCancelled(context.DeadlineExceeded) {
		t.Error("deadline wrongly treated as cancellation")
	}
}

func TestErrorMessages(t *testing.T) {
	e := &ErrLLM{Provider: "openrouter", Kind: LLMEmpty, Message: "no content"}
	if e.Error() != "openrouter: empty: no content" {
		t.Errorf("got %q", e.Error())
	}
	h := &ErrHTTP{Status: 503, Body: "overloaded"}
	if h.Error() != "http 503: overloaded" {
		t.Errorf("got %q", h.Error())
	}
}
