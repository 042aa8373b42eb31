package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	zeus "github.com/ovfarias/zeus"
)

func run(t *testing.T, tool *Tool, args map[string]any) zeus.ToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := tool.Execute(context.Background(), "http_request", raw)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	res := run(t, New(), map[string]any{"url": srv.URL})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if !strings.HasPrefix(res.Content, "HTTP 200\n") || !strings.Contains(res.Content, `"ok": true`) {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRequestPostJSON(t *testing.T) {
	var gotMethod, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res := run(t, New(), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   `{"nome": "teste"}`,
	})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if gotMethod != "POST" || gotBody != `{"nome": "teste"}` {
		t.Errorf("method = %q, body = %q", gotMethod, gotBody)
	}
	// JSON content type is implied when a body is sent without one.
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestRequestCustomHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	run(t, New(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]string{"Authorization": "Bearer abc123"},
	})
	if gotAuth != "Bearer abc123" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestRequestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	res := run(t, New(), map[string]any{"url": srv.URL})
	if res.Error != "HTTP 404" {
		t.Errorf("error = %q", res.Error)
	}
	// Body still comes back so the model can read the API's error message.
	if !strings.Contains(res.Content, "not found") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRequestRejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/file", "file:///etc/passwd", "não é url", ""} {
		res := run(t, New(), map[string]any{"url": u})
		if res.Error == "" {
			t.Errorf("url %q was not rejected", u)
		}
	}
}

func TestRequestRejectsUnknownMethod(t *testing.T) {
	res := run(t, New(), map[string]any{"url": "https://example.com", "method": "TRACE"})
	if !strings.Contains(res.Error, "method not allowed") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRequestTruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("A", maxBody+5000)))
	}))
	defer srv.Close()

	res := run(t, New(), map[string]any{"url": srv.URL})
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Error("body not truncated")
	}
}
