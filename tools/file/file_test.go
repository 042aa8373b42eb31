package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	zeus "github.com/ovfarias/zeus"
)

func run(t *testing.T, tool *Tool, name string, args map[string]any) zeus.ToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := tool.Execute(context.Background(), name, raw)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWriteThenRead(t *testing.T) {
	tool := New(t.TempDir())

	res := run(t, tool, "file_write", map[string]any{"path": "relatorio.txt", "content": "vendas: 42"})
	if res.Error != "" {
		t.Fatalf("write error = %q", res.Error)
	}

	res = run(t, tool, "file_read", map[string]any{"path": "relatorio.txt"})
	if res.Error != "" {
		t.Fatalf("read error = %q", res.Error)
	}
	if res.Content != "vendas: 42" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	res := run(t, tool, "file_write", map[string]any{"path": "saida/2026/ago.csv", "content": "a,b"})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "saida", "2026", "ago.csv")); err != nil {
		t.Error(err)
	}
}

func TestReadMissing(t *testing.T) {
	tool := New(t.TempDir())
	res := run(t, tool, "file_read", map[string]any{"path": "nada.txt"})
	if res.Error == "" {
		t.Error("expected error")
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "grande.log"), []byte(strings.Repeat("x", maxReadBytes+100)), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)

	res := run(t, tool, "file_read", map[string]any{"path": "grande.log"})
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Error("content not truncated")
	}
}

func TestListSortedWithDirSuffix(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	tool := New(dir)

	res := run(t, tool, "file_list", map[string]any{})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Content != "a.txt\nb.txt\nsub/" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestListEmptyDir(t *testing.T) {
	tool := New(t.TempDir())
	res := run(t, tool, "file_list", map[string]any{})
	if res.Content != "(empty)" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRejectsEscapes(t *testing.T) {
	tool := New(t.TempDir())
	for _, path := range []string{"../fora.txt", "sub/../../fora.txt", "/etc/passwd"} {
		res := run(t, tool, "file_read", map[string]any{"path": path})
		if res.Error == "" {
			t.Errorf("path %q was not rejected", path)
		}
	}
}

func TestUnknownOperation(t *testing.T) {
	tool := New(t.TempDir())
	res := run(t, tool, "file_delete", map[string]any{"path": "x"})
	if !strings.Contains(res.Error, "unknown file tool") {
		t.Errorf("error = %q", res.Error)
	}
}
