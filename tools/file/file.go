// Package file provides file read/write/list within a whitelisted root
// directory shared with the sandbox containers.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	zeus "github.com/ovfarias/zeus"
)

// maxReadBytes caps how much of a file is returned to the model.
const maxReadBytes = 16_000

// Tool restricts all file operations to a root directory.
type Tool struct {
	root string
}

// New creates a file tool rooted at root.
func New(root string) *Tool {
	return &Tool{root: filepath.Clean(root)}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the shared data directory. Returns the file content, truncated if large.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the data directory"}},"required":["path"]}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the shared data directory. Creates parent directories if needed. Files written here are visible inside the sandbox under /app/data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the data directory"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "file_list",
			Description: "List files under a directory in the shared data directory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the data directory (default: the root)"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolve(params.Path)
	if err != nil {
		return zeus.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "file_read":
		return t.read(resolved)
	case "file_write":
		return t.write(resolved, params.Content)
	case "file_list":
		return t.list(resolved)
	default:
		return zeus.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// resolve maps a user path onto the root and rejects escapes. An empty path
// resolves to the root itself, for file_list.
func (t *Tool) resolve(path string) (string, error) {
	if path == "" {
		return t.root, nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.root, path)
	if resolved != t.root && !strings.HasPrefix(resolved, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes data directory: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (zeus.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return zeus.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n... (truncated)"
	}
	return zeus.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (zeus.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zeus.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return zeus.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return zeus.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path string) (zeus.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return zeus.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	if len(entries) == 0 {
		return zeus.ToolResult{Content: "(empty)"}, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return zeus.ToolResult{Content: strings.Join(names, "\n")}, nil
}

var _ zeus.Tool = (*Tool)(nil)
