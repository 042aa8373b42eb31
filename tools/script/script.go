// Package script runs multi-line code files inside the conversation's
// sandbox container.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/sandbox"
)

const maxOutput = 10_000

// Runner writes a script into a per-conversation container and executes it,
// forwarding output chunks to onOutput as they arrive.
type Runner interface {
	RunScript(ctx context.Context, conversationID, code, filename string, timeout time.Duration, onOutput func(string)) (sandbox.ExecResult, error)
}

// Tool executes scripts in the sandbox.
type Tool struct {
	runner         Runner
	defaultTimeout int // seconds
}

// New creates a script tool backed by runner.
func New(runner Runner, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 120
	}
	return &Tool{runner: runner, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "run_script",
		Description: "Write a script file into the sandbox and execute it. The interpreter is picked from the filename extension: .py runs with python, .sh with bash, .js with node. Use for anything longer than a one-liner.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"Script source code"},"filename":{"type":"string","description":"Filename with extension (default script.py)"},"timeout":{"type":"integer","description":"Timeout in seconds (default 120, max 300)"}},"required":["code"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Code     string `json:"code"`
		Filename string `json:"filename"`
		Timeout  int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Code) == "" {
		return zeus.ToolResult{Error: "code is required"}, nil
	}

	ec := zeus.ExecContextFrom(ctx)
	if ec.ConversationID == "" {
		return zeus.ToolResult{Error: "no conversation bound to this task"}, nil
	}

	filename := params.Filename
	if filename == "" {
		filename = "script.py"
	}
	if strings.ContainsAny(filename, "/\\") {
		return zeus.ToolResult{Error: "filename must not contain path separators"}, nil
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	// Output is streamed to the progress feed while the script runs, so the
	// user watches long executions live instead of waiting for the end.
	res, err := t.runner.RunScript(ctx, ec.ConversationID, params.Code, filename, time.Duration(timeout)*time.Second, func(chunk string) {
		ec.Report(chunk, zeus.StepToolLog)
	})
	if err != nil {
		result := zeus.ToolResult{Error: "sandbox error: " + err.Error()}
		if out := truncate(res.Combined(), maxOutput); out != "" {
			result.Content = out
		}
		return result, nil
	}

	output := truncate(res.Combined(), maxOutput)
	if res.ExitCode != 0 {
		if output == "" {
			output = "(no output)"
		}
		return zeus.ToolResult{Content: output, Error: fmt.Sprintf("exit code %d", res.ExitCode)}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return zeus.ToolResult{Content: output}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

var _ zeus.Tool = (*Tool)(nil)
var _ Runner = (*sandbox.Manager)(nil)
