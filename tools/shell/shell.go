// Package shell executes shell commands inside the conversation's sandbox
// container.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/sandbox"
)

// maxOutput caps how much command output is returned to the model.
const maxOutput = 10_000

// maxTimeout is the hard cap on per-command timeouts, in seconds.
const maxTimeout = 300

// blocked commands are rejected before ever reaching the container. The
// sandbox already isolates the host, but a wiped container loses the
// conversation's working files.
var blocked = []string{
	"rm -rf /",
	"sudo ",
	"mkfs",
	"> /dev/",
	"dd if=",
	":(){",
	"shutdown",
	"reboot",
}

// Runner executes commands in a per-conversation container.
type Runner interface {
	RunCommand(ctx context.Context, conversationID, command string, timeout time.Duration) (sandbox.ExecResult, error)
}

// Tool runs shell commands in the sandbox.
type Tool struct {
	runner         Runner
	defaultTimeout int // seconds
}

// New creates a shell tool backed by runner.
func New(runner Runner, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 60
	}
	return &Tool{runner: runner, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []zeus.ToolDefinition {
	return []zeus.ToolDefinition{{
		Name:        "run_command",
		Description: "Execute a shell command in the task's sandbox container. Returns stdout and stderr. Files persist in /app/data across commands in the same conversation. Append ' &' to run a long-lived command in the background.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 60, max 300)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (zeus.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return zeus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return zeus.ToolResult{Error: "command is required"}, nil
	}

	if b := blockedPattern(params.Command); b != "" {
		return zeus.ToolResult{Error: "command blocked for safety: " + b}, nil
	}

	ec := zeus.ExecContextFrom(ctx)
	if ec.ConversationID == "" {
		return zeus.ToolResult{Error: "no conversation bound to this task"}, nil
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	command := params.Command
	if background := strings.HasSuffix(strings.TrimSpace(command), "&"); background {
		return t.runBackground(ctx, ec.ConversationID, command)
	}

	res, err := t.runner.RunCommand(ctx, ec.ConversationID, command, time.Duration(timeout)*time.Second)
	if err != nil {
		// A timed-out command still returns what it printed before dying.
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

// runBackground spawns the command detached inside the container and reports
// its pid. The trailing & is stripped; nohup plus redirection keeps the
// process alive after the exec session ends.
func (t *Tool) runBackground(ctx context.Context, conversationID, command string) (zeus.ToolResult, error) {
	stripped := strings.TrimSuffix(strings.TrimSpace(command), "&")
	wrapped := fmt.Sprintf("nohup sh -c %s >/app/data/nohup.out 2>&1 & echo $!", shellQuote(stripped))

	res, err := t.runner.RunCommand(ctx, conversationID, wrapped, 15*time.Second)
	if err != nil {
		return zeus.ToolResult{Error: "sandbox error: " + err.Error()}, nil
	}
	pid := strings.TrimSpace(res.Stdout)
	if pid == "" {
		return zeus.ToolResult{Error: "background command did not start: " + truncate(res.Stderr, 500)}, nil
	}
	return zeus.ToolResult{Content: fmt.Sprintf("Comando iniciado em segundo plano (pid %s). Saída em /app/data/nohup.out.", pid)}, nil
}

func blockedPattern(command string) string {
	lower := strings.ToLower(command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return b
		}
	}
	return ""
}

// shellQuote single-quotes a string for sh -c embedding.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

var _ zeus.Tool = (*Tool)(nil)
var _ Runner = (*sandbox.Manager)(nil)
