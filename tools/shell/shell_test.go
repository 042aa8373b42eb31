package shell

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/sandbox"
)

// fakeRunner records the commands it was asked to run.
type fakeRunner struct {
	result   sandbox.ExecResult
	err      error
	commands []string
	timeouts []time.Duration
	convIDs  []string
}

func (r *fakeRunner) RunCommand(_ context.Context, conversationID, command string, timeout time.Duration) (sandbox.ExecResult, error) {
	r.commands = append(r.commands, command)
	r.timeouts = append(r.timeouts, timeout)
	r.convIDs = append(r.convIDs, conversationID)
	return r.result, r.err
}

func execCtx() context.Context {
	return zeus.WithExecContext(context.Background(), &zeus.ExecContext{ConversationID: "conv-1"})
}

func run(t *testing.T, tool *Tool, ctx context.Context, args map[string]any) zeus.ToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := tool.Execute(ctx, "run_command", raw)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestRunCommandSuccess(t *testing.T) {
	runner := &fakeRunner{result: sandbox.ExecResult{Stdout: "a.txt\nb.txt\n"}}
	tool := New(runner, 60)

	res := run(t, tool, execCtx(), map[string]any{"command": "ls /app/data"})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Content != "a.txt\nb.txt\n" {
		t.Errorf("content = %q", res.Content)
	}
	if runner.convIDs[0] != "conv-1" {
		t.Errorf("conversation = %q", runner.convIDs[0])
	}
	if runner.timeouts[0] != 60*time.Second {
		t.Errorf("timeout = %v", runner.timeouts[0])
	}
}

func TestRunCommandExitCode(t *testing.T) {
	runner := &fakeRunner{result: sandbox.ExecResult{ExitCode: 2, Stderr: "no such file"}}
	tool := New(runner, 60)

	res := run(t, tool, execCtx(), map[string]any{"command": "cat missing"})
	if res.Error != "exit code 2" {
		t.Errorf("error = %q", res.Error)
	}
	if res.Content != "no such file" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRunCommandTimeoutKeepsPartialOutput(t *testing.T) {
	runner := &fakeRunner{
		result: sandbox.ExecResult{ExitCode: 124, Stdout: "progresso parcial\n"},
		err:    errors.New("command timed out after 60s"),
	}
	tool := New(runner, 60)

	res := run(t, tool, execCtx(), map[string]any{"command": "sleep 999"})
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Content != "progresso parcial\n" {
		t.Errorf("content = %q, want the partial output", res.Content)
	}
}

func TestRunCommandBlocked(t *testing.T) {
	runner := &fakeRunner{}
	tool := New(runner, 60)

	for _, cmd := range []string{"sudo reboot", "rm -rf / --no-preserve-root", "dd if=/dev/zero of=/dev/sda"} {
		res := run(t, tool, execCtx(), map[string]any{"command": cmd})
		if !strings.Contains(res.Error, "blocked") {
			t.Errorf("command %q not blocked: %q", cmd, res.Error)
		}
	}
	if len(runner.commands) != 0 {
		t.Errorf("blocked commands reached the sandbox: %v", runner.commands)
	}
}

func TestRunCommandTimeoutCap(t *testing.T) {
	runner := &fakeRunner{}
	tool := New(runner, 60)

	run(t, tool, execCtx(), map[string]any{"command": "sleep 1", "timeout": 9999})
	if runner.timeouts[0] != 300*time.Second {
		t.Errorf("timeout = %v, want cap at 300s", runner.timeouts[0])
	}
}

func TestRunCommandNoConversation(t *testing.T) {
	tool := New(&fakeRunner{}, 60)
	res := run(t, tool, context.Background(), map[string]any{"command": "ls"})
	if res.Error == "" {
		t.Error("expected error without a conversation")
	}
}

func TestRunCommandEmpty(t *testing.T) {
	tool := New(&fakeRunner{}, 60)
	res := run(t, tool, execCtx(), map[string]any{"command": "   "})
	if res.Error == "" {
		t.Error("expected error for empty command")
	}
}

func TestRunCommandSandboxError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("container not running")}
	tool := New(runner, 60)
	res := run(t, tool, execCtx(), map[string]any{"command": "ls"})
	if !strings.Contains(res.Error, "sandbox error") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunCommandBackground(t *testing.T) {
	runner := &fakeRunner{result: sandbox.ExecResult{Stdout: "4242\n"}}
	tool := New(runner, 60)

	res := run(t, tool, execCtx(), map[string]any{"command": "python servidor.py &"})
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if !strings.Contains(res.Content, "pid 4242") {
		t.Errorf("content = %q", res.Content)
	}

	sent := runner.commands[0]
	if !strings.HasPrefix(sent, "nohup sh -c ") || !strings.Contains(sent, "echo $!") {
		t.Errorf("wrapped command = %q", sent)
	}
	if strings.Contains(sent, "servidor.py &'") {
		t.Error("trailing & not stripped")
	}
}

func TestRunCommandOutputTruncated(t *testing.T) {
	runner := &fakeRunner{result: sandbox.ExecResult{Stdout: strings.Repeat("x", maxOutput+500)}}
	tool := New(runner, 60)

	res := run(t, tool, execCtx(), map[string]any{"command": "cat grande.log"})
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Error("output not truncated")
	}
	if len(res.Content) > maxOutput+100 {
		t.Errorf("content length = %d", len(res.Content))
	}
}

func TestShellQuote(t *testing.T) {
	got := shellQuote("echo 'oi'")
	if got != `'echo '\''oi'\'''` {
		t.Errorf("got %q", got)
	}
}
