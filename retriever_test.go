package zeus

import (
	"strings"
	"testing"
)

func TestBuildContextBlockEmpty(t *testing.T) {
	if got := BuildContextBlock(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestBuildContextBlockFormat(t *testing.T) {
	matches := []ProcedureMatch{
		{Procedure: Procedure{
			Task:    "baixar relatório mensal",
			Steps:   []string{"fetch_url(https://example.com)", "run_script(parse.py)"},
			Outcome: "relatório salvo em /app/data",
		}, Score: 0.5},
		{Procedure: Procedure{Task: "outra tarefa", Steps: []string{"run_command(ls)"}}, Score: 0.25},
	}

	block := BuildContextBlock(matches)
	if !strings.HasPrefix(block, "Procedimentos anteriores que funcionaram") {
		t.Errorf("missing header: %q", block)
	}
	if !strings.Contains(block, "1. Tarefa: baixar relatório mensal") {
		t.Error("missing first match")
	}
	if !strings.Contains(block, "- fetch_url(https://example.com)") {
		t.Error("missing step")
	}
	if !strings.Contains(block, "Resultado: relatório salvo em /app/data") {
		t.Error("missing outcome")
	}
	if !strings.Contains(block, "2. Tarefa: outra tarefa") {
		t.Error("missing second match")
	}
	// Outcome line only appears when the procedure recorded one.
	if strings.Count(block, "Resultado:") != 1 {
		t.Errorf("outcome lines = %d, want 1", strings.Count(block, "Resultado:"))
	}
}
