package zeus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Procedure is a remembered way of accomplishing a task: the original
// request, the tool steps that worked, and the outcome.
type Procedure struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Steps     []string  `json:"steps"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcedureMatch is a scored retrieval hit.
type ProcedureMatch struct {
	Procedure Procedure `json:"procedure"`
	Score     float32   `json:"score"`
}

// Retriever looks up remembered procedures relevant to a new task and
// records successful ones. The rag package provides an FTS-backed
// implementation; a nil Retriever disables augmentation.
type Retriever interface {
	RetrieveContext(ctx context.Context, query string, topK int) ([]ProcedureMatch, error)
	RecordProcedure(ctx context.Context, p Procedure) error
}

// BuildContextBlock formats retrieval matches into a system prompt section.
// Returns "" when there is nothing to add.
func BuildContextBlock(matches []ProcedureMatch) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Procedimentos anteriores que funcionaram para tarefas parecidas:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "\n%d. Tarefa: %s\n", i+1, m.Procedure.Task)
		for _, step := range m.Procedure.Steps {
			fmt.Fprintf(&b, "   - %s\n", step)
		}
		if m.Procedure.Outcome != "" {
			fmt.Fprintf(&b, "   Resultado: %s\n", m.Procedure.Outcome)
		}
	}
	return b.String()
}
