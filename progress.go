package zeus

import "math/rand"

// ProgressFunc receives user-facing progress updates during a task run.
// stepType is one of the Step* constants.
type ProgressFunc func(message, stepType string)

// Progress step types.
const (
	StepInfo      = "info"
	StepToolStart = "tool_start"
	StepToolEnd   = "tool_end"
	StepError     = "error"

	// StepToolLog carries incremental tool output, streamed while a
	// long-running tool (a sandbox script, say) is still executing.
	StepToolLog = "tool_log"
)

// heartbeatMessages rotate every heartbeat interval while tools run, so the
// user sees the task is alive during long executions.
var heartbeatMessages = []string{
	"Processando...",
	"Ainda trabalhando nisso...",
	"Executando ferramentas...",
	"Analisando resultados...",
	"Quase lá, continuando o trabalho...",
	"Organizando as informações...",
}

// heartbeatMessage picks a random rotating status line.
func heartbeatMessage() string {
	return heartbeatMessages[rand.Intn(len(heartbeatMessages))]
}
