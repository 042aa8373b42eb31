package zeus

import "context"

// Metrics receives engine counters and timings. The telemetry package has an
// OpenTelemetry-backed implementation; components hold the interface so they
// never depend on a metrics backend directly. A nil Metrics means no
// recording.
type Metrics interface {
	// TaskStarted counts a task entering execution.
	TaskStarted(ctx context.Context)
	// TaskFinished counts a task reaching a terminal status and records its
	// wall-clock duration in seconds.
	TaskFinished(ctx context.Context, status string, seconds float64)
	// LLMRequest records one chat completion round-trip.
	LLMRequest(ctx context.Context, model string, millis float64, tokens int)
	// ToolExecution records one tool call.
	ToolExecution(ctx context.Context, tool string, millis float64, failed bool)
}
