package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records engine events into the OTEL instruments. It implements
// zeus.Metrics.
type Metrics struct {
	inst *Instruments
}

// NewMetrics wraps the instruments returned by Init.
func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{inst: inst}
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	m.inst.TasksStarted.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.inst.TasksFinished.Add(ctx, 1, attrs)
	m.inst.TaskDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) LLMRequest(ctx context.Context, model string, millis float64, tokens int) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.inst.LLMRequests.Add(ctx, 1, attrs)
	m.inst.LLMDuration.Record(ctx, millis, attrs)
	if tokens > 0 {
		m.inst.TokenUsage.Add(ctx, int64(tokens), attrs)
	}
}

func (m *Metrics) ToolExecution(ctx context.Context, tool string, millis float64, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("failed", failed),
	)
	m.inst.ToolExecutions.Add(ctx, 1, attrs)
	m.inst.ToolDuration.Record(ctx, millis, attrs)
}
