package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stepExecutionCounter  metric.Int64Counter
	stepPromotionCounter  metric.Int64Counter
	stepLatencyHistogram  metric.Float64Histogram
	cascadeDecisionCount  metric.Int64Counter
	moduleAcquireCounter  metric.Int64Counter
	executionStateCounter metric.Int64Counter
)

// StepMetrics captures the fields needed to record step execution telemetry.
type StepMetrics struct {
	TraceID    string
	PlaybookID string
	StepID     string
	ToolRef    string
	Tier       string
	Mode       string
	State      string
	Promotions int
	Duration   time.Duration
}

// RecordStepMetrics emits counters and histograms that describe step execution
// behaviour through the escalation ladder.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("trace.id", metrics.TraceID),
		attribute.String("playbook.id", metrics.PlaybookID),
		attribute.String("step.id", metrics.StepID),
		attribute.String("step.tool_ref", metrics.ToolRef),
		attribute.String("step.tier", metrics.Tier),
		attribute.String("execution.mode", metrics.Mode),
		attribute.String("step.state", metrics.State),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Promotions > 0 {
		stepPromotionCounter.Add(ctx, int64(metrics.Promotions), metric.WithAttributes(attrs...))
	}
}

// RecordStateTransition counts escalation state machine transitions per trace.
func RecordStateTransition(ctx context.Context, traceID, playbookID, stepID, from, to string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	executionStateCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trace.id", traceID),
		attribute.String("playbook.id", playbookID),
		attribute.String("step.id", stepID),
		attribute.String("transition.from", from),
		attribute.String("transition.to", to),
	))
}

// RecordCascadeDecision counts every cascade evaluation, triggered or not, so
// threshold tuning can be observed without log scraping. Decisions carry the
// trace ID so a cascade tree can be reassembled per trace.
func RecordCascadeDecision(ctx context.Context, traceID, playbookID, target string, strength float64, triggered bool, reason string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("trace.id", traceID),
		attribute.String("playbook.id", playbookID),
		attribute.String("cascade.target", target),
		attribute.Float64("cascade.strength", strength),
		attribute.Bool("cascade.triggered", triggered),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("cascade.reason", reason))
	}
	cascadeDecisionCount.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordModuleAcquire counts module acquisitions by outcome.
func RecordModuleAcquire(ctx context.Context, moduleID string, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	moduleAcquireCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module.id", moduleID),
		attribute.String("module.outcome", outcome),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("cascata.engine")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"cascata.step.executions_total",
			metric.WithDescription("Playbook step executions partitioned by tier and terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepPromotionCounter, metricsInitErr = meter.Int64Counter(
			"cascata.step.promotions_total",
			metric.WithDescription("Tier promotions performed while executing playbook steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"cascata.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		cascadeDecisionCount, metricsInitErr = meter.Int64Counter(
			"cascata.cascade.decisions_total",
			metric.WithDescription("Cascade edge evaluations partitioned by trigger decision"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		moduleAcquireCounter, metricsInitErr = meter.Int64Counter(
			"cascata.module.acquires_total",
			metric.WithDescription("Module acquisitions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionStateCounter, metricsInitErr = meter.Int64Counter(
			"cascata.execution.transitions_total",
			metric.WithDescription("Escalation state machine transitions"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
