package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("adw")

// Span names for adw operations
const (
	SpanPipelineRun    = "adw.pipeline.run"
	SpanStageRun       = "adw.stage.run"
	SpanAgentExecute   = "adw.agent.execute"
	SpanDispatchPoll   = "adw.dispatch.poll"
	SpanDispatchSpawn  = "adw.dispatch.spawn"
	SpanTestLayer      = "adw.test.layer"
	SpanWorktreeCreate = "adw.worktree.create"
	SpanGitMerge       = "adw.git.merge"
)

// StartPipelineSpan starts a span covering one orchestrator run
func StartPipelineSpan(ctx context.Context, pipeline, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyPipeline, pipeline),
		attribute.String(KeyRunID, runID),
	)
	return tracer.Start(ctx, SpanPipelineRun, trace.WithAttributes(attrs...))
}

// StartStageSpan starts a span for one stage process
func StartStageSpan(ctx context.Context, stage string, index int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyStageName, stage),
		attribute.Int(KeyStageIndex, index),
	)
	return tracer.Start(ctx, SpanStageRun, trace.WithAttributes(attrs...))
}

// StartAgentSpan starts a span for agent execution
func StartAgentSpan(ctx context.Context, name, command, model string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AgentAttrs(name, command, model)...)
	return tracer.Start(ctx, SpanAgentExecute, trace.WithAttributes(attrs...))
}

// StartDispatchSpan starts a span for a dispatcher operation (poll or spawn)
func StartDispatchSpan(ctx context.Context, name, dispatcher string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyDispatcher, dispatcher))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTestLayerSpan starts a span for one test layer
func StartTestLayerSpan(ctx context.Context, layer string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyTestLayer, layer))
	return tracer.Start(ctx, SpanTestLayer, trace.WithAttributes(attrs...))
}

// StartWorktreeSpan starts a span for worktree operations
func StartWorktreeSpan(ctx context.Context, name, worktreePath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorktreePath, worktreePath))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with an error category
func RecordError(span trace.Span, err error, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
	}
	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// EndWithError records err (if any), sets the span status and ends it
func EndWithError(span trace.Span, err error, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		RecordError(span, err, errorCategory)
	}
	span.End()
}

// RecordTestCounts records the outcome of a test layer on a span
func RecordTestCounts(span trace.Span, passed, failed, attempts int) {
	span.AddEvent("test_results", trace.WithAttributes(
		attribute.Int("test.passed", passed),
		attribute.Int("test.failed", failed),
		attribute.Int("test.total", passed+failed),
		attribute.Int(KeyTestAttempt, attempts),
	))
	if failed > 0 {
		span.SetStatus(codes.Error, "tests failed")
	}
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
