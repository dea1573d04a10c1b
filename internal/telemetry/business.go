package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PipelineTracer opens spans for the stages of a forecast run.
type PipelineTracer struct {
	tracer trace.Tracer
}

// NewPipelineTracer creates a PipelineTracer on the global provider.
func NewPipelineTracer() *PipelineTracer {
	return &PipelineTracer{tracer: GetPipelineTracer()}
}

// TracePrediction starts the root span of a prediction run.
func (pt *PipelineTracer) TracePrediction(ctx context.Context, coin string, days int) (context.Context, trace.Span) {
	return pt.tracer.Start(ctx, "forecast.predict", trace.WithAttributes(
		attribute.String("forecast.coin", coin),
		attribute.Int("forecast.days", days),
	))
}

// TraceStage starts a child span for one pipeline stage (fetch, normalize, window, train, forecast).
func (pt *PipelineTracer) TraceStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return pt.tracer.Start(ctx, "forecast."+stage, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
