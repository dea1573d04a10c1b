package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*PipelineTracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &PipelineTracer{tracer: tp.Tracer("test")}, recorder
}

func TestPipelineTracer_PredictionAndStages(t *testing.T) {
	pt, recorder := newRecordingTracer()

	ctx, root := pt.TracePrediction(context.Background(), "bitcoin", 3)
	_, stage := pt.TraceStage(ctx, "train", attribute.Int("train.windows", 20))
	EndSpan(stage, nil)
	EndSpan(root, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "forecast.train", spans[0].Name())
	assert.Equal(t, "forecast.predict", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.String("forecast.coin", "bitcoin"))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestEndSpan_RecordsError(t *testing.T) {
	pt, recorder := newRecordingTracer()

	_, span := pt.TraceStage(context.Background(), "fetch")
	EndSpan(span, errors.New("upstream down"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "upstream down", spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestNewPipelineTracer(t *testing.T) {
	assert.NotNil(t, NewPipelineTracer())
}
