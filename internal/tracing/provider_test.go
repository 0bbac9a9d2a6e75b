package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), Config{Enabled: false}, "docmem-test", "0.0.1")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRecordError_SetsStatusAndType(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	RecordError(span, errors.New("boom"), ErrorTypeLLM)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var errType string
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "error.type" {
			errType = attr.Value.AsString()
		}
	}
	assert.Equal(t, "llm", errType)
}

func TestRecordError_NilErrorIgnored(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	RecordError(span, nil, ErrorTypeDB)
	span.End()

	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
}

func TestTruncateAndMask(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "ab...yz", TruncateString("abcdefghijklmnopqrstuvwxyz", 7))
	assert.Equal(t, "my***************om", MaskPII("myemail@example.com"))
	assert.Equal(t, "张*", MaskPII("张三"))
	assert.Equal(t, MaskPII("secret-value"), SafeAttributeValue("api_key", "secret-value", 50))
}
