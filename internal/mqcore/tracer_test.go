package mqcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func remoteParent(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatal(err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatal(err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestOTelTracer_RoundTrip(t *testing.T) {
	tracer := NewOTelTracer()
	headers := map[string]string{}
	tracer.Inject(remoteParent(t), headers)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	ctx := tracer.Extract(context.Background(), headers)
	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
}

func TestOTelTracer_ExtractKeepsParentWithoutHeaders(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "v")
	tracer := NewOTelTracer()

	assert.Equal(t, parent, tracer.Extract(parent, nil))
	assert.Equal(t, parent, tracer.Extract(parent, map[string]string{"traceparent": "garbage"}))
	assert.NotNil(t, tracer.Extract(nil, nil)) //nolint:staticcheck // nil ctx 归一化
}

func TestOTelTracer_InjectIgnoresNil(t *testing.T) {
	tracer := NewOTelTracer(WithOTelPropagator(nil))
	tracer.Inject(remoteParent(t), nil)

	headers := map[string]string{}
	tracer.Inject(context.Background(), headers)
	assert.Empty(t, headers)
}

func TestNoopTracer(t *testing.T) {
	var tr Tracer = NoopTracer{}
	headers := map[string]string{}
	tr.Inject(remoteParent(t), headers)
	assert.Empty(t, headers)
	assert.NotNil(t, tr.Extract(nil, headers)) //nolint:staticcheck // nil ctx 归一化
}
