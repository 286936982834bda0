package xmetrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestObserver(t *testing.T) (Observer, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	obs, err := NewOTelObserver(WithTracerProvider(tp), WithMeterProvider(mp), WithInstrumentationName("test"))
	require.NoError(t, err)
	return obs, recorder, reader
}

func TestOTelObserver_SpanAndMetrics(t *testing.T) {
	obs, recorder, reader := newTestObserver(t)

	ctx, span := Start(context.Background(), obs, SpanOptions{
		Component: "xrpc",
		Operation: "call",
		Kind:      KindClient,
		Attrs:     []Attr{String("interface", "status"), Int("size", 3)},
	})
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	span.End(Result{Err: errors.New("transport down")})
	span.End(Result{}) // 幂等

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "xrpc.call", ended[0].Name())
	assert.Equal(t, trace.SpanKindClient, ended[0].SpanKind())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
		if m.Name == metricOperationTotal {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.EqualValues(t, 1, sum.DataPoints[0].Value)
			status, _ := sum.DataPoints[0].Attributes.Value("status")
			assert.Equal(t, "error", status.AsString())
		}
	}
	assert.True(t, names[metricOperationDuration])
}

func TestOTelObserver_DefaultsUnknown(t *testing.T) {
	obs, recorder, _ := newTestObserver(t)
	_, span := obs.Start(nil, SpanOptions{}) //nolint:staticcheck // nil ctx 归一化
	span.End(Result{Status: StatusOK})
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "unknown.unknown", recorder.Ended()[0].Name())
	assert.Equal(t, codes.Ok, recorder.Ended()[0].Status().Code)
}

type nilObserver struct{}

func (nilObserver) Start(context.Context, SpanOptions) (context.Context, Span) { return nil, nil }

func TestStart_Fallbacks(t *testing.T) {
	ctx, span := Start(nil, nil, SpanOptions{}) //nolint:staticcheck // nil ctx 归一化
	assert.NotNil(t, ctx)
	assert.Equal(t, NoopSpan{}, span)

	ctx, span = Start(context.Background(), nilObserver{}, SpanOptions{})
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	span.End(Result{})
}
