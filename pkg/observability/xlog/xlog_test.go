package xlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSON(t *testing.T, buf *bytes.Buffer) LoggerWithLevel {
	t.Helper()
	logger, cleanup, err := New().SetOutput(buf).SetFormat("json").SetLevel(LevelDebug).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return logger
}

func decodeLast(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &m))
	return m
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSON(t, &buf)
	ctx := context.Background()

	logger.Debug(ctx, "d")
	assert.Equal(t, "DEBUG", decodeLast(t, &buf)["level"])

	logger.SetLevel(LevelWarn)
	assert.Equal(t, LevelWarn, logger.GetLevel())
	assert.False(t, logger.Enabled(ctx, LevelInfo))

	buf.Reset()
	logger.Info(ctx, "dropped")
	assert.Empty(t, buf.String())

	logger.Error(ctx, "kept", Err(errors.New("boom")), Count(3))
	m := decodeLast(t, &buf)
	assert.Equal(t, "boom", m[KeyError])
	assert.EqualValues(t, 3, m[KeyCount])
}

func TestLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSON(t, &buf)
	child := logger.With(Component("xpool")).WithGroup("job")

	logger.SetLevel(LevelError)
	child.Info(context.Background(), "dropped")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelInfo)
	child.Info(context.Background(), "kept", Operation("run"))
	m := decodeLast(t, &buf)
	assert.Equal(t, "xpool", m[KeyComponent])
	assert.Equal(t, map[string]any{KeyOperation: "run"}, m["job"])
}

func TestLogger_StackAttachesTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSON(t, &buf)
	logger.Stack(context.Background(), "panic recovered")
	m := decodeLast(t, &buf)
	assert.Equal(t, "ERROR", m["level"])
	assert.Contains(t, m[KeyStack], "goroutine")
}

func TestEnrichHandler_InjectsSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSON(t, &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID,
	}))

	logger.Info(ctx, "traced")
	m := decodeLast(t, &buf)
	assert.Equal(t, traceID.String(), m[KeyTraceID])
	assert.Equal(t, spanID.String(), m[KeySpanID])

	logger.Info(context.Background(), "untraced")
	assert.NotContains(t, decodeLast(t, &buf), KeyTraceID)

	_, err := NewEnrichHandler(nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestBuilder_Errors(t *testing.T) {
	_, _, err := New().SetFormat("xml").Build()
	assert.Error(t, err)

	_, _, err = New().SetLevelString("loud").Build()
	assert.Error(t, err)

	_, _, err = New().SetRotation("  ").Build()
	assert.ErrorIs(t, err, ErrEmptyFilename)
}

func TestBuilder_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, cleanup, err := New().SetRotation(path, RotateMaxSizeMB(1), RotateCompress(false)).Build()
	require.NoError(t, err)
	logger.Info(context.Background(), "to file")
	require.NoError(t, cleanup())
	require.NoError(t, cleanup())
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"DEBUG": LevelDebug, " info ": LevelInfo, "warning": LevelWarn, "error": LevelError, "": LevelInfo,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("warn")))
	assert.Equal(t, LevelWarn, l)
	assert.Error(t, l.UnmarshalText([]byte("nope")))
	assert.Equal(t, "WARN", l.String())
}

func TestGlobal(t *testing.T) {
	t.Cleanup(ResetDefault)
	ResetDefault()
	assert.NotNil(t, Default())

	var buf bytes.Buffer
	custom := newJSON(t, &buf)
	SetDefault(custom)
	SetDefault(nil)
	assert.Same(t, custom, Default())
	assert.Same(t, custom, OrDefault(nil))

	other := custom.With(Component("x"))
	assert.Equal(t, other, OrDefault(other))
}
