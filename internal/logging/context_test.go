package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", Stage(ctx))
	assert.Equal(t, "", UserID(ctx))

	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithStage(ctx, "defi_agent")
	ctx = WithUserID(ctx, "demo_user_1")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "defi_agent", Stage(ctx))
	assert.Equal(t, "demo_user_1", UserID(ctx))
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "exec-1", "risk_agent", "user-3")
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "risk_agent", Stage(ctx))
	assert.Equal(t, "user-3", UserID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "exec-abc", "orchestrator", "user-7")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "stage=orchestrator")
	assert.Contains(t, output, "user_id=user-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithExecutionID(context.Background(), "exec-only"), logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "stage=")
	assert.NotContains(t, output, "user_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "exec-auto", "prediction_agent", "user-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"stage":"prediction_agent"`)
	assert.Contains(t, output, `"user_id":"user-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-attr"), "with attrs")
	assert.Contains(t, buf.String(), `"execution_id":"exec-attr"`)
	assert.Contains(t, buf.String(), `"component":"engine"`)

	buf.Reset()
	grouped := slog.New(handler.WithGroup("runner"))
	grouped.InfoContext(WithExecutionID(context.Background(), "exec-grp"), "grouped", "key", "val")
	assert.Contains(t, buf.String(), "exec-grp")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.InfoContext(context.Background(), "hidden")
	logger.WarnContext(WithStage(context.Background(), "risk_agent"), "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "stage=risk_agent")
}
