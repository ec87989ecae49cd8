package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func correlated() context.Context {
	ctx := WithEventID(context.Background(), "evt-1")
	ctx = WithRunID(ctx, "run-9")
	ctx = WithWorkflow(ctx, "intake-agent")
	return WithStep(ctx, 2)
}

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", EventID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, 0, Step(ctx))

	ctx = correlated()
	assert.Equal(t, "evt-1", EventID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "intake-agent", Workflow(ctx))
	assert.Equal(t, 2, Step(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(correlated(), logger).Info("step done")

	out := buf.String()
	assert.Contains(t, out, "event_id=evt-1")
	assert.Contains(t, out, "run_id=run-9")
	assert.Contains(t, out, "workflow=intake-agent")
	assert.Contains(t, out, "step=2")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	out := buf.String()
	assert.NotContains(t, out, "run_id")
	assert.NotContains(t, out, "step=")
	assert.Contains(t, out, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(correlated(), "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"event_id":"evt-1"`)
	assert.Contains(t, out, `"run_id":"run-9"`)
	assert.Contains(t, out, `"step":2`)
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(WithEventID(context.Background(), "evt-only"), "partial")

	out := buf.String()
	assert.Contains(t, out, `"event_id":"evt-only"`)
	assert.NotContains(t, out, "run_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "dispatcher")}))

	logger.InfoContext(WithRunID(context.Background(), "run-attr"), "with attrs")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-attr"`)
	assert.Contains(t, out, `"component":"dispatcher"`)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.InfoContext(correlated(), "hidden")
	logger.WarnContext(correlated(), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"workflow":"intake-agent"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
