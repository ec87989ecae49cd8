package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	eventIDKey ctxKey = iota
	runIDKey
	workflowKey
	stepKey
)

// WithEventID returns a context carrying the triggering event id.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// WithRunID returns a context carrying the workflow run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithWorkflow returns a context carrying the workflow slug.
func WithWorkflow(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, workflowKey, slug)
}

// WithStep returns a context carrying the executing step order.
func WithStep(ctx context.Context, order int) context.Context {
	return context.WithValue(ctx, stepKey, order)
}

// EventID extracts the event id from the context, or "" if absent.
func EventID(ctx context.Context) string {
	v, _ := ctx.Value(eventIDKey).(string)
	return v
}

// RunID extracts the run id from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Workflow extracts the workflow slug from the context, or "" if absent.
func Workflow(ctx context.Context) string {
	v, _ := ctx.Value(workflowKey).(string)
	return v
}

// Step extracts the step order from the context, or 0 if absent.
func Step(ctx context.Context) int {
	v, _ := ctx.Value(stepKey).(int)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := EventID(ctx); v != "" {
		attrs = append(attrs, slog.String("event_id", v))
	}
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, slog.String("run_id", v))
	}
	if v := Workflow(ctx); v != "" {
		attrs = append(attrs, slog.String("workflow", v))
	}
	if v := Step(ctx); v != 0 {
		attrs = append(attrs, slog.Int("step", v))
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation ids in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the context's
// correlation ids to every record handled through a *Context call.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds a correlated logger writing text or json at the given level.
// Unknown levels fall back to info.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps debug|info|warn|error to an slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
