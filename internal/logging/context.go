package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	planExecutionIDKey ctxKey = iota
	nodeExecutionIDKey
	interruptIDKey
)

// WithPlanExecutionID returns a context with the plan execution ID set.
func WithPlanExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planExecutionIDKey, id)
}

// WithNodeExecutionID returns a context with the node execution ID set.
func WithNodeExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeExecutionIDKey, id)
}

// WithInterruptID returns a context with the interrupt ID set.
func WithInterruptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interruptIDKey, id)
}

// PlanExecutionID extracts the plan execution ID from the context, or "" if absent.
func PlanExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(planExecutionIDKey).(string)
	return v
}

// NodeExecutionID extracts the node execution ID from the context, or "" if absent.
func NodeExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(nodeExecutionIDKey).(string)
	return v
}

// InterruptID extracts the interrupt ID from the context, or "" if absent.
func InterruptID(ctx context.Context) string {
	v, _ := ctx.Value(interruptIDKey).(string)
	return v
}

// WithIDs sets the plan and node execution IDs on the context at once.
func WithIDs(ctx context.Context, planExecutionID, nodeExecutionID string) context.Context {
	ctx = WithPlanExecutionID(ctx, planExecutionID)
	return WithNodeExecutionID(ctx, nodeExecutionID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := PlanExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("plan_execution_id", v))
	}
	if v := NodeExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("node_execution_id", v))
	}
	if v := InterruptID(ctx); v != "" {
		attrs = append(attrs, slog.String("interrupt_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
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

// ParseLevel maps a config string to a slog level. Unknown values yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger builds the process logger. format is "json" or "text"; output
// goes to w, or stderr when w is nil (stdout carries the MCP transport).
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	return NewLeveledLogger(w, ParseLevel(level), format)
}

// NewLeveledLogger is NewLogger with a caller-owned level, typically a
// *slog.LevelVar that is adjusted at runtime.
func NewLeveledLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
