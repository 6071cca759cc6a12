package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
)

// TracingHandler is an [slog.Handler] that adds the trace and span ids of
// the context span to every record.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler wraps inner. attrs are attached once, at the top level,
// so they survive later WithGroup calls.
func NewTracingHandler(inner slog.Handler, attrs ...slog.Attr) *TracingHandler {
	if len(attrs) > 0 {
		inner = inner.WithAttrs(attrs)
	}

	return &TracingHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (th *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return th.inner.Enabled(ctx, level)
}

// Handle adds the span context, then delegates.
func (th *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	if err := th.inner.Handle(ctx, record); err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}

	return nil
}

// WithAttrs implements [slog.Handler].
func (th *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{inner: th.inner.WithAttrs(attrs)}
}

// WithGroup implements [slog.Handler].
func (th *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{inner: th.inner.WithGroup(name)}
}

// NewLogger builds the process logger: text or JSON on cfg.LogOutput
// (stderr by default), tagged with service, mode and environment.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(out, opts)
	} else {
		inner = slog.NewTextHandler(out, opts)
	}

	attrs := []slog.Attr{slog.String("service", cfg.ServiceName)}
	if cfg.Mode != "" {
		attrs = append(attrs, slog.String("mode", string(cfg.Mode)))
	}

	if cfg.Environment != "" {
		attrs = append(attrs, slog.String("env", cfg.Environment))
	}

	return slog.New(NewTracingHandler(inner, attrs...))
}
