package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Span names recorded only in verbose tracing.
const (
	SpanExtractFile = "lineage.extract.file"
	SpanCommit      = "lineage.pipeline.commit"
)

// filteringTracerProvider hands out tracers that drop the per-file and
// per-commit spans and keep the run-level ones.
type filteringTracerProvider struct {
	embedded.TracerProvider

	delegate trace.TracerProvider
	noop     trace.TracerProvider
	suppress map[string]bool
}

// NewFilteringTracerProvider wraps delegate, replacing hot-path spans with
// no-op spans.
func NewFilteringTracerProvider(delegate trace.TracerProvider) trace.TracerProvider {
	return &filteringTracerProvider{
		delegate: delegate,
		noop:     nooptrace.NewTracerProvider(),
		suppress: map[string]bool{SpanExtractFile: true, SpanCommit: true},
	}
}

func (f *filteringTracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &filteringTracer{
		delegate: f.delegate.Tracer(name, opts...),
		noop:     f.noop.Tracer(name, opts...),
		suppress: f.suppress,
	}
}

type filteringTracer struct {
	embedded.Tracer

	delegate trace.Tracer
	noop     trace.Tracer
	suppress map[string]bool
}

func (f *filteringTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if f.suppress[name] {
		return f.noop.Start(ctx, name, opts...)
	}

	return f.delegate.Start(ctx, name, opts...)
}
