package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCommitsTotal      = "lineage.index.commits.total"
	metricEventsTotal       = "lineage.index.events.total"
	metricFallbacksTotal    = "lineage.extract.fallbacks.total"
	metricFileDuration      = "lineage.extract.file.duration.seconds"
	metricCommitDuration    = "lineage.index.commit.duration.seconds"
	metricClassifyTimeouts  = "lineage.classify.timeouts.total"
	metricToolCallsTotal    = "lineage.tool.calls.total"
	metricToolCallDuration  = "lineage.tool.call.duration.seconds"
	metricToolErrorsTotal   = "lineage.tool.errors.total"
	metricToolCallsInflight = "lineage.tool.calls.inflight"

	attrKind   = "kind"
	attrReason = "reason"
	attrTool   = "tool"
	attrStatus = "status"

	// StatusError marks a failed tool call.
	StatusError = "error"
)

var (
	fileBuckets   = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	commitBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// PipelineMetrics instruments indexing. All methods are no-ops on a nil
// receiver.
type PipelineMetrics struct {
	commits          metric.Int64Counter
	events           metric.Int64Counter
	fallbacks        metric.Int64Counter
	fileDuration     metric.Float64Histogram
	commitDuration   metric.Float64Histogram
	classifyTimeouts metric.Int64Counter
}

// NewPipelineMetrics creates the indexing instruments.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		commits:          b.counter(metricCommitsTotal, "Commits appended to the index", "{commit}"),
		events:           b.counter(metricEventsTotal, "Change events appended, by kind", "{event}"),
		fallbacks:        b.counter(metricFallbacksTotal, "Files indexed at file granularity, by reason", "{file}"),
		fileDuration:     b.histogram(metricFileDuration, "Per-file extraction time", "s", fileBuckets...),
		commitDuration:   b.histogram(metricCommitDuration, "Per-commit classify and append time", "s", commitBuckets...),
		classifyTimeouts: b.counter(metricClassifyTimeouts, "Commits whose similarity pass ran out of budget", "{commit}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordCommit counts an appended commit and its events.
func (pm *PipelineMetrics) RecordCommit(ctx context.Context, kinds map[string]int, elapsed time.Duration) {
	if pm == nil {
		return
	}

	pm.commits.Add(ctx, 1)
	pm.commitDuration.Record(ctx, elapsed.Seconds())

	for kind, n := range kinds {
		pm.events.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrKind, kind)))
	}
}

// RecordFile records one extraction. reason is empty for structured files.
func (pm *PipelineMetrics) RecordFile(ctx context.Context, reason string, elapsed time.Duration) {
	if pm == nil {
		return
	}

	pm.fileDuration.Record(ctx, elapsed.Seconds())

	if reason != "" {
		pm.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
	}
}

// RecordClassifyTimeout counts a commit classified past its budget.
func (pm *PipelineMetrics) RecordClassifyTimeout(ctx context.Context) {
	if pm == nil {
		return
	}

	pm.classifyTimeouts.Add(ctx, 1)
}

// ToolMetrics holds rate, error and duration instruments for query tools.
type ToolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewToolMetrics creates the tool instruments.
func NewToolMetrics(mt metric.Meter) (*ToolMetrics, error) {
	b := newMetricBuilder(mt)

	tm := &ToolMetrics{
		calls:    b.counter(metricToolCallsTotal, "Tool calls", "{call}"),
		duration: b.histogram(metricToolCallDuration, "Tool call duration", "s", commitBuckets...),
		errors:   b.counter(metricToolErrorsTotal, "Failed tool calls", "{call}"),
		inflight: b.upDownCounter(metricToolCallsInflight, "Tool calls in progress", "{call}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return tm, nil
}

// RecordCall records a finished call. status is a query status or
// StatusError.
func (tm *ToolMetrics) RecordCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	if tm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrTool, tool), attribute.String(attrStatus, status))

	tm.calls.Add(ctx, 1, attrs)
	tm.duration.Record(ctx, elapsed.Seconds(), attrs)

	if status == StatusError {
		tm.errors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrTool, tool)))
	}
}

// TrackInflight increments the in-flight count and returns its decrement.
func (tm *ToolMetrics) TrackInflight(ctx context.Context, tool string) func() {
	if tm == nil {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrTool, tool))
	tm.inflight.Add(ctx, 1, attrs)

	return func() { tm.inflight.Add(ctx, -1, attrs) }
}
