// Package mcp implements a Model Context Protocol server exposing lineage
// history queries as MCP tools over stdio transport.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

const (
	serverName = "lineage"

	toolCount = 7
)

// Querier is the query surface the tools are served from.
type Querier interface {
	ChangedBetween(match query.Match, from, to time.Time) query.ChangedResult
	OwnershipOverTime(ctx context.Context, key model.EntityKey) (query.OwnershipResult, error)
	ComplexityTrend(ctx context.Context, key model.EntityKey) (query.ComplexityResult, error)
	CommitsTouching(key model.EntityKey) query.TouchingResult
	FeaturesForCommit(id model.CommitID) query.FeaturesResult
	CommitsForFeature(featureID string) query.FeaturesResult
	ResolveEntity(text string) query.ResolveResult
	Ask(ctx context.Context, text string) (query.Answer, error)
	Summary() query.Summary
}

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	Logger *slog.Logger
	// Metrics records calls per tool. Nil disables tool metrics.
	Metrics *observability.ToolMetrics
	// Tracer opens a span per tool call. Nil disables tracing.
	Tracer trace.Tracer
	// Version is reported to clients.
	Version string
}

// Server wraps the MCP SDK server with the lineage tools.
type Server struct {
	inner   *mcpsdk.Server
	q       Querier
	mu      sync.RWMutex
	tools   []string
	metrics *observability.ToolMetrics
	tracer  trace.Tracer
}

// NewServer creates a server answering from q.
func NewServer(q Querier, deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}

	inner := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, opts)

	srv := &Server{
		inner:   inner,
		q:       q,
		tools:   make([]string, 0, toolCount),
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run serves on stdio until ctx is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves on transport until ctx is canceled or the
// connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

func (s *Server) registerTools() {
	addTool(s, ToolNameChanged, changedDescription, s.handleChanged)
	addTool(s, ToolNameOwnership, ownershipDescription, s.handleOwnership)
	addTool(s, ToolNameComplexity, complexityDescription, s.handleComplexity)
	addTool(s, ToolNameTouching, touchingDescription, s.handleTouching)
	addTool(s, ToolNameFeatures, featuresDescription, s.handleFeatures)
	addTool(s, ToolNameAsk, askDescription, s.handleAsk)
	addTool(s, ToolNameSummary, summaryDescription, s.handleSummary)
}

type handlerFunc[In any] func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, ToolOutput, error)

func addTool[In any](s *Server, name, description string, h handlerFunc[In]) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        name,
		Description: description,
	}, mcpsdk.ToolHandlerFor[In, ToolOutput](withMetrics(s.metrics, name, withTracing(s.tracer, name, h))))

	s.mu.Lock()
	s.tools = append(s.tools, name)
	s.mu.Unlock()
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey labels the trace id appended to sampled responses.
const traceIDMetaKey = "trace_id"

// withTracing opens a span per call and appends the trace id to the
// response when the span is sampled.
func withTracing[In any](tracer trace.Tracer, toolName string, handler handlerFunc[In]) handlerFunc[In] {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		span.SetAttributes(attribute.String("lineage.status", output.Status))

		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			result.Content = append(result.Content, &mcpsdk.TextContent{
				Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String()),
			})
		}

		return result, output, err
	}
}

// withMetrics records the call count, status and duration per tool.
func withMetrics[In any](metrics *observability.ToolMetrics, toolName string, handler handlerFunc[In]) handlerFunc[In] {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		done := metrics.TrackInflight(ctx, toolName)
		defer done()

		result, output, err := handler(ctx, req, input)

		status := output.Status
		if err != nil || (result != nil && result.IsError) {
			status = observability.StatusError
		}

		metrics.RecordCall(ctx, toolName, status, time.Since(start))

		return result, output, err
	}
}

const (
	changedDescription = "List entity-level changes (added, removed, renamed, moved, modified) " +
		"of functions, classes and files matching a name or path, optionally within a time range."

	ownershipDescription = "Ownership of a code entity over time: per-author shares with recency decay, " +
		"the current distribution and the top owner."

	complexityDescription = "Complexity trend of a code entity: one score per change and the net change."

	touchingDescription = "Commits that changed a code entity, oldest first, with change kind and linked features."

	featuresDescription = "Feature links of a commit, or the commits linked to a feature id (e.g. #42, AUTH-7)."

	askDescription = "Answer a free-text question about code history, " +
		"e.g. \"who owns parseConfig\" or \"how did the complexity of Router change\"."

	summaryDescription = "Overview of the indexed history: commits, contributors, change kinds and languages."
)
