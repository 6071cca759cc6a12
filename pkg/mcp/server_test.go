package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/mcp"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// history builds a two-commit index: ann adds Server.Start, bob grows it.
func history(t *testing.T) *query.Facade {
	t.Helper()

	ix := index.New("/repo")
	parent := model.CommitID("")

	for i, author := range []string{"ann", "bob"} {
		c := model.Commit{
			ID:      model.CommitID(fmt.Sprintf("%040d", i+1)),
			Author:  model.Signature{Name: author, Email: author + "@example.com"},
			When:    epoch.AddDate(0, 0, i*3),
			Message: fmt.Sprintf("server work (#%d)", 40+i),
		}
		if parent != "" {
			c.Parents = []model.CommitID{parent}
		}

		kind := model.ChangeAdded
		if i > 0 {
			kind = model.ChangeModifiedBody
		}

		_, err := ix.Append(context.Background(), c, []model.ChangeEvent{{
			EntityKey:    "k-start",
			Kind:         kind,
			EntityKind:   model.KindFunction,
			Path:         "server/server.go",
			Name:         "Server.Start",
			AfterMetrics: model.Metrics{Lines: 8 + i*12},
			Churn:        1,
			Author:       c.Author.Key(),
			AuthorName:   author,
			When:         c.When,
		}})
		require.NoError(t, err)

		ix.AddLinks(c.ID, []model.FeatureLink{{
			Commit: c.ID, FeatureID: fmt.Sprintf("#%d", 40+i), Confidence: 0.9, Source: "pattern",
		}})

		parent = c.ID
	}

	return query.New(ix, aggregate.New(ix))
}

func connect(t *testing.T, srv *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	serverDone := make(chan error, 1)

	go func() {
		serverDone <- srv.RunWithTransport(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)

	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()

		cancel()
		<-serverDone
	})

	return session
}

func call(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) (*mcpsdk.CallToolResult, map[string]any) {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)

	if result.IsError {
		return result, map[string]any{"error": text.Text}
	}

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))

	return result, body
}

func TestServer_ToolsList(t *testing.T) {
	t.Parallel()

	srv := mcp.NewServer(history(t), mcp.ServerDeps{})
	session := connect(t, srv)

	tools, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.InputSchema, "tool %s missing input schema", tool.Name)
	}

	assert.ElementsMatch(t, srv.ListToolNames(), names)
	assert.Len(t, names, 7)
}

func TestServer_Ownership(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{}))

	result, body := call(t, session, mcp.ToolNameOwnership, map[string]any{"entity": "Server.Start"})
	require.False(t, result.IsError)

	entity, ok := body["entity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "k-start", entity["key"])

	res, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, "bob@example.com", res["owner"])
}

func TestServer_EntityNotFound(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{}))

	result, body := call(t, session, mcp.ToolNameComplexity, map[string]any{"entity": "Nothing.Here"})
	require.False(t, result.IsError)
	assert.Equal(t, "Nothing.Here", body["entity"])
}

func TestServer_ChangedBetween(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{}))

	_, body := call(t, session, mcp.ToolNameChanged, map[string]any{
		"path": "server/",
		"kind": "modified",
		"from": "2024-05-01",
		"to":   "2024-05-04",
	})
	assert.Equal(t, "ok", body["status"])

	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)

	result, body := call(t, session, mcp.ToolNameChanged, map[string]any{"kind": "deleted"})
	assert.True(t, result.IsError)
	assert.Contains(t, body["error"], "unknown change kind")
}

func TestServer_FeaturesAndTouching(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{}))

	_, body := call(t, session, mcp.ToolNameFeatures, map[string]any{"feature": "#41"})
	assert.Equal(t, "ok", body["status"])

	commits, ok := body["commits"].([]any)
	require.True(t, ok)
	assert.Len(t, commits, 1)

	_, body = call(t, session, mcp.ToolNameTouching, map[string]any{"entity": "server/server.go"})
	res, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, res["commits"], 2)
}

func TestServer_AskAndSummary(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{}))

	_, body := call(t, session, mcp.ToolNameAsk, map[string]any{"question": `who owns "Server.Start"?`})
	assert.Equal(t, "ok", body["status"])
	assert.NotNil(t, body["ownership"])
	assert.NotEmpty(t, body["sources"], "the answer lists the history it was drawn from")

	_, body = call(t, session, mcp.ToolNameSummary, map[string]any{})
	assert.InDelta(t, 2, body["commits"], 0)
}

func TestServer_MetricsAndTracing(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))

	metrics, err := observability.NewToolMetrics(mp.Meter("test"))
	require.NoError(t, err)

	session := connect(t, mcp.NewServer(history(t), mcp.ServerDeps{
		Metrics: metrics,
		Tracer:  tp.Tracer("test"),
	}))

	result, _ := call(t, session, mcp.ToolNameSummary, map[string]any{})
	require.Len(t, result.Content, 2)

	trailer, ok := result.Content[1].(*mcpsdk.TextContent)
	require.True(t, ok)
	assert.Contains(t, trailer.Text, "trace_id=")

	result, _ = call(t, session, mcp.ToolNameAsk, map[string]any{"question": " "})
	assert.True(t, result.IsError)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	statuses := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "lineage.tool.calls.total" {
				continue
			}

			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range data.DataPoints {
				status, _ := dp.Attributes.Value("status")
				statuses[status.AsString()] += dp.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, statuses)
}
