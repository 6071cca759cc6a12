package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

// Tool name constants.
const (
	ToolNameChanged    = "lineage_changed_between"
	ToolNameOwnership  = "lineage_ownership"
	ToolNameComplexity = "lineage_complexity_trend"
	ToolNameTouching   = "lineage_commits_touching"
	ToolNameFeatures   = "lineage_features"
	ToolNameAsk        = "lineage_ask"
	ToolNameSummary    = "lineage_summary"
)

// maxCandidates bounds the alternatives returned with a resolved entity.
const maxCandidates = 5

// Sentinel errors for tool input validation.
var (
	ErrEmptyEntity       = errors.New("entity parameter is required and must not be empty")
	ErrEmptyQuestion     = errors.New("question parameter is required and must not be empty")
	ErrFeaturesSelector  = errors.New("exactly one of commit or feature is required")
	ErrUnknownChangeKind = errors.New("unknown change kind")
	ErrUnknownEntityKind = errors.New("unknown entity kind")
)

// ChangedInput is the input schema for lineage_changed_between.
type ChangedInput struct {
	Name       string `json:"name,omitempty"        jsonschema:"case-insensitive substring of the qualified entity name"`
	Path       string `json:"path,omitempty"        jsonschema:"case-insensitive substring of the file path"`
	EntityKind string `json:"entity_kind,omitempty" jsonschema:"file, module, class or function"`
	Kind       string `json:"kind,omitempty"        jsonschema:"change kind, e.g. added, renamed or modified (matches every modified variant)"`
	Author     string `json:"author,omitempty"      jsonschema:"author email or name"`
	From       string `json:"from,omitempty"        jsonschema:"inclusive lower bound, RFC 3339 or YYYY-MM-DD"`
	To         string `json:"to,omitempty"          jsonschema:"inclusive upper bound, RFC 3339 or YYYY-MM-DD"`
}

// EntityInput is the input schema of the per-entity tools.
type EntityInput struct {
	Entity string `json:"entity" jsonschema:"entity key, qualified name (e.g. Server.Start) or file path"`
}

// FeaturesInput is the input schema for lineage_features.
type FeaturesInput struct {
	Commit  string `json:"commit,omitempty"  jsonschema:"full commit id"`
	Feature string `json:"feature,omitempty" jsonschema:"feature id, e.g. #42 or AUTH-7"`
}

// AskInput is the input schema for lineage_ask.
type AskInput struct {
	Question string `json:"question" jsonschema:"free-text question about the code history"`
}

// SummaryInput is the input schema for lineage_summary.
type SummaryInput struct{}

// ToolOutput is the structured result of every tool.
type ToolOutput struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// EntityOutput pairs a per-entity result with the entity it resolved to.
type EntityOutput struct {
	Entity     query.EntityRef   `json:"entity"`
	Candidates []query.EntityRef `json:"candidates,omitempty"`
	Result     any               `json:"result"`
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{Status: "error"}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(status query.Status, value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Status: string(status), Data: value}, nil
}

func (in ChangedInput) match() (query.Match, error) {
	m := query.Match{
		Name:       strings.TrimSpace(in.Name),
		Path:       strings.TrimSpace(in.Path),
		EntityKind: model.EntityKind(strings.ToLower(strings.TrimSpace(in.EntityKind))),
		Kind:       model.ChangeKind(strings.ToLower(strings.TrimSpace(in.Kind))),
		Author:     strings.TrimSpace(in.Author),
	}

	if m.EntityKind != "" && !m.EntityKind.Valid() {
		return query.Match{}, fmt.Errorf("%w: %q", ErrUnknownEntityKind, in.EntityKind)
	}

	if m.Kind != "" && !m.Kind.Valid() {
		return query.Match{}, fmt.Errorf("%w: %q", ErrUnknownChangeKind, in.Kind)
	}

	return m, nil
}

func (s *Server) handleChanged(
	_ context.Context, _ *mcpsdk.CallToolRequest, in ChangedInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	m, err := in.match()
	if err != nil {
		return errorResult(err)
	}

	from, err := query.ParseTime(in.From)
	if err != nil {
		return errorResult(err)
	}

	to, err := query.ParseTime(in.To)
	if err != nil {
		return errorResult(err)
	}

	res := s.q.ChangedBetween(m, from, query.EndOfDay(in.To, to))

	return jsonResult(res.Status, res)
}

// resolve maps free text onto the best entity. ok is false when nothing
// matches, in which case the returned result is the reply.
func (s *Server) resolve(text string) (EntityOutput, bool) {
	res := s.q.ResolveEntity(text)
	if res.Status != query.StatusOK {
		return EntityOutput{}, false
	}

	out := EntityOutput{Entity: res.Candidates[0]}
	if len(res.Candidates) > 1 {
		out.Candidates = res.Candidates[1:min(len(res.Candidates), maxCandidates+1)]
	}

	return out, true
}

func (s *Server) entity(
	ctx context.Context, in EntityInput,
	run func(ctx context.Context, key model.EntityKey) (query.Status, any, error),
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	text := strings.TrimSpace(in.Entity)
	if text == "" {
		return errorResult(ErrEmptyEntity)
	}

	out, ok := s.resolve(text)
	if !ok {
		return jsonResult(query.StatusNotFound, map[string]string{"entity": text})
	}

	status, result, err := run(ctx, out.Entity.Key)
	if err != nil {
		return errorResult(err)
	}

	out.Result = result

	return jsonResult(status, out)
}

func (s *Server) handleOwnership(
	ctx context.Context, _ *mcpsdk.CallToolRequest, in EntityInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return s.entity(ctx, in, func(ctx context.Context, key model.EntityKey) (query.Status, any, error) {
		res, err := s.q.OwnershipOverTime(ctx, key)

		return res.Status, res, err
	})
}

func (s *Server) handleComplexity(
	ctx context.Context, _ *mcpsdk.CallToolRequest, in EntityInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return s.entity(ctx, in, func(ctx context.Context, key model.EntityKey) (query.Status, any, error) {
		res, err := s.q.ComplexityTrend(ctx, key)

		return res.Status, res, err
	})
}

func (s *Server) handleTouching(
	ctx context.Context, _ *mcpsdk.CallToolRequest, in EntityInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return s.entity(ctx, in, func(_ context.Context, key model.EntityKey) (query.Status, any, error) {
		res := s.q.CommitsTouching(key)

		return res.Status, res, nil
	})
}

func (s *Server) handleFeatures(
	_ context.Context, _ *mcpsdk.CallToolRequest, in FeaturesInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	commit, featureID := strings.TrimSpace(in.Commit), strings.TrimSpace(in.Feature)
	if (commit == "") == (featureID == "") {
		return errorResult(ErrFeaturesSelector)
	}

	var res query.FeaturesResult
	if commit != "" {
		res = s.q.FeaturesForCommit(model.CommitID(strings.ToLower(commit)))
	} else {
		res = s.q.CommitsForFeature(featureID)
	}

	return jsonResult(res.Status, res)
}

func (s *Server) handleAsk(
	ctx context.Context, _ *mcpsdk.CallToolRequest, in AskInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if strings.TrimSpace(in.Question) == "" {
		return errorResult(ErrEmptyQuestion)
	}

	ans, err := s.q.Ask(ctx, in.Question)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(ans.Status, ans)
}

func (s *Server) handleSummary(
	_ context.Context, _ *mcpsdk.CallToolRequest, _ SummaryInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	sum := s.q.Summary()

	status := query.StatusOK
	if sum.Commits == 0 {
		status = query.StatusInsufficient
	}

	return jsonResult(status, sum)
}
