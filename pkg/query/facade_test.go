package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type change struct {
	key   model.EntityKey
	kind  model.ChangeKind
	ekind model.EntityKind
	path  string
	name  string
	lines int
	churn float64
}

type step struct {
	author  string
	day     int
	changes []change
}

func fixture(t *testing.T) *index.Index {
	t.Helper()

	parse := func(kind model.ChangeKind, lines int, churn float64) change {
		return change{"k-parse", kind, model.KindFunction, "config/parse.go", "parseConfig", lines, churn}
	}

	steps := []step{
		{"ann", 0, []change{
			{"k-file", model.ChangeAdded, model.KindFile, "config/parse.go", "config/parse.go", 30, 1},
			parse(model.ChangeAdded, 10, 1),
		}},
		{"bob", 1, []change{parse(model.ChangeModifiedBody, 22, 0.9)}},
		{"bob", 5, []change{{"k-render", model.ChangeAdded, model.KindFunction, "ui/render.py", "render", 4, 1}}},
		{"cat", 9, []change{parse(model.ChangeRenamed, 22, 0)}},
	}

	ix := index.New("/repo")
	parent := model.CommitID("")

	for i, s := range steps {
		c := model.Commit{
			ID:      model.CommitID(fmt.Sprintf("%040d", i+1)),
			Author:  model.Signature{Name: s.author, Email: s.author + "@example.com"},
			When:    epoch.AddDate(0, 0, s.day),
			Message: fmt.Sprintf("change %d (#%d)", i+1, 10+i),
		}
		if parent != "" {
			c.Parents = []model.CommitID{parent}
		}

		events := make([]model.ChangeEvent, 0, len(s.changes))
		for _, ch := range s.changes {
			events = append(events, model.ChangeEvent{
				EntityKey:    ch.key,
				Kind:         ch.kind,
				EntityKind:   ch.ekind,
				Path:         ch.path,
				Name:         ch.name,
				AfterMetrics: model.Metrics{Lines: ch.lines},
				Churn:        ch.churn,
				Author:       c.Author.Key(),
				AuthorName:   s.author,
				When:         c.When,
			})
		}

		_, err := ix.Append(context.Background(), c, events)
		require.NoError(t, err)

		ix.AddLinks(c.ID, []model.FeatureLink{{
			Commit: c.ID, FeatureID: fmt.Sprintf("#%d", 10+i), Confidence: 0.9, Source: "pattern",
		}})

		parent = c.ID
	}

	return ix
}

func facade(t *testing.T) *query.Facade {
	t.Helper()

	ix := fixture(t)

	return query.New(ix, aggregate.New(ix))
}

func TestChangedBetween(t *testing.T) {
	t.Parallel()

	f := facade(t)

	res := f.ChangedBetween(query.Match{Name: "PARSE"}, epoch, epoch.AddDate(0, 0, 1))
	require.Equal(t, query.StatusOK, res.Status)
	assert.Len(t, res.Events, 3, "file and function on day 0, body edit on day 1")
	assert.Equal(t, 2, res.Entities["k-parse"])

	res = f.ChangedBetween(query.Match{Name: "parse", Kind: model.ChangeModified}, time.Time{}, time.Time{})
	require.Equal(t, query.StatusOK, res.Status)
	require.Len(t, res.Events, 1)
	assert.Equal(t, model.ChangeModifiedBody, res.Events[0].Kind)

	res = f.ChangedBetween(query.Match{Author: "Cat"}, time.Time{}, time.Time{})
	require.Len(t, res.Events, 1)
	assert.Equal(t, model.ChangeRenamed, res.Events[0].Kind)

	res = f.ChangedBetween(query.Match{Path: "ui/"}, epoch.AddDate(0, 0, 6), time.Time{})
	assert.Equal(t, query.StatusNotFound, res.Status)
}

func TestChangedBetweenEmptyIndex(t *testing.T) {
	t.Parallel()

	ix := index.New("/repo")
	f := query.New(ix, aggregate.New(ix))

	assert.Equal(t, query.StatusInsufficient, f.ChangedBetween(query.Match{}, time.Time{}, time.Time{}).Status)
}

func TestOwnershipOverTime(t *testing.T) {
	t.Parallel()

	f := facade(t)

	res, err := f.OwnershipOverTime(context.Background(), "k-parse")
	require.NoError(t, err)
	require.Equal(t, query.StatusOK, res.Status)
	assert.Equal(t, "bob@example.com", res.Owner)
	assert.Len(t, res.Snapshots, 3)
	assert.NotContains(t, res.Current, "cat@example.com")

	res, err = f.OwnershipOverTime(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, query.StatusNotFound, res.Status)
}

func TestOwnershipUsesStoredDerived(t *testing.T) {
	t.Parallel()

	ix := fixture(t)
	agg := aggregate.New(ix)

	d, err := agg.Derived(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, ix.SetDerived(d))

	res, err := query.New(ix, agg).OwnershipOverTime(context.Background(), "k-parse")
	require.NoError(t, err)

	fresh, err := agg.Recompute(context.Background(), "k-parse", 0)
	require.NoError(t, err)
	assert.Equal(t, fresh.Ownership, res.Snapshots)
}

func TestComplexityTrend(t *testing.T) {
	t.Parallel()

	f := facade(t)

	res, err := f.ComplexityTrend(context.Background(), "k-parse")
	require.NoError(t, err)
	require.Equal(t, query.StatusOK, res.Status)
	require.Len(t, res.Points, 3)
	assert.InDelta(t, 12.0, res.Change, 1e-9)

	res, err = f.ComplexityTrend(context.Background(), "k-render")
	require.NoError(t, err)
	assert.Equal(t, query.StatusInsufficient, res.Status, "a single point is not a trend")
	assert.Len(t, res.Points, 1)
}

func TestCommitsTouching(t *testing.T) {
	t.Parallel()

	f := facade(t)

	res := f.CommitsTouching("k-parse")
	require.Equal(t, query.StatusOK, res.Status)
	require.Len(t, res.Commits, 3)

	kinds := make([]model.ChangeKind, len(res.Commits))
	for i, touch := range res.Commits {
		kinds[i] = touch.Kind
	}

	assert.Equal(t, []model.ChangeKind{model.ChangeAdded, model.ChangeModifiedBody, model.ChangeRenamed}, kinds)
	assert.Equal(t, int64(1), res.Commits[0].Offset)
	require.Len(t, res.Commits[0].Features, 1)
	assert.Equal(t, "#10", res.Commits[0].Features[0].FeatureID)

	assert.Equal(t, query.StatusNotFound, f.CommitsTouching("missing").Status)
}

func TestFeatureJoins(t *testing.T) {
	t.Parallel()

	f := facade(t)
	second := model.CommitID(fmt.Sprintf("%040d", 2))

	res := f.FeaturesForCommit(second)
	require.Equal(t, query.StatusOK, res.Status)
	require.Len(t, res.Links, 1)
	assert.Equal(t, "#11", res.Links[0].FeatureID)

	res = f.CommitsForFeature("#11")
	require.Equal(t, query.StatusOK, res.Status)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, second, res.Commits[0].ID)

	assert.Equal(t, query.StatusNotFound, f.FeaturesForCommit("nope").Status)
	assert.Equal(t, query.StatusNotFound, f.CommitsForFeature("#99").Status)
}

func TestResolveEntity(t *testing.T) {
	t.Parallel()

	f := facade(t)

	res := f.ResolveEntity("parseConfig")
	require.Equal(t, query.StatusOK, res.Status)
	assert.Equal(t, model.EntityKey("k-parse"), res.Candidates[0].Key)
	assert.Equal(t, 3, res.Candidates[0].Events)

	res = f.ResolveEntity("k-render")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "render", res.Candidates[0].Name)

	key, ok := f.KeyOf("config/parse.go")
	require.True(t, ok)
	assert.Equal(t, model.EntityKey("k-file"), key)

	assert.Equal(t, query.StatusNotFound, f.ResolveEntity("  ").Status)
	assert.Equal(t, query.StatusNotFound, f.ResolveEntity("nothing-like-this").Status)
}

func TestAsk(t *testing.T) {
	t.Parallel()

	f := facade(t)
	ctx := context.Background()

	ans, err := f.Ask(ctx, "who owns parseConfig?")
	require.NoError(t, err)
	require.Equal(t, query.StatusOK, ans.Status)
	require.NotNil(t, ans.Ownership)
	assert.Equal(t, "bob@example.com", ans.Ownership.Owner)

	ans, err = f.Ask(ctx, "complexity trend of render")
	require.NoError(t, err)
	assert.Equal(t, query.StatusInsufficient, ans.Status)
	require.NotNil(t, ans.Complexity)

	ans, err = f.Ask(ctx, `history of "parseConfig"`)
	require.NoError(t, err)
	require.NotNil(t, ans.Touching)
	assert.Len(t, ans.Touching.Commits, 3)

	ans, err = f.Ask(ctx, "where is render")
	require.NoError(t, err)
	require.NotNil(t, ans.Changed)
	assert.Equal(t, query.StatusOK, ans.Status)

	ans, err = f.Ask(ctx, "who owns frobnicate")
	require.NoError(t, err)
	assert.Equal(t, query.StatusNotFound, ans.Status)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	f := facade(t)
	sum := f.Summary()

	assert.Equal(t, 4, sum.Commits)
	assert.Equal(t, 3, sum.Entities)
	assert.Equal(t, 4, sum.Features)
	require.Len(t, sum.Contributors, 3)
	assert.Equal(t, "bob@example.com", sum.Contributors[0].Author)
	assert.Equal(t, 2, sum.Contributors[0].Commits)
	assert.Equal(t, 3, sum.Events[model.ChangeAdded])
	assert.Equal(t, 1, sum.Events[model.ChangeModifiedBody])
	assert.Equal(t, 1, sum.Events[model.ChangeRenamed])
	require.Len(t, sum.Languages, 1)
	assert.Equal(t, "Go", sum.Languages[0].Name)
	assert.Equal(t, epoch, sum.First)

	ans, err := f.Ask(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, ans.Summary)
	assert.Equal(t, query.StatusOK, ans.Status)
}
