package aggregate_test

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
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type step struct {
	author string
	day    int
	key    model.EntityKey
	kind   model.ChangeKind
	lines  int
	churn  float64
}

// ledger appends one commit per step, linearly.
func ledger(t *testing.T, steps []step) *index.Index {
	t.Helper()

	ix := index.New("/repo")
	parent := model.CommitID("")

	for i, s := range steps {
		c := model.Commit{
			ID:     model.CommitID(fmt.Sprintf("%040d", i+1)),
			Author: model.Signature{Name: s.author, Email: s.author + "@example.com"},
			When:   epoch.AddDate(0, 0, s.day),
		}
		if parent != "" {
			c.Parents = []model.CommitID{parent}
		}

		ev := model.ChangeEvent{
			Commit:       c.ID,
			EntityKey:    s.key,
			Kind:         s.kind,
			EntityKind:   model.KindFunction,
			AfterMetrics: model.Metrics{Lines: s.lines},
			Churn:        s.churn,
			Author:       c.Author.Key(),
			AuthorName:   s.author,
			When:         c.When,
		}
		if s.kind == model.ChangeRemoved {
			ev.AfterMetrics = model.Metrics{}
		}

		_, err := ix.Append(context.Background(), c, []model.ChangeEvent{ev})
		require.NoError(t, err)

		parent = c.ID
	}

	return ix
}

func history() []step {
	return []step{
		{"ann", 0, "f", model.ChangeAdded, 10, 1},
		{"bob", 1, "f", model.ChangeModifiedBody, 22, 0.9},
		{"cat", 2, "f", model.ChangeRenamed, 22, 0},
		{"ann", 2, "g", model.ChangeAdded, 5, 1},
		{"bob", 30, "g", model.ChangeModifiedBoth, 8, 0.4},
		{"ann", 31, "f", model.ChangeModifiedSignature, 23, 0.05},
		{"cat", 200, "g", model.ChangeRemoved, 0, 0},
		{"cat", 201, "f", model.ChangeModifiedBody, 30, 0.3},
	}
}

func TestOwnershipFollowsLargestRecentContribution(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history()[:3])
	agg := aggregate.New(ix)

	res, err := agg.Recompute(context.Background(), "f", 0)
	require.NoError(t, err)

	latest, ok := res.Latest()
	require.True(t, ok)

	top, weight := latest.Top()
	assert.Equal(t, "bob@example.com", top)
	assert.Greater(t, weight, 0.5)
	assert.NotContains(t, latest.Weights, "cat@example.com", "a pure rename carries no ownership")

	deltas := make([]float64, len(res.Complexity))
	for i, p := range res.Complexity {
		deltas[i] = p.Delta
	}

	assert.Equal(t, []float64{10, 12, 0}, deltas)
}

func TestOwnershipSumsToOne(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history())
	agg := aggregate.New(ix)

	for _, key := range ix.Keys(0) {
		res, err := agg.Recompute(context.Background(), key, 0)
		require.NoError(t, err)
		require.NotEmpty(t, res.Ownership)

		for _, snap := range res.Ownership {
			total := 0.0
			for _, w := range snap.Weights {
				total += w
			}

			assert.InDelta(t, 1.0, total, 1e-9, "key %s offset %d", key, snap.Offset)
			assert.NotEmpty(t, snap.Version)
		}
	}
}

func TestOneSnapshotPerBucket(t *testing.T) {
	t.Parallel()

	// Days 0, 1, 2, 31 and 201 touch f: five buckets.
	ix := ledger(t, history())

	res, err := aggregate.New(ix).Recompute(context.Background(), "f", 0)
	require.NoError(t, err)
	assert.Len(t, res.Ownership, 5)
	assert.Len(t, res.Complexity, 5)

	yearly := aggregate.New(ix)
	yearly.Bucket = 24 * 365 * time.Hour

	res, err = yearly.Recompute(context.Background(), "f", 0)
	require.NoError(t, err)
	assert.Len(t, res.Ownership, 1)
	assert.Equal(t, int64(8), res.Ownership[0].Offset)
}

func TestComplexityDeltasTelescope(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history())
	agg := aggregate.New(ix)

	for _, key := range ix.Keys(0) {
		res, err := agg.Recompute(context.Background(), key, 0)
		require.NoError(t, err)

		sum := 0.0
		for _, p := range res.Complexity {
			sum += p.Delta
		}

		last := res.Complexity[len(res.Complexity)-1]
		assert.InDelta(t, last.Score, sum, 1e-9)
		assert.InDelta(t, last.Score-res.Complexity[0].Score, sum-res.Complexity[0].Delta, 1e-9)
	}

	g, err := agg.Recompute(context.Background(), "g", 0)
	require.NoError(t, err)

	removed := g.Complexity[len(g.Complexity)-1]
	assert.Equal(t, model.ChangeRemoved, removed.Kind)
	assert.Zero(t, removed.Score)
	assert.False(t, g.State.Alive)
}

func TestDecayFavorsRecentAuthors(t *testing.T) {
	t.Parallel()

	steps := []step{
		{"ann", 0, "f", model.ChangeAdded, 100, 1},
		{"bob", 0, "f", model.ChangeModifiedBody, 100, 0.3},
	}

	fresh := ledger(t, steps)

	late := append([]step(nil), steps...)
	late[1].day = 365

	fr, err := aggregate.New(fresh).Recompute(context.Background(), "f", 0)
	require.NoError(t, err)

	lr, err := aggregate.New(ledger(t, late)).Recompute(context.Background(), "f", 0)
	require.NoError(t, err)

	fSnap, _ := fr.Latest()
	lSnap, _ := lr.Latest()

	assert.Equal(t, "ann@example.com", first(fSnap.Top()))
	assert.Equal(t, "bob@example.com", first(lSnap.Top()))
}

func first(s string, _ float64) string { return s }

func TestZeroWeightFallsBackToLastAuthor(t *testing.T) {
	t.Parallel()

	ix := ledger(t, []step{{"dan", 0, "f", model.ChangeRenamed, 12, 0}})

	res, err := aggregate.New(ix).Recompute(context.Background(), "f", 0)
	require.NoError(t, err)

	snap, ok := res.Latest()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"dan@example.com": 1}, snap.Weights)
}

func TestAnonymousChangesSkipOwnership(t *testing.T) {
	t.Parallel()

	agg := aggregate.New(index.New("/repo"))

	state, _ := agg.Fold(model.FoldState{}, model.ChangeEvent{
		EntityKey: "f", Offset: 1, Kind: model.ChangeAdded, Author: "ann@example.com",
		AfterMetrics: model.Metrics{Lines: 10}, When: epoch,
	})
	state, point := agg.Fold(state, model.ChangeEvent{
		EntityKey: "f", Offset: 2, Kind: model.ChangeModifiedBody, Churn: 1,
		AfterMetrics: model.Metrics{Lines: 14}, When: epoch,
	})

	assert.Equal(t, map[string]float64{"ann@example.com": 10}, state.Weights)
	assert.Equal(t, "ann@example.com", state.LastAuthor)
	assert.InDelta(t, 4.0, point.Delta, 1e-9)
}

func TestIncrementalEquivalence(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history())
	agg := aggregate.New(ix)
	ctx := context.Background()

	for _, key := range ix.Keys(0) {
		full, err := agg.Recompute(ctx, key, 0)
		require.NoError(t, err)

		for n := int64(1); n < ix.LatestOffset(); n++ {
			prior, err := agg.Recompute(ctx, key, n)
			require.NoError(t, err)

			rest, err := index.Collect(ix.Query(index.Filter{EntityKey: key, FromOffset: n + 1}))
			require.NoError(t, err)

			assert.Equal(t, full, agg.Resume(prior, rest), "key %s split at %d", key, n)
		}
	}
}

func TestUpdateMatchesFullRecompute(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history())
	agg := aggregate.New(ix)
	agg.Workers = 2
	ctx := context.Background()

	full, err := agg.Derived(ctx, 0)
	require.NoError(t, err)

	for n := int64(0); n <= ix.LatestOffset(); n++ {
		var prior index.Derived
		if n > 0 {
			prior, err = agg.Derived(ctx, n)
			require.NoError(t, err)
		}

		got, err := agg.Update(ctx, prior, 0)
		require.NoError(t, err)
		assert.Equal(t, full, got, "resumed from %d", n)
	}

	same, err := agg.Update(ctx, full, 0)
	require.NoError(t, err)
	assert.Equal(t, full, same)
}

func TestRecomputeAllKeepsOrder(t *testing.T) {
	t.Parallel()

	ix := ledger(t, history())
	agg := aggregate.New(ix)

	results, err := agg.RecomputeAll(context.Background(), []model.EntityKey{"g", "f", "missing"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.EntityKey("g"), results[0].EntityKey)
	assert.Equal(t, model.EntityKey("f"), results[1].EntityKey)
	assert.Empty(t, results[2].Ownership)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = agg.RecomputeAll(ctx, []model.EntityKey{"f"}, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	agg := aggregate.New(nil)
	require.NoError(t, agg.Validate())

	agg.Bucket = 0
	require.ErrorIs(t, agg.Validate(), aggregate.ErrInvalidBucket)

	agg = aggregate.New(nil)
	agg.HalfLife = -time.Hour
	require.ErrorIs(t, agg.Validate(), aggregate.ErrInvalidHalfLife)

	agg = aggregate.New(nil)
	agg.Weights.FanOut = -1
	require.ErrorIs(t, agg.Validate(), aggregate.ErrNegativeWeight)
}

func TestScore(t *testing.T) {
	t.Parallel()

	w := aggregate.DefaultWeights()
	assert.InDelta(t, 10+4+1.5+0.5, w.Score(model.Metrics{Lines: 10, Decisions: 4, MaxDepth: 3, Calls: 2}), 1e-9)
}
