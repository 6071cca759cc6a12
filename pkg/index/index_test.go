package index_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func commit(id string, day int, author string, parents ...string) model.Commit {
	c := model.Commit{
		ID:      model.CommitID(id),
		Author:  model.Signature{Name: author, Email: author + "@example.com"},
		When:    epoch.AddDate(0, 0, day),
		Message: "commit " + id,
	}

	for _, p := range parents {
		c.Parents = append(c.Parents, model.CommitID(p))
	}

	return c
}

func event(c model.Commit, key string, kind model.ChangeKind) model.ChangeEvent {
	return model.ChangeEvent{
		Commit:       c.ID,
		EntityKey:    model.EntityKey(key),
		Kind:         kind,
		EntityKind:   model.KindFunction,
		Path:         "pkg/" + key + ".go",
		Name:         key,
		AfterMetrics: model.Metrics{Lines: 10},
		Churn:        1,
		Author:       c.Author.Key(),
		AuthorName:   c.Author.Name,
		When:         c.When,
	}
}

// linear builds a -> b -> c with events on keys f and g.
func linear(t *testing.T) (*index.Index, []model.Commit) {
	t.Helper()

	ix := index.New("/repo")
	a := commit("a", 0, "ann")
	b := commit("b", 1, "bob", "a")
	c := commit("c", 2, "ann", "b")

	ctx := context.Background()

	_, err := ix.Append(ctx, a, []model.ChangeEvent{event(a, "f", model.ChangeAdded)})
	require.NoError(t, err)

	_, err = ix.Append(ctx, b, []model.ChangeEvent{
		event(b, "f", model.ChangeModifiedBody),
		event(b, "g", model.ChangeAdded),
	})
	require.NoError(t, err)

	_, err = ix.Append(ctx, c, []model.ChangeEvent{event(c, "f", model.ChangeRenamed)})
	require.NoError(t, err)

	return ix, []model.Commit{a, b, c}
}

func kinds(events []model.ChangeEvent) []model.ChangeKind {
	out := make([]model.ChangeKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}

	return out
}

func TestAppendAssignsOffsets(t *testing.T) {
	t.Parallel()

	ix, commits := linear(t)

	assert.Equal(t, int64(3), ix.LatestOffset())

	for i, c := range commits {
		off, ok := ix.Offset(c.ID)
		require.True(t, ok)
		assert.Equal(t, int64(i+1), off)

		rec, ok := ix.Commit(off)
		require.True(t, ok)
		assert.Equal(t, c.ID, rec.Commit.ID)
	}

	events := ix.EventsFor("f", 0)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Offset, events[1].Offset, events[2].Offset})
	assert.NotEmpty(t, ix.Checksum())
}

func TestAppendIsIdempotent(t *testing.T) {
	t.Parallel()

	ix, commits := linear(t)
	before := ix.Checksum()

	off, err := ix.Append(context.Background(), commits[1], []model.ChangeEvent{event(commits[1], "x", model.ChangeAdded)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), off)
	assert.Equal(t, int64(3), ix.LatestOffset())
	assert.Equal(t, before, ix.Checksum())
	assert.Empty(t, ix.EventsFor("x", 0))
}

func TestAppendOutOfOrder(t *testing.T) {
	t.Parallel()

	ix := index.New("/repo")
	orphan := commit("d", 0, "ann", "missing")

	_, err := ix.Append(context.Background(), orphan, []model.ChangeEvent{event(orphan, "f", model.ChangeAdded)})
	require.ErrorIs(t, err, model.ErrOutOfOrderCommit)
	assert.Zero(t, ix.LatestOffset())
	assert.False(t, ix.Has("d"))

	ix.RegisterTruncation("missing")

	_, err = ix.Append(context.Background(), orphan, []model.ChangeEvent{event(orphan, "f", model.ChangeAdded)})
	require.NoError(t, err)
	assert.True(t, ix.IsBoundary("missing"))
	assert.Equal(t, []model.CommitID{"missing"}, ix.Boundaries())
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	ix := index.New("/repo")
	a := commit("a", 0, "ann")

	bad := event(a, "f", "exploded")
	_, err := ix.Append(context.Background(), a, []model.ChangeEvent{event(a, "g", model.ChangeAdded), bad})
	require.ErrorIs(t, err, index.ErrInvalidEvent)

	foreign := event(commit("z", 0, "zed"), "f", model.ChangeAdded)
	_, err = ix.Append(context.Background(), a, []model.ChangeEvent{foreign})
	require.ErrorIs(t, err, index.ErrInvalidEvent)

	assert.Zero(t, ix.LatestOffset())
	assert.Empty(t, ix.EventsFor("g", 0))
}

func TestAppendCanceled(t *testing.T) {
	t.Parallel()

	ix := index.New("/repo")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ix.Append(ctx, commit("a", 0, "ann"), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ix.LatestOffset())
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	ix, _ := linear(t)

	tests := []struct {
		name   string
		filter index.Filter
		want   []model.ChangeKind
	}{
		{"all", index.Filter{}, []model.ChangeKind{model.ChangeAdded, model.ChangeModifiedBody, model.ChangeAdded, model.ChangeRenamed}},
		{"entity", index.Filter{EntityKey: "g"}, []model.ChangeKind{model.ChangeAdded}},
		{"author key", index.Filter{Author: "bob@example.com"}, []model.ChangeKind{model.ChangeModifiedBody, model.ChangeAdded}},
		{"author name", index.Filter{Author: "ANN"}, []model.ChangeKind{model.ChangeAdded, model.ChangeRenamed}},
		{"kind family", index.Filter{Kind: model.ChangeModified}, []model.ChangeKind{model.ChangeModifiedBody}},
		{"kind variant", index.Filter{Kind: model.ChangeModifiedSignature}, []model.ChangeKind{}},
		{"time range", index.Filter{Since: epoch.AddDate(0, 0, 1), Until: epoch.AddDate(0, 0, 1)}, []model.ChangeKind{model.ChangeModifiedBody, model.ChangeAdded}},
		{"offsets", index.Filter{FromOffset: 2, ToOffset: 2}, []model.ChangeKind{model.ChangeModifiedBody, model.ChangeAdded}},
		{"entity up to", index.Filter{EntityKey: "f", ToOffset: 2}, []model.ChangeKind{model.ChangeAdded, model.ChangeModifiedBody}},
		{"unknown entity", index.Filter{EntityKey: "nope"}, []model.ChangeKind{}},
		{"past tail", index.Filter{FromOffset: 9}, []model.ChangeKind{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events, err := index.Collect(ix.Query(tt.filter))
			require.NoError(t, err)
			assert.Equal(t, tt.want, kinds(events))
		})
	}
}

func TestQueryIsBoundToItsView(t *testing.T) {
	t.Parallel()

	ix, commits := linear(t)
	it := ix.Query(index.Filter{EntityKey: "f"})

	d := commit("d", 3, "cat", string(commits[2].ID))
	_, err := ix.Append(context.Background(), d, []model.ChangeEvent{event(d, "f", model.ChangeRemoved)})
	require.NoError(t, err)

	events, err := index.Collect(it)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Len(t, ix.EventsFor("f", 0), 4)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	ix, _ := linear(t)

	assert.Equal(t, []model.EntityKey{"f", "g"}, ix.Keys(0))
	assert.Equal(t, []model.EntityKey{"f"}, ix.Keys(1))
}

func TestConcurrentReadersSeeWholeCommits(t *testing.T) {
	t.Parallel()

	ix := index.New("/repo")
	ctx := context.Background()

	const commits, perCommit = 200, 5

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for ix.LatestOffset() < commits {
				events, err := index.Collect(ix.Query(index.Filter{}))
				if err != nil {
					t.Error(err)

					return
				}

				if len(events)%perCommit != 0 {
					t.Errorf("observed %d events, not a whole number of commits", len(events))

					return
				}
			}
		}()
	}

	parent := ""

	for i := range commits {
		id := fmt.Sprintf("c%03d", i)

		var c model.Commit
		if parent == "" {
			c = commit(id, i, "ann")
		} else {
			c = commit(id, i, "ann", parent)
		}

		events := make([]model.ChangeEvent, perCommit)
		for j := range events {
			events[j] = event(c, fmt.Sprintf("k%d", j), model.ChangeModifiedBody)
		}

		_, err := ix.Append(ctx, c, events)
		require.NoError(t, err)

		parent = id
	}

	wg.Wait()
}

func TestLinksAndDerived(t *testing.T) {
	t.Parallel()

	ix, commits := linear(t)

	link := model.FeatureLink{Commit: commits[0].ID, FeatureID: "#12", Confidence: 0.9, Source: "pattern"}
	ix.AddLinks(commits[0].ID, []model.FeatureLink{link})
	ix.AddLinks(commits[0].ID, []model.FeatureLink{link})

	assert.True(t, ix.Linked(commits[0].ID))
	assert.Equal(t, []model.FeatureLink{link}, ix.Links())

	require.NoError(t, ix.SetDerived(index.Derived{Offset: 3}))
	require.ErrorIs(t, ix.SetDerived(index.Derived{Offset: 4}), model.ErrIndexCorruption)
	assert.Equal(t, int64(3), ix.Derived().Offset)

	ix.SetTip("c", []model.Entity{{Path: "p.go", Kind: model.KindFile}})
	_, ok := ix.Tip("c")
	assert.True(t, ok)
	assert.Equal(t, []model.CommitID{"c"}, ix.TipIDs())

	ix.DropTip("c")
	assert.Empty(t, ix.TipIDs())
}
