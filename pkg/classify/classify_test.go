package classify_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/classify"
	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

var testCommit = model.Commit{
	ID:     "c0ffee0000000000000000000000000000000000",
	Author: model.Signature{Name: "Ada", Email: "Ada@Example.com"},
	When:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
}

func extractGo(t *testing.T, path, src string) []model.Entity {
	t.Helper()

	entities := extract.NewRegistry().Extract(context.Background(), path, []byte(src), "")
	require.NotEmpty(t, entities)

	for _, e := range entities {
		require.False(t, e.Fallback, "unexpected fallback for %s: %s", path, e.FallbackReason)
	}

	return entities
}

// longBody renders a function with n statement lines.
func longBody(name string, n int, edit int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "func %s(x int) int {\n", name)

	for i := range n {
		if i == edit {
			fmt.Fprintf(&b, "\tx = x * %d\n", i+100)

			continue
		}

		fmt.Fprintf(&b, "\tx = x + %d\n", i)
	}

	b.WriteString("\treturn x\n}\n")

	return b.String()
}

func events(t *testing.T, res classify.Result, kind model.EntityKind) map[string]model.ChangeEvent {
	t.Helper()

	out := make(map[string]model.ChangeEvent)

	for _, ev := range res.Events {
		if ev.EntityKind == kind {
			_, dup := out[ev.Name]
			require.False(t, dup, "duplicate event for %s", ev.Name)
			out[ev.Name] = ev
		}
	}

	return out
}

func keyOf(entities []model.Entity, qualified string) model.EntityKey {
	for _, e := range entities {
		if e.QualifiedName == qualified {
			return e.Key
		}
	}

	return ""
}

func TestClassifyIdenticalSnapshots(t *testing.T) {
	t.Parallel()

	src := "package p\n\n" + longBody("f", 5, -1)
	c := classify.New()

	first := c.Classify(testCommit, nil, extractGo(t, "p.go", src))
	require.NotEmpty(t, first.Events)

	second := c.Classify(testCommit, first.Entities, extractGo(t, "p.go", src))
	assert.Empty(t, second.Events)
	assert.Equal(t, first.Entities, second.Entities)
	assert.NoError(t, second.Err())
}

func TestClassifyAddedAndRemoved(t *testing.T) {
	t.Parallel()

	c := classify.New()
	base := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+longBody("f", 3, -1)))

	added := events(t, base, model.KindFunction)
	require.Contains(t, added, "f")
	assert.Equal(t, model.ChangeAdded, added["f"].Kind)
	assert.InDelta(t, 1.0, added["f"].Churn, 1e-9)
	assert.Equal(t, "ada@example.com", added["f"].Author)
	assert.NotEmpty(t, added["f"].EntityKey)

	gone := c.Classify(testCommit, base.Entities, extractGo(t, "p.go", "package p\n\nvar X = 1\n"))
	removed := events(t, gone, model.KindFunction)
	require.Contains(t, removed, "f")
	assert.Equal(t, model.ChangeRemoved, removed["f"].Kind)
	assert.Equal(t, added["f"].EntityKey, removed["f"].EntityKey)
	assert.Zero(t, removed["f"].Churn)
}

func TestClassifyRenameKeepsKey(t *testing.T) {
	t.Parallel()

	c := classify.New()
	base := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+longBody("f", 20, -1)))

	// Rename and edit one of twenty-two body lines.
	res := c.Classify(testCommit, base.Entities, extractGo(t, "p.go", "package p\n\n"+longBody("g", 20, 7)))

	fn := events(t, res, model.KindFunction)
	require.Len(t, fn, 1)
	require.Contains(t, fn, "g")

	ev := fn["g"]
	assert.Equal(t, model.ChangeRenamed, ev.Kind)
	assert.Equal(t, "f", ev.BeforeName)
	assert.Equal(t, keyOf(base.Entities, "f"), ev.EntityKey)
	assert.Equal(t, ev.EntityKey, keyOf(res.Entities, "g"))
	assert.Greater(t, ev.Churn, 0.0)
	assert.Less(t, ev.Churn, 0.2)
}

func TestClassifyPureRenameHasNoChurn(t *testing.T) {
	t.Parallel()

	c := classify.New()
	base := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+longBody("f", 8, -1)))
	res := c.Classify(testCommit, base.Entities, extractGo(t, "p.go", "package p\n\n"+longBody("g", 8, -1)))

	fn := events(t, res, model.KindFunction)
	require.Contains(t, fn, "g")
	assert.Equal(t, model.ChangeRenamed, fn["g"].Kind)
	assert.Zero(t, fn["g"].Churn)
}

func TestClassifyModifiedVariants(t *testing.T) {
	t.Parallel()

	base := "package p\n\nfunc f(a int) int {\n\treturn a + 1\n}\n"

	tests := []struct {
		name string
		src  string
		want model.ChangeKind
	}{
		{"signature", "package p\n\nfunc f(a, b int) int {\n\treturn a + 1\n}\n", model.ChangeModifiedSignature},
		{"body", "package p\n\nfunc f(a int) int {\n\treturn a + 2\n}\n", model.ChangeModifiedBody},
		{"both", "package p\n\nfunc f(a, b int) int {\n\treturn a + b\n}\n", model.ChangeModifiedBoth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := classify.New()
			prev := c.Classify(testCommit, nil, extractGo(t, "p.go", base))
			res := c.Classify(testCommit, prev.Entities, extractGo(t, "p.go", tt.src))

			fn := events(t, res, model.KindFunction)
			require.Contains(t, fn, "f")
			assert.Equal(t, tt.want, fn["f"].Kind)
			assert.True(t, fn["f"].Kind.Matches(model.ChangeModified))
			assert.Greater(t, fn["f"].Churn, 0.0)
			assert.LessOrEqual(t, fn["f"].Churn, 1.0)
		})
	}
}

func TestClassifyCommentOnlyChangeIsQuiet(t *testing.T) {
	t.Parallel()

	c := classify.New()
	prev := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\nfunc f() int {\n\treturn 1\n}\n"))
	res := c.Classify(testCommit, prev.Entities,
		extractGo(t, "p.go", "package p\n\n// f returns one.\nfunc f() int {\n\t// one\n\treturn   1\n}\n"))

	assert.Empty(t, res.Events)
}

func TestClassifyMovedAcrossFiles(t *testing.T) {
	t.Parallel()

	c := classify.New()
	prev := c.Classify(testCommit, nil, append(
		extractGo(t, "a.go", "package p\n\n"+longBody("f", 10, -1)),
		extractGo(t, "b.go", "package p\n\nvar Y = 2\n")...,
	))

	res := c.Classify(testCommit, prev.Entities, append(
		extractGo(t, "a.go", "package p\n\nvar X = 1\n"),
		extractGo(t, "b.go", "package p\n\nvar Y = 2\n\n"+longBody("f", 10, -1))...,
	))

	fn := events(t, res, model.KindFunction)
	require.Len(t, fn, 1)
	require.Contains(t, fn, "f")
	assert.Equal(t, model.ChangeMoved, fn["f"].Kind)
	assert.Equal(t, "a.go", fn["f"].BeforePath)
	assert.Equal(t, "b.go", fn["f"].Path)
	assert.Equal(t, keyOf(prev.Entities, "f"), fn["f"].EntityKey)
}

func TestClassifyFileRename(t *testing.T) {
	t.Parallel()

	src := "package p\n\n" + longBody("f", 10, -1)
	c := classify.New()
	prev := c.Classify(testCommit, nil, extractGo(t, "old.go", src))
	res := c.Classify(testCommit, prev.Entities, extractGo(t, "new.go", src))

	files := events(t, res, model.KindFile)
	require.Contains(t, files, "new.go")
	assert.Equal(t, model.ChangeRenamed, files["new.go"].Kind)
	assert.Equal(t, "old.go", files["new.go"].BeforePath)

	fn := events(t, res, model.KindFunction)
	assert.Equal(t, model.ChangeMoved, fn["f"].Kind)
}

func TestClassifyBelowThresholdIsAddRemove(t *testing.T) {
	t.Parallel()

	c := classify.New()
	prev := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+longBody("f", 4, -1)))
	res := c.Classify(testCommit, prev.Entities,
		extractGo(t, "p.go", "package p\n\nfunc g(s string) string {\n\treturn s + \"!\"\n}\n"))

	fn := events(t, res, model.KindFunction)
	assert.Equal(t, model.ChangeRemoved, fn["f"].Kind)
	assert.Equal(t, model.ChangeAdded, fn["g"].Kind)
	assert.NotEqual(t, fn["f"].EntityKey, fn["g"].EntityKey)
}

func TestClassifyDeterministicTieBreak(t *testing.T) {
	t.Parallel()

	body := longBody("orig", 6, -1)
	c := classify.New()
	prev := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+body))

	// Two equally similar copies replace the original; the copy at the
	// smaller qualified name inherits the key.
	next := "package p\n\n" + longBody("zeta", 6, -1) + "\n" + longBody("alpha", 6, -1)

	var first classify.Result

	for i := range 5 {
		res := c.Classify(testCommit, prev.Entities, extractGo(t, "p.go", next))
		if i == 0 {
			first = res
		}

		assert.Equal(t, first.Events, res.Events)
	}

	fn := events(t, first, model.KindFunction)
	assert.Equal(t, model.ChangeRenamed, fn["alpha"].Kind)
	assert.Equal(t, keyOf(prev.Entities, "orig"), fn["alpha"].EntityKey)
	assert.Equal(t, model.ChangeAdded, fn["zeta"].Kind)
}

func TestClassifyBudgetExceeded(t *testing.T) {
	t.Parallel()

	c := classify.New()
	prev := c.Classify(testCommit, nil, extractGo(t, "p.go", "package p\n\n"+longBody("f", 10, -1)))

	c.Budget = time.Nanosecond
	res := c.Classify(testCommit, prev.Entities, extractGo(t, "p.go", "package p\n\n"+longBody("g", 10, 3)))

	// Without scoring, an edited rename degrades to remove plus add; the
	// path is reported so callers can fall back to the file level.
	fn := events(t, res, model.KindFunction)
	assert.Equal(t, model.ChangeRemoved, fn["f"].Kind)
	assert.Equal(t, model.ChangeAdded, fn["g"].Kind)
	assert.True(t, res.TimedOut)
	assert.Equal(t, []string{"p.go"}, res.Unscored)
	require.ErrorIs(t, res.Err(), model.ErrClassificationTimeout)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	c := classify.New()
	require.NoError(t, c.Validate())

	c.Threshold = 0
	require.ErrorIs(t, c.Validate(), classify.ErrInvalidThreshold)

	c.Threshold = 1.5
	require.ErrorIs(t, c.Validate(), classify.ErrInvalidThreshold)
}

func TestNewKeyIsStable(t *testing.T) {
	t.Parallel()

	e := model.Entity{Path: "p.go", Kind: model.KindFunction, QualifiedName: "f"}

	assert.Equal(t, classify.NewKey("c1", e), classify.NewKey("c1", e))
	assert.NotEqual(t, classify.NewKey("c1", e), classify.NewKey("c2", e))
	assert.Len(t, string(classify.NewKey("c1", e)), 16)
}

func TestLineSimilarity(t *testing.T) {
	t.Parallel()

	score, timedOut := classify.LineSimilarity("a\nb\nc\nd", "a\nb\nc\nd", time.Second)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.False(t, timedOut)

	score, _ = classify.LineSimilarity("a\nb\nc\nd", "a\nb\nc\nx", time.Second)
	assert.InDelta(t, 0.75, score, 1e-9)

	score, _ = classify.LineSimilarity("a\nb", "a\nb\nc\nd", time.Second)
	assert.InDelta(t, 0.5, score, 1e-9)

	score, _ = classify.LineSimilarity("", "a", time.Second)
	assert.Zero(t, score)
}
