package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/gitlib/gitlibtest"
	"github.com/Sumatoshi-tech/lineage/pkg/render"
)

var (
	ann = gitlibtest.Author{Name: "Ann", Email: "ann@example.com"}
	bob = gitlibtest.Author{Name: "Bob", Email: "bob@example.com"}
	day = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

// process renders a Go function of n statements with statement edit
// rewritten.
func process(n, edit int) string {
	var b strings.Builder

	b.WriteString("package calc\n\nfunc process(x int) int {\n")

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

// fixture is a two-commit repository: ann adds process, bob grows it three
// days later. args carries the flags pointing at its config and store.
type fixture struct {
	repo *gitlibtest.Repo
	args []string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	repo := gitlibtest.New(t)

	repo.WriteFile("calc/calc.go", process(7, -1))
	repo.CommitAs(ann, day, "add process (#12)")

	repo.WriteFile("calc/calc.go", process(17, 3))
	repo.CommitAs(bob, day.AddDate(0, 0, 3), "grow process (#13)")

	cfgPath := filepath.Join(t.TempDir(), "lineage.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: warn\n"), 0o600))

	return fixture{
		repo: repo,
		args: []string{"--config", cfgPath, "--repo", repo.Path, "--store", t.TempDir()},
	}
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, f.args...))

	err := cmd.Execute()

	return out.String(), err
}

func (f fixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()

	out, err := f.run(t, args...)
	require.NoError(t, err)

	return out
}

func (f fixture) runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.mustRun(t, append(args, "--format", "json")...)), &body))

	return body
}

func TestIndexIsIncremental(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.Contains(t, f.mustRun(t, "index"), "Indexed 2 commits")
	assert.Contains(t, f.mustRun(t, "index"), "Index up to date (2 commits)")

	f.repo.WriteFile("calc/calc.go", process(17, 5))
	f.repo.CommitAs(ann, day.AddDate(0, 0, 4), "tweak process")

	rep := f.runJSON(t, "index")
	assert.InDelta(t, 1, rep["indexed"], 0)
	assert.InDelta(t, 3, rep["latest_offset"], 0)
}

func TestIndexSinceDate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rep := f.runJSON(t, "index", "--since", "2024-05-03", "--workers", "2")
	assert.InDelta(t, 1, rep["indexed"], 0)
}

func TestIndexRejectsUnknownSince(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.run(t, "index", "--since", "no-such-branch")
	require.Error(t, err)
}

func TestQueries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mustRun(t, "index")

	own := f.runJSON(t, "query", "ownership", "process")
	assert.Equal(t, "ok", own["status"])
	assert.Equal(t, "bob@example.com", own["owner"])

	cx := f.runJSON(t, "query", "complexity", "process")
	assert.Equal(t, "ok", cx["status"])
	assert.Len(t, cx["points"], 2)

	touching := f.mustRun(t, "query", "touching", "process")
	assert.Contains(t, touching, "grow process")
	assert.Contains(t, touching, "#13")

	changed := f.runJSON(t, "query", "changed", "--kind", "added", "--entity-kind", "function", "--to", "2024-05-01")
	assert.Equal(t, "ok", changed["status"])
	assert.Len(t, changed["events"], 1)

	feats := f.runJSON(t, "query", "features", "--feature", "#13")
	assert.Equal(t, "ok", feats["status"])
	assert.Len(t, feats["commits"], 1)

	resolved := f.runJSON(t, "query", "resolve", "calc/calc.go")
	assert.Equal(t, "ok", resolved["status"])

	assert.Contains(t, f.mustRun(t, "query", "ownership", "nothing.here"), "No matching history.")
}

func TestAskAndSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mustRun(t, "index")

	ans := f.runJSON(t, "ask", `who owns "process"?`)
	assert.Equal(t, "ok", ans["status"])
	assert.NotNil(t, ans["ownership"])

	summary := f.mustRun(t, "summary")
	assert.Contains(t, summary, "2 commits")
	assert.Contains(t, summary, "Bob")
}

func TestSummaryOfEmptyIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.Contains(t, f.mustRun(t, "summary"), "Not enough history")
}

func TestQueryFlagErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no features selector", []string{"query", "features"}, ErrFeaturesSelector},
		{"both features selectors", []string{"query", "features", "--commit", "abc", "--feature", "#1"}, ErrFeaturesSelector},
		{"unknown change kind", []string{"query", "changed", "--kind", "deleted"}, ErrUnknownChangeKind},
		{"unknown entity kind", []string{"query", "changed", "--entity-kind", "method"}, ErrUnknownEntityKind},
		{"unknown format", []string{"summary", "--format", "xml"}, render.ErrUnknownFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.run(t, tt.args...)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlotWritesHTML(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mustRun(t, "index")

	output := filepath.Join(t.TempDir(), "charts", "process.html")

	out := f.mustRun(t, "plot", "process", "--output", output)
	assert.Contains(t, out, output)

	html, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Ownership of process")
	assert.Contains(t, string(html), "Complexity of process")

	_, err = f.run(t, "plot", "nothing.here", "--output", output)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestMCPCommand(t *testing.T) {
	t.Parallel()

	cmd, _, err := NewRootCommand().Find([]string{"mcp"})
	require.NoError(t, err)
	assert.Equal(t, "mcp", cmd.Use)
	assert.NotEmpty(t, cmd.Long)

	flag := cmd.Flags().Lookup("debug")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.ElementsMatch(t, []string{"index", "query", "ask", "summary", "plot", "mcp"}, names)

	for _, flag := range []string{"config", "repo", "store", "backend", "no-color"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestIndexReportsRepositoryErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	errOpen := errors.New("not a repository")

	cmd := newRootCommandWithDeps(func(string) (Repository, func(), error) {
		return nil, nil, errOpen
	})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"index"}, f.args...))

	require.ErrorIs(t, cmd.Execute(), errOpen)
}
