package feature_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/feature"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

func msg(id, message string) model.Commit {
	return model.Commit{ID: model.CommitID(id), Message: message}
}

func ids(links []model.FeatureLink) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.FeatureID
	}

	return out
}

func TestPatternLinker(t *testing.T) {
	t.Parallel()

	l, err := feature.NewPatternLinker(feature.DefaultPatterns())
	require.NoError(t, err)

	tests := []struct {
		name    string
		message string
		want    []string
	}{
		{"issue", "Fix login loop (#42)", []string{"#42"}},
		{"repeated issue", "Refs #7, closes #7 and #8", []string{"#7", "#8"}},
		{"ticket", "AUTH-12: rotate tokens", []string{"AUTH-12"}},
		{"scope", "feat(auth): add oauth", []string{"scope:auth"}},
		{"all", "fix(api)!: handle AUTH-3 edge case, see #19", []string{"#19", "AUTH-3", "scope:api"}},
		{"anchors", "color#42 and 2-3 things", nil},
		{"none", "tidy up", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			links, err := l.Link(context.Background(), msg("c1", tt.message))
			require.NoError(t, err)

			if tt.want == nil {
				assert.Empty(t, links)

				return
			}

			assert.Equal(t, tt.want, ids(links))

			for _, link := range links {
				assert.Equal(t, feature.SourcePattern, link.Source)
				assert.Equal(t, model.CommitID("c1"), link.Commit)
			}
		})
	}
}

func TestPatternConfidence(t *testing.T) {
	t.Parallel()

	l, err := feature.NewPatternLinker(feature.DefaultPatterns())
	require.NoError(t, err)

	links, err := l.Link(context.Background(), msg("c1", "feat(core): PAY-1 #2"))
	require.NoError(t, err)
	require.Len(t, links, 3)

	byID := map[string]float64{}
	for _, link := range links {
		byID[link.FeatureID] = link.Confidence
	}

	assert.InDelta(t, 0.9, byID["#2"], 1e-9)
	assert.InDelta(t, 0.8, byID["PAY-1"], 1e-9)
	assert.InDelta(t, 0.5, byID["scope:core"], 1e-9)
}

func TestPatternLinkerRejectsBadPatterns(t *testing.T) {
	t.Parallel()

	_, err := feature.NewPatternLinker([]feature.Pattern{{Name: "bad", Expr: "("}})
	require.Error(t, err)

	_, err = feature.NewPatternLinker([]feature.Pattern{{Name: "flat", Expr: "JIRA"}})
	require.ErrorIs(t, err, feature.ErrNoCaptureGroup)
}

func TestTrackerLinkerWithoutTracker(t *testing.T) {
	t.Parallel()

	links, err := (&feature.TrackerLinker{}).Link(context.Background(), msg("c1", "AUTH-1"))
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestHTTPTracker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tickets", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "abc123", r.URL.Query().Get("commit"))
		assert.Equal(t, "Add SSO", r.URL.Query().Get("message"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"tickets": []map[string]any{
				{"id": "SSO-9", "confidence": 0.7, "title": "Single sign-on"},
				{"id": "", "confidence": 1},
			},
		})
	}))
	defer srv.Close()

	linker := &feature.TrackerLinker{Tracker: feature.NewHTTPTracker(srv.URL+"/", "s3cret")}

	links, err := linker.Link(context.Background(), msg("abc123", "Add SSO\n\nlong body"))
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.FeatureLink{
		Commit: "abc123", FeatureID: "SSO-9", Confidence: 0.7, Source: feature.SourceTracker, Detail: "Single sign-on",
	}, links[0])
}

func TestHTTPTrackerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("commit") == "missing" {
			http.NotFound(w, r)

			return
		}

		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tracker := feature.NewHTTPTracker(srv.URL, "")

	candidates, err := tracker.Lookup(context.Background(), "x", "missing")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = tracker.Lookup(context.Background(), "x", "boom")
	require.ErrorIs(t, err, feature.ErrTrackerStatus)
}

func TestGitHubLinker(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/issues/12", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"number": 12, "title": "Login fails"}`))
	})
	mux.HandleFunc("/repos/acme/app/issues/13", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"number": 13, "title": "Add SSO", "pull_request": {"url": "https://example.com/pr/13"}}`))
	})
	mux.HandleFunc("/repos/acme/app/issues/99", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	client.BaseURL = base

	linker := feature.NewGitHubLinker("acme", "app", "", 1000).WithClient(client)

	links, err := linker.Link(context.Background(), msg("c1", "Merge (#13): fixes #12, #12 and #99"))
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "#13", links[0].FeatureID)
	assert.Equal(t, feature.SourceGitHubPR, links[0].Source)
	assert.Equal(t, "#12", links[1].FeatureID)
	assert.Equal(t, feature.SourceGitHubIssue, links[1].Source)
	assert.InDelta(t, 1.0, links[1].Confidence, 1e-9)
	assert.Equal(t, "Login fails", links[1].Detail)
}

type failing struct{}

func (failing) Link(context.Context, model.Commit) ([]model.FeatureLink, error) {
	return nil, errors.New("tracker down")
}

type fixed []model.FeatureLink

func (f fixed) Link(context.Context, model.Commit) ([]model.FeatureLink, error) { return f, nil }

func TestRegistryKeepsEveryLink(t *testing.T) {
	t.Parallel()

	patterns, err := feature.NewPatternLinker(feature.DefaultPatterns())
	require.NoError(t, err)

	reg := feature.NewRegistry(nil)
	reg.Register("pattern", patterns)
	reg.Register("broken", failing{})
	reg.Register("manual", fixed{{FeatureID: "#5", Confidence: 3}})

	assert.Equal(t, []string{"broken", "manual", "pattern"}, reg.Sources())

	links := reg.Link(context.Background(), msg("c9", "Closes #5"))
	require.Len(t, links, 2)

	assert.Equal(t, "#5", links[0].FeatureID)
	assert.Equal(t, "manual", links[0].Source)
	assert.InDelta(t, 1.0, links[0].Confidence, 1e-9)
	assert.Equal(t, model.CommitID("c9"), links[0].Commit)
	assert.Equal(t, "#5", links[1].FeatureID)
	assert.Equal(t, feature.SourcePattern, links[1].Source)
}

func TestJoin(t *testing.T) {
	t.Parallel()

	join := feature.NewJoin([]model.FeatureLink{
		{Commit: "a", FeatureID: "#1", Confidence: 0.5, Source: "pattern"},
		{Commit: "a", FeatureID: "AUTH-2", Confidence: 0.8, Source: "pattern"},
		{Commit: "b", FeatureID: "#1", Confidence: 1, Source: "github-issue"},
		{Commit: "a", FeatureID: "#1", Confidence: 1, Source: "github-issue"},
	})

	assert.Equal(t, []string{"#1", "AUTH-2"}, join.Features())
	assert.Equal(t, []string{"#1", "AUTH-2", "#1"}, ids(join.ForCommit("a")))

	forFeature := join.ForFeature("#1")
	require.Len(t, forFeature, 3)
	assert.Equal(t, model.CommitID("a"), forFeature[0].Commit)
	assert.Equal(t, model.CommitID("b"), forFeature[1].Commit)
	assert.InDelta(t, 0.5, forFeature[2].Confidence, 1e-9)
	assert.Empty(t, join.ForCommit("zzz"))
}
