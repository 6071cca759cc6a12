// Package feature links commits to external feature identifiers: issue
// references, ticket keys and tracker records.
package feature

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Linker proposes feature links for a commit.
type Linker interface {
	Link(ctx context.Context, commit model.Commit) ([]model.FeatureLink, error)
}

// Registry holds the configured linkers keyed by source name.
type Registry struct {
	mu      sync.RWMutex
	linkers map[string]Linker
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{linkers: make(map[string]Linker), logger: logger}
}

// Register adds or replaces the linker for source.
func (r *Registry) Register(source string, linker Linker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.linkers[source] = linker
}

// Sources returns the registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.linkers))
	for s := range r.linkers {
		sources = append(sources, s)
	}

	slices.Sort(sources)

	return sources
}

// Link runs every linker in source order and keeps all of their links,
// including links to the same feature from different sources. A failing
// linker is logged and skipped.
func (r *Registry) Link(ctx context.Context, commit model.Commit) []model.FeatureLink {
	var out []model.FeatureLink

	for _, source := range r.Sources() {
		r.mu.RLock()
		linker := r.linkers[source]
		r.mu.RUnlock()

		links, err := linker.Link(ctx, commit)
		if err != nil {
			r.logger.Warn("feature lookup failed", "source", source, "commit", commit.ID.Short(), "error", err)

			continue
		}

		for _, l := range links {
			l.Commit = commit.ID
			if l.Source == "" {
				l.Source = source
			}

			l.Confidence = min(max(l.Confidence, 0), 1)
			out = append(out, l)
		}
	}

	return out
}

// Join indexes links both ways.
type Join struct {
	byCommit  map[model.CommitID][]model.FeatureLink
	byFeature map[string][]model.FeatureLink
}

// NewJoin builds a join over links.
func NewJoin(links []model.FeatureLink) *Join {
	j := &Join{
		byCommit:  make(map[model.CommitID][]model.FeatureLink),
		byFeature: make(map[string][]model.FeatureLink),
	}

	for _, l := range links {
		j.byCommit[l.Commit] = append(j.byCommit[l.Commit], l)
		j.byFeature[l.FeatureID] = append(j.byFeature[l.FeatureID], l)
	}

	for _, ls := range j.byCommit {
		rank(ls)
	}

	for _, ls := range j.byFeature {
		rank(ls)
	}

	return j
}

// rank orders by confidence, then source, feature and commit.
func rank(links []model.FeatureLink) {
	sort.SliceStable(links, func(i, k int) bool {
		a, b := links[i], links[k]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}

		if a.Source != b.Source {
			return a.Source < b.Source
		}

		if a.FeatureID != b.FeatureID {
			return a.FeatureID < b.FeatureID
		}

		return a.Commit < b.Commit
	})
}

// ForCommit returns the links of a commit, best first.
func (j *Join) ForCommit(id model.CommitID) []model.FeatureLink {
	return slices.Clone(j.byCommit[id])
}

// ForFeature returns the links to a feature, best first.
func (j *Join) ForFeature(featureID string) []model.FeatureLink {
	return slices.Clone(j.byFeature[featureID])
}

// Features returns every linked feature id, sorted.
func (j *Join) Features() []string {
	ids := make([]string, 0, len(j.byFeature))
	for id := range j.byFeature {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
