// Package query is the read API over the history index, the aggregator and
// the feature join. Missing data is reported through Status, never as an
// error.
package query

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/feature"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Status qualifies a result.
type Status string

// Result statuses.
const (
	StatusOK           Status = "ok"
	StatusNotFound     Status = "not_found"
	StatusInsufficient Status = "insufficient_data"
)

// Facade answers history questions.
type Facade struct {
	ix       *index.Index
	agg      *aggregate.Aggregator
	join     *feature.Join
	embedder Embedder
}

// New returns a facade. The feature join is built from the links stored in
// the index.
func New(ix *index.Index, agg *aggregate.Aggregator) *Facade {
	return &Facade{ix: ix, agg: agg, join: feature.NewJoin(ix.Links())}
}

// Match selects entities by name or path. Name and Path match as
// case-insensitive substrings; zero fields match everything.
type Match struct {
	Name       string           `json:"name,omitempty"`
	Path       string           `json:"path,omitempty"`
	EntityKind model.EntityKind `json:"entity_kind,omitempty"`
	Kind       model.ChangeKind `json:"kind,omitempty"`
	Author     string           `json:"author,omitempty"`
}

func (m Match) filter() index.Filter {
	return index.Filter{EntityKind: m.EntityKind, Kind: m.Kind, Author: m.Author}
}

func (m Match) matches(ev model.ChangeEvent) bool {
	return containsFold(ev.Name, m.Name) && containsFold(ev.Path, m.Path)
}

func containsFold(s, sub string) bool {
	return sub == "" || strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// ChangedResult lists the matching events in a time range.
type ChangedResult struct {
	Status Status              `json:"status"`
	Events []model.ChangeEvent `json:"events,omitempty"`
	// Entities counts matching events per entity key.
	Entities map[model.EntityKey]int `json:"entities,omitempty"`
}

// ChangedBetween returns the events of matching entities between from and
// to, both inclusive. A zero bound is open.
func (f *Facade) ChangedBetween(match Match, from, to time.Time) ChangedResult {
	if f.ix.LatestOffset() == 0 {
		return ChangedResult{Status: StatusInsufficient}
	}

	filter := match.filter()
	filter.Since, filter.Until = from, to

	it := f.ix.Query(filter)
	res := ChangedResult{Status: StatusNotFound, Entities: make(map[model.EntityKey]int)}

	for {
		ev, err := it.Next()
		if err != nil {
			break
		}

		if match.matches(ev) {
			res.Events = append(res.Events, ev)
			res.Entities[ev.EntityKey]++
		}
	}

	if len(res.Events) > 0 {
		res.Status = StatusOK
	}

	return res
}

// OwnershipResult is the ownership series of one entity.
type OwnershipResult struct {
	Status    Status                    `json:"status"`
	EntityKey model.EntityKey           `json:"entity_key"`
	Snapshots []model.OwnershipSnapshot `json:"snapshots,omitempty"`
	// Current is the latest distribution.
	Current map[string]float64 `json:"current,omitempty"`
	Owner   string             `json:"owner,omitempty"`
}

// ComplexityResult is the complexity series of one entity.
type ComplexityResult struct {
	Status    Status                  `json:"status"`
	EntityKey model.EntityKey         `json:"entity_key"`
	Points    []model.ComplexityPoint `json:"points,omitempty"`
	// Change is the score difference between the first and last point.
	Change float64 `json:"change"`
}

// series returns the derived artifacts of key, from the stored derived
// state when it is current and by recomputation otherwise.
func (f *Facade) series(ctx context.Context, key model.EntityKey) (aggregate.Result, error) {
	if d := f.ix.Derived(); d.Offset > 0 && d.Offset == f.ix.LatestOffset() {
		res := aggregate.Result{EntityKey: key}

		for _, s := range d.Ownership {
			if s.EntityKey == key {
				res.Ownership = append(res.Ownership, s)
			}
		}

		for _, p := range d.Complexity {
			if p.EntityKey == key {
				res.Complexity = append(res.Complexity, p)
			}
		}

		return res, nil
	}

	return f.agg.Recompute(ctx, key, 0)
}

// OwnershipOverTime returns the ownership snapshots of an entity.
func (f *Facade) OwnershipOverTime(ctx context.Context, key model.EntityKey) (OwnershipResult, error) {
	res := OwnershipResult{Status: StatusNotFound, EntityKey: key}

	series, err := f.series(ctx, key)
	if err != nil {
		return res, fmt.Errorf("ownership of %s: %w", key, err)
	}

	latest, ok := series.Latest()
	if !ok {
		return res, nil
	}

	res.Status = StatusOK
	res.Snapshots = series.Ownership
	res.Current = latest.Weights
	res.Owner, _ = latest.Top()

	return res, nil
}

// ComplexityTrend returns the complexity points of an entity. A trend
// needs two points; a single point is insufficient data.
func (f *Facade) ComplexityTrend(ctx context.Context, key model.EntityKey) (ComplexityResult, error) {
	res := ComplexityResult{Status: StatusNotFound, EntityKey: key}

	series, err := f.series(ctx, key)
	if err != nil {
		return res, fmt.Errorf("complexity of %s: %w", key, err)
	}

	res.Points = series.Complexity

	switch len(res.Points) {
	case 0:
		return res, nil
	case 1:
		res.Status = StatusInsufficient
	default:
		res.Status = StatusOK
	}

	res.Change = res.Points[len(res.Points)-1].Score - res.Points[0].Score

	return res, nil
}

// Touch is a commit that changed an entity.
type Touch struct {
	Offset   int64               `json:"offset"`
	Commit   model.Commit        `json:"commit"`
	Kind     model.ChangeKind    `json:"kind"`
	Path     string              `json:"path"`
	Name     string              `json:"name"`
	Churn    float64             `json:"churn"`
	Features []model.FeatureLink `json:"features,omitempty"`
}

// TouchingResult lists the commits that changed an entity.
type TouchingResult struct {
	Status    Status          `json:"status"`
	EntityKey model.EntityKey `json:"entity_key"`
	Commits   []Touch         `json:"commits,omitempty"`
}

// CommitsTouching returns every commit that changed key, oldest first,
// annotated with the change kind and linked features.
func (f *Facade) CommitsTouching(key model.EntityKey) TouchingResult {
	res := TouchingResult{Status: StatusNotFound, EntityKey: key}

	for _, ev := range f.ix.EventsFor(key, 0) {
		rec, ok := f.ix.Commit(ev.Offset)
		if !ok {
			continue
		}

		res.Commits = append(res.Commits, Touch{
			Offset:   ev.Offset,
			Commit:   rec.Commit,
			Kind:     ev.Kind,
			Path:     ev.Path,
			Name:     ev.Name,
			Churn:    ev.Churn,
			Features: f.join.ForCommit(ev.Commit),
		})
	}

	if len(res.Commits) > 0 {
		res.Status = StatusOK
	}

	return res
}

// FeaturesResult lists feature links.
type FeaturesResult struct {
	Status  Status              `json:"status"`
	Links   []model.FeatureLink `json:"links,omitempty"`
	Commits []model.Commit      `json:"commits,omitempty"`
}

// FeaturesForCommit returns the links of a commit, best first.
func (f *Facade) FeaturesForCommit(id model.CommitID) FeaturesResult {
	off, ok := f.ix.Offset(id)
	if !ok {
		return FeaturesResult{Status: StatusNotFound}
	}

	res := FeaturesResult{Status: StatusOK, Links: f.join.ForCommit(id)}
	if rec, ok := f.ix.Commit(off); ok {
		res.Commits = []model.Commit{rec.Commit}
	}

	if len(res.Links) == 0 && !f.ix.Linked(id) {
		res.Status = StatusInsufficient
	}

	return res
}

// CommitsForFeature returns the commits linked to a feature.
func (f *Facade) CommitsForFeature(featureID string) FeaturesResult {
	links := f.join.ForFeature(featureID)
	if len(links) == 0 {
		return FeaturesResult{Status: StatusNotFound}
	}

	res := FeaturesResult{Status: StatusOK, Links: links}
	seen := make(map[model.CommitID]bool)

	for _, l := range links {
		if seen[l.Commit] {
			continue
		}

		seen[l.Commit] = true

		if off, ok := f.ix.Offset(l.Commit); ok {
			rec, _ := f.ix.Commit(off)
			res.Commits = append(res.Commits, rec.Commit)
		}
	}

	return res
}

// EntityRef describes an entity found in the ledger.
type EntityRef struct {
	Key        model.EntityKey  `json:"key"`
	EntityKind model.EntityKind `json:"entity_kind"`
	Path       string           `json:"path"`
	Name       string           `json:"name"`
	Events     int              `json:"events"`
	LastSeen   time.Time        `json:"last_seen"`
	Removed    bool             `json:"removed,omitempty"`
}

// ResolveResult lists entity candidates for a free-text reference.
type ResolveResult struct {
	Status     Status      `json:"status"`
	Candidates []EntityRef `json:"candidates,omitempty"`
}

// ResolveEntity finds entities by key, name or path. Exact name matches
// rank first, then live entities, then the most changed ones.
func (f *Facade) ResolveEntity(text string) ResolveResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return ResolveResult{Status: StatusNotFound}
	}

	if events := f.ix.EventsFor(model.EntityKey(text), 0); len(events) > 0 {
		return ResolveResult{Status: StatusOK, Candidates: []EntityRef{refOf(events)}}
	}

	byKey := make(map[model.EntityKey][]model.ChangeEvent)
	it := f.ix.Query(index.Filter{})

	for {
		ev, err := it.Next()
		if err != nil {
			break
		}

		byKey[ev.EntityKey] = append(byKey[ev.EntityKey], ev)
	}

	var refs []EntityRef

	for _, events := range byKey {
		if slices.ContainsFunc(events, func(ev model.ChangeEvent) bool {
			return containsFold(ev.Name, text) || containsFold(ev.Path, text)
		}) {
			refs = append(refs, refOf(events))
		}
	}

	if len(refs) == 0 {
		return ResolveResult{Status: StatusNotFound}
	}

	lower := strings.ToLower(text)

	sort.Slice(refs, func(i, j int) bool {
		ei, ej := exact(refs[i], lower), exact(refs[j], lower)
		if ei != ej {
			return ei
		}

		if refs[i].Removed != refs[j].Removed {
			return !refs[i].Removed
		}

		if refs[i].Events != refs[j].Events {
			return refs[i].Events > refs[j].Events
		}

		return refs[i].Key < refs[j].Key
	})

	return ResolveResult{Status: StatusOK, Candidates: refs}
}

func exact(ref EntityRef, lower string) bool {
	name := strings.ToLower(ref.Name)

	if ref.EntityKind == model.KindFile {
		return strings.ToLower(ref.Path) == lower
	}

	return name == lower || strings.HasSuffix(name, "."+lower)
}

func refOf(events []model.ChangeEvent) EntityRef {
	last := events[len(events)-1]

	return EntityRef{
		Key:        last.EntityKey,
		EntityKind: last.EntityKind,
		Path:       last.Path,
		Name:       last.Name,
		Events:     len(events),
		LastSeen:   last.When,
		Removed:    last.Kind == model.ChangeRemoved,
	}
}
