// Package classify turns two entity sets, before and after a commit, into
// entity-level change events and carries entity keys across the commit.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Defaults for Classifier.
const (
	DefaultThreshold   = 0.8
	DefaultDiffTimeout = time.Second
	DefaultBudget      = 5 * time.Second
)

// keyLen is the number of hex characters kept from a key digest.
const keyLen = 16

// ErrInvalidThreshold rejects thresholds outside (0,1].
var ErrInvalidThreshold = errors.New("similarity threshold must be in (0,1]")

// Classifier matches entities across a commit.
type Classifier struct {
	// Threshold is the minimum body similarity for a rename or move.
	Threshold float64
	// DiffTimeout bounds a single line diff.
	DiffTimeout time.Duration
	// Budget bounds all similarity scoring of one Classify call. Once it is
	// spent, remaining candidates match only on identical bodies.
	Budget time.Duration
	Logger *slog.Logger
}

// New returns a classifier with default settings.
func New() *Classifier {
	return &Classifier{
		Threshold:   DefaultThreshold,
		DiffTimeout: DefaultDiffTimeout,
		Budget:      DefaultBudget,
	}
}

// Validate checks the configuration.
func (c *Classifier) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return ErrInvalidThreshold
	}

	return nil
}

// Result is the outcome of classifying one commit.
type Result struct {
	Events []model.ChangeEvent
	// Entities is the after set with keys assigned.
	Entities []model.Entity
	// TimedOut is set when the similarity budget ran out; the result then
	// degrades to exact-body matching for the remaining candidates.
	TimedOut bool
	// Unscored lists, in order, the paths holding candidates that were
	// never scored because of a timeout.
	Unscored []string
}

// Err returns model.ErrClassificationTimeout when the budget ran out.
func (r Result) Err() error {
	if r.TimedOut {
		return model.ErrClassificationTimeout
	}

	return nil
}

type pair struct {
	before, after int
	similarity    float64
}

// Classify compares before and after and returns one event per changed
// entity key. Matching runs in two phases. First, key continuity: an after
// entity with the key, or else the identity (path, kind, qualified name), of
// a before entity is the same entity. Second, similarity: remaining entities
// of the same kind pair up when their normalized bodies share at least
// Threshold of their lines. Candidate pairs are taken greedily by highest
// similarity, then smallest span delta, then after path, after qualified
// name, before path and before qualified name, so the outcome is fully
// determined by the two sets.
func (c *Classifier) Classify(commit model.Commit, before, after []model.Entity) Result {
	before = keyed(before)

	matchedBefore := make([]bool, len(before))
	matchedAfter := make([]bool, len(after))
	pairs := make([]pair, 0, len(after))

	byKey := make(map[model.EntityKey]int, len(before))
	byIdentity := make(map[model.Identity]int, len(before))

	for i, e := range before {
		byKey[e.Key] = i
		byIdentity[e.Identity()] = i
	}

	for j, e := range after {
		i, ok := -1, false
		if e.Key != "" {
			i, ok = byKey[e.Key]
		}

		if !ok {
			i, ok = byIdentity[e.Identity()]
		}

		if !ok || matchedBefore[i] {
			continue
		}

		matchedBefore[i], matchedAfter[j] = true, true
		pairs = append(pairs, pair{before: i, after: j, similarity: -1})
	}

	similar, unscored := c.similarPairs(before, after, matchedBefore, matchedAfter)
	pairs = append(pairs, similar...)

	timedOut := len(unscored) > 0
	res := Result{Entities: make([]model.Entity, len(after)), TimedOut: timedOut, Unscored: unscored}
	copy(res.Entities, after)

	for _, p := range pairs {
		b := before[p.before]
		res.Entities[p.after].Key = b.Key

		if ev, changed := c.pairEvent(commit, b, res.Entities[p.after], p.similarity); changed {
			res.Events = append(res.Events, ev)
		}
	}

	for i, b := range before {
		if !matchedBefore[i] {
			res.Events = append(res.Events, removedEvent(commit, b))
		}
	}

	for j := range res.Entities {
		if matchedAfter[j] {
			continue
		}

		e := &res.Entities[j]
		e.Key = NewKey(commit.ID, *e)
		res.Events = append(res.Events, addedEvent(commit, *e))
	}

	sortEvents(res.Events)

	if timedOut && c.Logger != nil {
		c.Logger.Warn("classification budget exceeded", "commit", commit.ID.Short(), "error", model.ErrClassificationTimeout)
	}

	return res
}

// similarPairs returns the chosen pairs and the sorted paths of candidates
// left unscored by a timeout.
func (c *Classifier) similarPairs(before, after []model.Entity, matchedBefore, matchedAfter []bool) ([]pair, []string) {
	var (
		candidates []pair
		timedOut   bool
	)

	unscored := make(map[string]bool)

	deadline := time.Time{}
	if c.Budget > 0 {
		deadline = time.Now().Add(c.Budget)
	}

	for i, b := range before {
		if matchedBefore[i] || b.Body == "" {
			continue
		}

		for j, a := range after {
			if matchedAfter[j] || a.Kind != b.Kind || a.Body == "" {
				continue
			}

			var score float64

			switch {
			case a.BodyFingerprint == b.BodyFingerprint:
				score = 1
			case timedOut || (!deadline.IsZero() && time.Now().After(deadline)):
				timedOut = true
				unscored[b.Path], unscored[a.Path] = true, true

				continue
			default:
				var pairTimedOut bool

				score, pairTimedOut = LineSimilarity(b.Body, a.Body, c.DiffTimeout)
				if pairTimedOut {
					unscored[b.Path], unscored[a.Path] = true, true

					continue
				}
			}

			if score >= c.Threshold {
				candidates = append(candidates, pair{before: i, after: j, similarity: score})
			}
		}
	}

	sort.Slice(candidates, func(x, y int) bool {
		return candidateLess(before, after, candidates[x], candidates[y])
	})

	var chosen []pair

	for _, p := range candidates {
		if matchedBefore[p.before] || matchedAfter[p.after] {
			continue
		}

		matchedBefore[p.before], matchedAfter[p.after] = true, true
		chosen = append(chosen, p)
	}

	paths := slices.Collect(maps.Keys(unscored))
	slices.Sort(paths)

	return chosen, paths
}

func candidateLess(before, after []model.Entity, x, y pair) bool {
	if x.similarity != y.similarity {
		return x.similarity > y.similarity
	}

	dx, dy := spanDelta(before[x.before], after[x.after]), spanDelta(before[y.before], after[y.after])
	if dx != dy {
		return dx < dy
	}

	ax, ay := after[x.after], after[y.after]
	if ax.Path != ay.Path {
		return ax.Path < ay.Path
	}

	if ax.QualifiedName != ay.QualifiedName {
		return ax.QualifiedName < ay.QualifiedName
	}

	bx, by := before[x.before], before[y.before]
	if bx.Path != by.Path {
		return bx.Path < by.Path
	}

	return bx.QualifiedName < by.QualifiedName
}

func spanDelta(b, a model.Entity) int {
	d := b.Span.Lines() - a.Span.Lines()
	if d < 0 {
		return -d
	}

	return d
}

// pairEvent labels a matched pair. similarity is negative when the pair
// was matched by key continuity and has not been scored yet.
func (c *Classifier) pairEvent(commit model.Commit, b, a model.Entity, similarity float64) (model.ChangeEvent, bool) {
	sigChanged := b.SignatureFingerprint != a.SignatureFingerprint
	bodyChanged := b.BodyFingerprint != a.BodyFingerprint

	var kind model.ChangeKind

	switch {
	case b.Name != a.Name:
		kind = model.ChangeRenamed
	case b.Path != a.Path || b.QualifiedName != a.QualifiedName:
		kind = model.ChangeMoved
	case sigChanged && bodyChanged:
		kind = model.ChangeModifiedBoth
	case sigChanged:
		kind = model.ChangeModifiedSignature
	case bodyChanged:
		kind = model.ChangeModifiedBody
	case b.ContentFingerprint != a.ContentFingerprint:
		kind = model.ChangeModifiedBody
	default:
		return model.ChangeEvent{}, false
	}

	ev := baseEvent(commit, a)
	ev.Kind = kind
	ev.BeforePath = b.Path
	ev.BeforeName = b.QualifiedName
	ev.BeforeFingerprint = b.ContentFingerprint
	ev.BeforeMetrics = b.Metrics

	switch kind.Family() {
	case model.ChangeRenamed, model.ChangeMoved:
		if bodyChanged {
			if similarity < 0 {
				similarity, _ = LineSimilarity(b.Body, a.Body, c.DiffTimeout)
			}

			ev.Churn = 1 - similarity
		}
	default:
		whole, _ := LineSimilarity(b.Signature+"\n"+b.Body, a.Signature+"\n"+a.Body, c.DiffTimeout)
		ev.Churn = max(1-whole, minChurn)
	}

	return ev, true
}

// minChurn keeps a content edit from carrying zero weight when every line
// of the shorter side survives.
const minChurn = 0.01

func baseEvent(commit model.Commit, e model.Entity) model.ChangeEvent {
	return model.ChangeEvent{
		Commit:           commit.ID,
		EntityKey:        e.Key,
		EntityKind:       e.Kind,
		Path:             e.Path,
		Name:             e.QualifiedName,
		AfterFingerprint: e.ContentFingerprint,
		AfterMetrics:     e.Metrics,
		Author:           commit.Author.Key(),
		AuthorName:       commit.Author.Name,
		When:             commit.When,
		Fallback:         e.Fallback,
	}
}

func addedEvent(commit model.Commit, e model.Entity) model.ChangeEvent {
	ev := baseEvent(commit, e)
	ev.Kind = model.ChangeAdded
	ev.Churn = 1

	return ev
}

func removedEvent(commit model.Commit, e model.Entity) model.ChangeEvent {
	ev := baseEvent(commit, e)
	ev.Kind = model.ChangeRemoved
	ev.AfterFingerprint = ""
	ev.AfterMetrics = model.Metrics{}
	ev.BeforePath = e.Path
	ev.BeforeName = e.QualifiedName
	ev.BeforeFingerprint = e.ContentFingerprint
	ev.BeforeMetrics = e.Metrics
	ev.Fallback = false

	return ev
}

func sortEvents(events []model.ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}

		if a.EntityKind != b.EntityKind {
			return a.EntityKind.Rank() < b.EntityKind.Rank()
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.Kind < b.Kind
	})
}

// keyed returns before with a key on every entity. Entities that arrive
// without one are keyed by identity alone.
func keyed(entities []model.Entity) []model.Entity {
	out := make([]model.Entity, len(entities))
	copy(out, entities)

	for i := range out {
		if out[i].Key == "" {
			out[i].Key = NewKey("", out[i])
		}
	}

	return out
}

// NewKey derives the key of an entity first seen at commit.
func NewKey(commit model.CommitID, e model.Entity) model.EntityKey {
	h := sha256.New()

	for _, part := range []string{string(commit), string(e.Kind), e.Path, e.QualifiedName} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	return model.EntityKey(hex.EncodeToString(h.Sum(nil))[:keyLen])
}
