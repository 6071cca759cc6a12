// Package aggregate folds the change events of an entity into its ownership
// distribution and complexity series.
//
// The fold is incremental: the accumulator after offset N, folded with the
// events after N, equals the accumulator recomputed from the first event.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Defaults for Aggregator.
const (
	DefaultBucket   = 24 * time.Hour
	DefaultHalfLife = 90 * 24 * time.Hour
)

// Configuration errors.
var (
	ErrInvalidBucket   = errors.New("bucket must be positive")
	ErrInvalidHalfLife = errors.New("half-life must be positive")
)

var versionSpace = uuid.MustParse("5a0f7a1e-3c1d-4c55-9d7e-6c1a2b8e4f10")

// Ledger is the read side of the History Index the aggregator consumes.
type Ledger interface {
	EventsFor(key model.EntityKey, upTo int64) []model.ChangeEvent
	Keys(upTo int64) []model.EntityKey
	LatestOffset() int64
	Query(f index.Filter) *index.EventIter
}

// Aggregator computes ownership snapshots and complexity points.
type Aggregator struct {
	Ledger   Ledger
	Bucket   time.Duration
	HalfLife time.Duration
	Weights  Weights
	// Workers bounds parallel recomputation; zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// New returns an aggregator with default settings.
func New(ledger Ledger) *Aggregator {
	return &Aggregator{
		Ledger:   ledger,
		Bucket:   DefaultBucket,
		HalfLife: DefaultHalfLife,
		Weights:  DefaultWeights(),
		Logger:   slog.Default(),
	}
}

// Validate checks the configuration.
func (a *Aggregator) Validate() error {
	if a.Bucket <= 0 {
		return ErrInvalidBucket
	}

	if a.HalfLife <= 0 {
		return ErrInvalidHalfLife
	}

	return a.Weights.Validate()
}

// Result is the derived series of one entity.
type Result struct {
	EntityKey  model.EntityKey
	State      model.FoldState
	Ownership  []model.OwnershipSnapshot
	Complexity []model.ComplexityPoint
}

// Latest returns the most recent ownership snapshot.
func (r Result) Latest() (model.OwnershipSnapshot, bool) {
	if len(r.Ownership) == 0 {
		return model.OwnershipSnapshot{}, false
	}

	return r.Ownership[len(r.Ownership)-1], true
}

func (a *Aggregator) bucketOf(t time.Time) int64 {
	return int64(math.Floor(float64(t.UnixNano()) / float64(a.Bucket.Nanoseconds())))
}

func (a *Aggregator) bucketStart(b int64) time.Time {
	return time.Unix(0, b*a.Bucket.Nanoseconds()).UTC()
}

// decay is the factor applied to existing weights after elapsed buckets.
func (a *Aggregator) decay(elapsed int64) float64 {
	if elapsed <= 0 {
		return 1
	}

	halfLife := float64(a.HalfLife) / float64(a.Bucket)

	return math.Pow(0.5, float64(elapsed)/halfLife) //nolint:mnd // half
}

// Fold applies one event to state and returns the new state together with
// the complexity point it produces. state is not modified.
func (a *Aggregator) Fold(state model.FoldState, ev model.ChangeEvent) (model.FoldState, model.ComplexityPoint) {
	next := state.Clone()
	if next.Weights == nil {
		next.Weights = make(map[string]float64)
	}

	next.EntityKey = ev.EntityKey
	next.Offset = ev.Offset

	bucket := a.bucketOf(ev.When)

	if next.Started {
		if factor := a.decay(bucket - next.Bucket); factor != 1 {
			for author := range next.Weights {
				next.Weights[author] *= factor
			}
		}

		// Clock skew never moves the bucket backwards.
		next.Bucket = max(next.Bucket, bucket)
	} else {
		next.Started = true
		next.Bucket = bucket
	}

	prevScore := next.Score

	if ev.Kind == model.ChangeRemoved {
		next.Alive = false
		next.Score = 0
	} else {
		phi := churn(ev)
		size := max(float64(ev.AfterMetrics.Lines), 1)

		// Anonymous changes count for complexity but not ownership.
		if phi > 0 && ev.Author != "" {
			for author := range next.Weights {
				next.Weights[author] *= 1 - phi
			}

			next.Weights[ev.Author] += phi * size
		}

		next.Alive = true
		next.Score = a.Weights.Score(ev.AfterMetrics)
	}

	if ev.Author != "" {
		next.LastAuthor = ev.Author
	}

	point := model.ComplexityPoint{
		EntityKey: ev.EntityKey,
		Commit:    ev.Commit,
		Offset:    ev.Offset,
		When:      ev.When,
		Kind:      ev.Kind,
		Score:     next.Score,
		Delta:     next.Score - prevScore,
	}

	return next, point
}

func churn(ev model.ChangeEvent) float64 {
	if ev.Kind == model.ChangeAdded {
		return 1
	}

	return min(max(ev.Churn, 0), 1)
}

// snapshot normalizes the weights of state into an ownership snapshot.
func (a *Aggregator) snapshot(state model.FoldState) model.OwnershipSnapshot {
	snap := model.OwnershipSnapshot{
		EntityKey:   state.EntityKey,
		Bucket:      state.Bucket,
		BucketStart: a.bucketStart(state.Bucket),
		Offset:      state.Offset,
		Weights:     make(map[string]float64, len(state.Weights)),
	}

	total := 0.0
	for _, w := range state.Weights {
		total += w
	}

	if total <= 0 {
		snap.Weights[state.LastAuthor] = 1
	} else {
		for author, w := range state.Weights {
			if w > 0 {
				snap.Weights[author] = w / total
			}
		}
	}

	snap.Version = version(snap)

	return snap
}

// version names a snapshot by its content, so recomputing the same
// history always yields the same version.
func version(snap model.OwnershipSnapshot) string {
	authors := make([]string, 0, len(snap.Weights))
	for author := range snap.Weights {
		authors = append(authors, author)
	}

	slices.Sort(authors)

	var b strings.Builder

	b.WriteString(string(snap.EntityKey))
	b.WriteString("|" + strconv.FormatInt(snap.Offset, 10))
	b.WriteString("|" + strconv.FormatInt(snap.Bucket, 10))

	for _, author := range authors {
		b.WriteString("|" + author + "=" + strconv.FormatFloat(snap.Weights[author], 'g', -1, 64))
	}

	return uuid.NewSHA1(versionSpace, []byte(b.String())).String()
}

// Resume folds events, which must follow prior's offset, into prior.
func (a *Aggregator) Resume(prior Result, events []model.ChangeEvent) Result {
	out := Result{
		EntityKey:  prior.EntityKey,
		State:      prior.State,
		Ownership:  slices.Clone(prior.Ownership),
		Complexity: slices.Clone(prior.Complexity),
	}

	for _, ev := range events {
		if ev.Offset <= out.State.Offset && out.State.Started {
			continue
		}

		if out.EntityKey == "" {
			out.EntityKey = ev.EntityKey
		}

		var point model.ComplexityPoint

		out.State, point = a.Fold(out.State, ev)
		out.Complexity = append(out.Complexity, point)

		snap := a.snapshot(out.State)
		if n := len(out.Ownership); n > 0 && out.Ownership[n-1].Bucket == snap.Bucket {
			out.Ownership[n-1] = snap
		} else {
			out.Ownership = append(out.Ownership, snap)
		}
	}

	return out
}

// Recompute folds every event of key up to offset upTo (0 means the whole
// ledger) from scratch.
func (a *Aggregator) Recompute(ctx context.Context, key model.EntityKey, upTo int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return a.Resume(Result{EntityKey: key}, a.Ledger.EventsFor(key, upTo)), nil
}

func (a *Aggregator) workers() int {
	if a.Workers > 0 {
		return a.Workers
	}

	return runtime.GOMAXPROCS(0)
}

// RecomputeAll recomputes keys in parallel. Results follow the order of keys.
func (a *Aggregator) RecomputeAll(ctx context.Context, keys []model.EntityKey, upTo int64) ([]Result, error) {
	results := make([]Result, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())

	for i, key := range keys {
		g.Go(func() error {
			res, err := a.Recompute(gctx, key, upTo)
			if err != nil {
				return fmt.Errorf("recompute %s: %w", key, err)
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Update extends prior, the derived artifacts computed up to prior.Offset,
// with the ledger events up to upTo (0 means the latest offset). Only keys
// with new events are refolded, each resuming from its stored state.
func (a *Aggregator) Update(ctx context.Context, prior index.Derived, upTo int64) (index.Derived, error) {
	if upTo <= 0 {
		upTo = a.Ledger.LatestOffset()
	}

	if upTo <= prior.Offset {
		return prior, nil
	}

	started := time.Now()

	fresh, err := index.Collect(a.Ledger.Query(index.Filter{FromOffset: prior.Offset + 1, ToOffset: upTo}))
	if err != nil {
		return prior, err
	}

	pending := make(map[model.EntityKey][]model.ChangeEvent)
	for _, ev := range fresh {
		pending[ev.EntityKey] = append(pending[ev.EntityKey], ev)
	}

	results := split(prior)

	keys := make([]model.EntityKey, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	updated := make([]Result, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())

	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			updated[i] = a.Resume(results[key], pending[key])

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return prior, fmt.Errorf("update derived: %w", err)
	}

	for _, res := range updated {
		results[res.EntityKey] = res
	}

	out := join(results, upTo)

	if a.Logger != nil {
		a.Logger.Debug("aggregate update",
			"from", prior.Offset, "to", upTo, "entities", len(keys), "elapsed", time.Since(started))
	}

	return out, nil
}

// split regroups persisted artifacts by entity.
func split(d index.Derived) map[model.EntityKey]Result {
	out := make(map[model.EntityKey]Result, len(d.States))

	for _, st := range d.States {
		out[st.EntityKey] = Result{EntityKey: st.EntityKey, State: st}
	}

	for _, snap := range d.Ownership {
		r := out[snap.EntityKey]
		r.EntityKey = snap.EntityKey
		r.Ownership = append(r.Ownership, snap)
		out[snap.EntityKey] = r
	}

	for _, p := range d.Complexity {
		r := out[p.EntityKey]
		r.EntityKey = p.EntityKey
		r.Complexity = append(r.Complexity, p)
		out[p.EntityKey] = r
	}

	return out
}

// join flattens per-entity results ordered by key then offset.
func join(results map[model.EntityKey]Result, offset int64) index.Derived {
	keys := make([]model.EntityKey, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	out := index.Derived{Offset: offset}

	for _, key := range keys {
		r := results[key]
		out.States = append(out.States, r.State)
		out.Ownership = append(out.Ownership, r.Ownership...)
		out.Complexity = append(out.Complexity, r.Complexity...)
	}

	return out
}

// Derived builds the artifacts of every entity up to upTo from scratch.
func (a *Aggregator) Derived(ctx context.Context, upTo int64) (index.Derived, error) {
	if upTo <= 0 {
		upTo = a.Ledger.LatestOffset()
	}

	keys := a.Ledger.Keys(upTo)

	results, err := a.RecomputeAll(ctx, keys, upTo)
	if err != nil {
		return index.Derived{}, err
	}

	byKey := make(map[model.EntityKey]Result, len(results))
	for _, r := range results {
		byKey[r.EntityKey] = r
	}

	return join(byKey, upTo), nil
}
