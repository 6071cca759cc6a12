// Package pipeline indexes a repository: it walks the commit graph,
// extracts entities from changed files, classifies entity changes and
// appends them to the history index in walk order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/classify"
	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/feature"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/walker"
)

const (
	tracerName     = "lineage.pipeline"
	defaultWorkers = 4
	// windowFactor bounds how many commits may be extracted ahead of the
	// one being appended, per worker.
	windowFactor = 2
)

// Source is the repository collaborator.
type Source interface {
	walker.Graph
	// Changes lists the files that differ between base and commit; an
	// empty base lists every file of commit as added.
	Changes(ctx context.Context, commit, base model.CommitID) ([]model.FileChange, error)
	FileAt(ctx context.Context, commit model.CommitID, path string) ([]byte, error)
}

// Runner indexes the commits reachable from the walk heads that the index
// does not hold yet.
type Runner struct {
	Source     Source
	Index      *index.Index
	Extractors *extract.Registry
	Classifier *classify.Classifier
	// Linkers, when set, attach feature links to every new commit.
	Linkers *feature.Registry
	// Aggregator, when set, brings the derived artifacts up to date.
	Aggregator *aggregate.Aggregator
	Walk       walker.Options
	// Workers bounds concurrent file extractions.
	Workers int
	Logger  *slog.Logger
	Metrics *observability.PipelineMetrics
	Tracer  trace.Tracer
}

// Report summarizes a run.
type Report struct {
	Walked       int                `json:"walked"`
	Indexed      int                `json:"indexed"`
	Skipped      int                `json:"skipped"`
	Events       int                `json:"events"`
	Files        int                `json:"files"`
	Fallbacks    int                `json:"fallbacks"`
	TimedOut     int                `json:"timed_out"`
	CacheHits    int64              `json:"cache_hits"`
	Truncations  []model.Truncation `json:"truncations,omitempty"`
	LatestOffset int64              `json:"latest_offset"`
	Elapsed      time.Duration      `json:"elapsed"`
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}

	return slog.Default()
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}

	return otel.Tracer(tracerName)
}

func (r *Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}

	return defaultWorkers
}

// extraction is the prepared input of one commit.
type extraction struct {
	commit  model.Commit
	changes []model.FileChange
	files   map[string]file
	err     error
}

// file is the extraction result of one path. skip marks binary or vendored
// content, which is not tracked.
type file struct {
	entities []model.Entity
	skip     bool
}

// Run indexes new commits. Commits are appended strictly in walk order.
// On cancellation no further commits are scheduled, the ones already
// extracted are still appended, and the wrapped context error is
// returned. A truncated history is indexed from its frontier and reported
// as a *model.BrokenHistoryError once the run completes.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	logger := r.logger()

	ctx, span := r.tracer().Start(ctx, "lineage.pipeline.run")
	defer span.End()

	hitsBefore, _ := r.Extractors.CacheStats()

	rep, err := r.run(ctx)
	rep.Elapsed = time.Since(started)
	rep.LatestOffset = r.Index.LatestOffset()

	hits, _ := r.Extractors.CacheStats()
	rep.CacheHits = hits - hitsBefore

	span.SetAttributes(
		attribute.Int("pipeline.indexed", rep.Indexed),
		attribute.Int("pipeline.events", rep.Events),
		attribute.Int64("pipeline.offset", rep.LatestOffset),
	)

	if err != nil && !errors.Is(err, model.ErrBrokenHistory) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	logger.InfoContext(ctx, "index run finished",
		"walked", rep.Walked, "indexed", rep.Indexed, "skipped", rep.Skipped,
		"events", rep.Events, "fallbacks", rep.Fallbacks, "cache_hits", rep.CacheHits,
		"offset", rep.LatestOffset, "elapsed", rep.Elapsed)

	return rep, err
}

func (r *Runner) run(ctx context.Context) (Report, error) {
	walkOpts := r.Walk
	if walkOpts.Logger == nil {
		walkOpts.Logger = r.logger()
	}

	it, err := walker.Walk(ctx, r.Source, walkOpts)
	if err != nil {
		return Report{}, fmt.Errorf("index: %w", err)
	}

	rep := Report{Walked: it.Len(), Truncations: it.Truncations()}

	for _, id := range it.Frontier() {
		if !r.Index.Has(id) {
			r.Index.RegisterTruncation(id)
		}
	}

	var pending []model.Commit

	err = it.ForEach(func(c model.Commit) error {
		if r.Index.Has(c.ID) {
			rep.Skipped++
		} else {
			pending = append(pending, c)
		}

		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("index: %w", err)
	}

	runErr := r.process(ctx, pending, &rep)

	if runErr == nil && ctx.Err() == nil {
		runErr = r.finish(ctx)
	}

	if runErr != nil {
		return rep, runErr
	}

	return rep, it.Err()
}

// process extracts pending commits concurrently and appends them in order.
func (r *Runner) process(ctx context.Context, pending []model.Commit, rep *Report) error {
	if len(pending) == 0 {
		return nil
	}

	slots := make([]chan extraction, len(pending))
	for i := range slots {
		slots[i] = make(chan extraction, 1)
	}

	window := semaphore.NewWeighted(int64(r.workers() * windowFactor))
	files := semaphore.NewWeighted(int64(r.workers()))

	// Stopping early for any reason stops the scheduler too.
	prodCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		for i, c := range pending {
			if err := window.Acquire(prodCtx, 1); err != nil {
				for j := i; j < len(pending); j++ {
					slots[j] <- extraction{commit: pending[j], err: err}
				}

				return
			}

			go func() {
				slots[i] <- r.prepare(prodCtx, files, c)
			}()
		}
	}()

	st := newStates(pending)
	// Trees still held when the run stops early become tips, so the next
	// run resumes from them instead of rebuilding.
	defer func() {
		for id, t := range st.trees {
			if r.Index.Has(id) {
				r.Index.SetTip(id, t.flatten())
			}
		}
	}()

	// Extracted commits are appended even after cancellation.
	appendCtx := context.WithoutCancel(ctx)

	for i := range pending {
		// Slots are buffered, so abandoned extractions never block.
		ex := <-slots[i]
		if ex.err != nil {
			return fmt.Errorf("index %s: %w", ex.commit.ID.Short(), ex.err)
		}

		window.Release(1)

		if err := r.commit(appendCtx, st, ex, rep); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: %w", err)
	}

	return nil
}

// prepare lists the changes of a commit against its first parent and
// extracts every added or modified file.
func (r *Runner) prepare(ctx context.Context, files *semaphore.Weighted, c model.Commit) extraction {
	ex := extraction{commit: c}

	changes, err := r.Source.Changes(ctx, c.ID, firstParent(c))
	if err != nil {
		ex.err = err

		return ex
	}

	ex.changes = changes

	var paths []string

	for _, ch := range changes {
		if ch.Action != model.FileDeleted {
			paths = append(paths, ch.Path)
		}
	}

	ex.files, ex.err = r.extractFiles(ctx, files, c.ID, paths)

	if ex.err == nil {
		// Extractors fall back instead of failing when cut short, so a
		// cancelled extraction is detected here.
		ex.err = ctx.Err()
	}

	return ex
}

func (r *Runner) extractAll(ctx context.Context, commit model.CommitID, paths []string) (map[string]file, error) {
	return r.extractFiles(ctx, semaphore.NewWeighted(int64(r.workers())), commit, paths)
}

func (r *Runner) extractFiles(
	ctx context.Context, sem *semaphore.Weighted, commit model.CommitID, paths []string,
) (map[string]file, error) {
	results := make([]file, len(paths))

	g, gctx := errgroup.WithContext(ctx)

	for i, p := range paths {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			f, err := r.extractFile(gctx, commit, p)
			results[i] = f

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extract %s: %w", commit.Short(), err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]file, len(paths))
	for i, p := range paths {
		out[p] = results[i]
	}

	return out, nil
}

func (r *Runner) extractFile(ctx context.Context, commit model.CommitID, p string) (file, error) {
	ctx, span := r.tracer().Start(ctx, observability.SpanExtractFile, trace.WithAttributes(
		attribute.String("file.path", p),
	))
	defer span.End()

	started := time.Now()

	content, err := r.Source.FileAt(ctx, commit, p)
	if err != nil {
		return file{}, fmt.Errorf("read %s: %w", p, err)
	}

	if r.Extractors.Skip(p, content) {
		return file{skip: true}, nil
	}

	entities := r.Extractors.Extract(ctx, p, content, "")

	reason := ""
	if len(entities) == 1 && entities[0].Fallback {
		reason = entities[0].FallbackReason
	}

	r.Metrics.RecordFile(ctx, reason, time.Since(started))

	return file{entities: entities}, nil
}

// commit classifies one extracted commit against its parent states and
// appends the events. Changes are listed against the first parent; other
// parents of a merge only decide where merged-in entities come from.
func (r *Runner) commit(ctx context.Context, st *states, ex extraction, rep *Report) error {
	c := ex.commit
	parent := firstParent(c)

	ctx, span := r.tracer().Start(ctx, observability.SpanCommit, trace.WithAttributes(
		attribute.String("commit.id", string(c.ID)),
	))
	defer span.End()

	started := time.Now()

	base, err := r.base(ctx, st, parent)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(ex.changes))
	for _, ch := range ex.changes {
		paths = append(paths, ch.Path)
	}

	if parent != "" {
		if err := r.hydrate(ctx, base, parent, paths); err != nil {
			return err
		}
	}

	others, err := r.sideParents(ctx, st, c, paths)
	if err != nil {
		return err
	}

	before, after, carried := split(base, ex, nil)

	res := r.Classifier.ClassifyMerge(c, before, after, others)
	if res.TimedOut {
		rep.TimedOut++
		r.Metrics.RecordClassifyTimeout(ctx)
	}

	if len(res.Unscored) > 0 {
		// Unscored candidates would otherwise come out as remove plus add and
		// fork entity keys; compare those files as a whole instead.
		fileOnly := make(map[string]bool, len(res.Unscored))
		for _, p := range res.Unscored {
			fileOnly[p] = true
		}

		r.logger().WarnContext(ctx, "classification timed out, falling back to file level",
			"commit", c.ID.Short(), "paths", res.Unscored)

		before, after, carried = split(base, ex, fileOnly)
		res = r.Classifier.ClassifyMerge(c, before, after, others)
	}

	next := base.clone()
	for _, p := range paths {
		next.set(p, nil)
	}

	grouped := make(map[string][]model.Entity)
	for _, e := range res.Entities {
		grouped[e.Path] = append(grouped[e.Path], e)
	}

	for p, es := range grouped {
		next.set(p, append(carried[p], es...))
	}

	if _, err := r.Index.Append(ctx, c, res.Events); err != nil {
		return fmt.Errorf("append %s: %w", c.ID.Short(), err)
	}

	r.link(ctx, c)
	r.advance(st, c, next)

	kinds := make(map[string]int)
	for _, ev := range res.Events {
		kinds[string(ev.Kind)]++
	}

	for _, f := range ex.files {
		if f.skip {
			continue
		}

		rep.Files++

		if len(f.entities) == 1 && f.entities[0].Fallback {
			rep.Fallbacks++
		}
	}

	rep.Indexed++
	rep.Events += len(res.Events)
	r.Metrics.RecordCommit(ctx, kinds, time.Since(started))

	r.logger().DebugContext(ctx, "commit indexed",
		"commit", c.ID.Short(), "files", len(ex.changes), "events", len(res.Events))

	return nil
}

// split builds the classifier input. A file that fell back after having
// structured entities, or that is listed in fileOnly, compares only its
// file entity; the structured entities are carried forward unchanged. A
// file that became binary or vendored compares as deleted.
func split(base *tree, ex extraction, fileOnly map[string]bool) (before, after []model.Entity, carried map[string][]model.Entity) {
	carried = make(map[string][]model.Entity)

	for _, ch := range ex.changes {
		prior := base.files[ch.Path]
		f := ex.files[ch.Path]

		if f.skip {
			before = append(before, prior...)

			continue
		}

		if (fellBack(f.entities) || fileOnly[ch.Path] && len(f.entities) > 0) && structured(prior) {
			for _, e := range prior {
				if e.Kind == model.KindFile {
					before = append(before, e)
				} else {
					carried[ch.Path] = append(carried[ch.Path], e)
				}
			}

			for _, e := range f.entities {
				if e.Kind == model.KindFile {
					after = append(after, e)
				}
			}

			continue
		}

		before = append(before, prior...)
		after = append(after, f.entities...)
	}

	return before, after, carried
}

func fellBack(entities []model.Entity) bool {
	return len(entities) == 1 && entities[0].Fallback
}

func structured(entities []model.Entity) bool {
	for _, e := range entities {
		if e.Kind != model.KindFile {
			return true
		}
	}

	return false
}

// advance stores the tree of c for its children, or as a tip when no
// pending commit continues from it, and retires the parents' trees.
func (r *Runner) advance(st *states, c model.Commit, next *tree) {
	for _, p := range c.Parents {
		r.Index.DropTip(p)
		st.release(p)
	}

	if st.refs[c.ID] > 0 {
		st.trees[c.ID] = next
	} else {
		r.Index.SetTip(c.ID, next.flatten())
	}
}

// sideParents returns, for a merge, the entities each non-first parent
// holds at paths.
func (r *Runner) sideParents(ctx context.Context, st *states, c model.Commit, paths []string) ([][]model.Entity, error) {
	if len(c.Parents) < 2 { //nolint:mnd // merges only
		return nil, nil
	}

	others := make([][]model.Entity, 0, len(c.Parents)-1)

	for _, p := range c.Parents[1:] {
		t, err := r.base(ctx, st, p)
		if err != nil {
			return nil, err
		}

		if err := r.hydrate(ctx, t, p, paths); err != nil {
			return nil, err
		}

		var entities []model.Entity
		for _, path := range paths {
			entities = append(entities, t.files[path]...)
		}

		others = append(others, entities)
	}

	return others, nil
}

func (r *Runner) link(ctx context.Context, c model.Commit) {
	if r.Linkers == nil || r.Index.Linked(c.ID) {
		return
	}

	r.Index.AddLinks(c.ID, r.Linkers.Link(ctx, c))
}

// finish brings the derived artifacts up to the latest offset.
func (r *Runner) finish(ctx context.Context) error {
	if r.Aggregator == nil {
		return nil
	}

	derived, err := r.Aggregator.Update(ctx, r.Index.Derived(), 0)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	return r.Index.SetDerived(derived)
}

func firstParent(c model.Commit) model.CommitID {
	if len(c.Parents) == 0 {
		return ""
	}

	return c.Parents[0]
}
