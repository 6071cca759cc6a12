// Package walker produces a deduplicated, parents-first traversal of a
// repository's commit graph.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/toposort"
)

// ErrNoHeads is returned when neither the options nor the graph supply a head.
var ErrNoHeads = errors.New("no heads to walk from")

// Graph is the read-only commit metadata collaborator. Commit must wrap
// model.ErrCommitNotFound for ids that cannot be resolved.
type Graph interface {
	Heads(ctx context.Context) ([]model.CommitID, error)
	Commit(ctx context.Context, id model.CommitID) (model.Commit, error)
}

// Options bound a walk.
type Options struct {
	// Heads to walk from; empty means Graph.Heads.
	Heads []model.CommitID
	// SinceCommit excludes this commit and all of its ancestors.
	SinceCommit model.CommitID
	// SinceTime excludes commits authored before it. Traversal does not
	// continue past an excluded commit.
	SinceTime time.Time
	Logger    *slog.Logger
}

// Walk discovers the graph reachable from the heads and returns an iterator
// over it. Every commit appears after all of its discovered parents; among
// commits that are ready together the older author timestamp goes first,
// then the smaller id. Unresolvable parents are recorded as truncations
// and the walk continues from the known frontier.
func Walk(ctx context.Context, graph Graph, opts Options) (*Iter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	heads := opts.Heads
	if len(heads) == 0 {
		discovered, err := graph.Heads(ctx)
		if err != nil {
			return nil, fmt.Errorf("walk heads: %w", err)
		}

		heads = discovered
	}

	if len(heads) == 0 {
		return nil, ErrNoHeads
	}

	excluded, err := ancestors(ctx, graph, opts.SinceCommit)
	if err != nil {
		return nil, err
	}

	d := &discovery{
		graph:    graph,
		opts:     opts,
		excluded: excluded,
		commits:  make(map[model.CommitID]model.Commit),
		frontier: make(map[model.CommitID]struct{}),
		dag:      toposort.New[model.CommitID](),
	}

	runErr := d.run(ctx, heads)
	if runErr != nil {
		return nil, runErr
	}

	order, sortErr := d.dag.Sort(func(a, b model.CommitID) bool {
		ca, cb := d.commits[a], d.commits[b]
		if !ca.When.Equal(cb.When) {
			return ca.When.Before(cb.When)
		}

		return a < b
	})
	if sortErr != nil {
		return nil, fmt.Errorf("order commits: %w", sortErr)
	}

	commits := make([]model.Commit, len(order))
	for i, id := range order {
		commits[i] = d.commits[id]
	}

	for _, tr := range d.truncations {
		logger.Warn("history truncated", "commit", tr.Commit.Short(), "parent", tr.Parent.Short())
	}

	logger.Debug("walk discovered", "commits", len(commits), "truncations", len(d.truncations))

	return &Iter{
		ctx:         ctx,
		commits:     commits,
		truncations: d.truncations,
		frontier:    sortedIDs(d.frontier),
	}, nil
}

type discovery struct {
	graph       Graph
	opts        Options
	excluded    map[model.CommitID]struct{}
	commits     map[model.CommitID]model.Commit
	frontier    map[model.CommitID]struct{}
	truncations []model.Truncation
	dag         *toposort.Graph[model.CommitID]
}

func (d *discovery) run(ctx context.Context, heads []model.CommitID) error {
	queue := make([]model.CommitID, 0, len(heads))

	for _, head := range heads {
		if d.skip(head) {
			continue
		}

		commit, err := d.graph.Commit(ctx, head)
		if err != nil {
			return fmt.Errorf("walk head %s: %w", head.Short(), err)
		}

		if !d.inScope(commit) || d.dag.Has(head) {
			continue
		}

		d.add(commit)
		queue = append(queue, head)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk: %w", err)
		}

		id := queue[0]
		queue = queue[1:]

		for _, parentID := range d.commits[id].Parents {
			if d.dag.Has(parentID) {
				d.dag.AddEdge(parentID, id)

				continue
			}

			if d.skip(parentID) {
				d.frontier[parentID] = struct{}{}

				continue
			}

			parent, err := d.graph.Commit(ctx, parentID)
			if errors.Is(err, model.ErrCommitNotFound) {
				d.truncations = append(d.truncations, model.Truncation{Commit: id, Parent: parentID})
				d.frontier[parentID] = struct{}{}

				continue
			}

			if err != nil {
				return fmt.Errorf("walk parent %s: %w", parentID.Short(), err)
			}

			if !d.inScope(parent) {
				d.frontier[parentID] = struct{}{}

				continue
			}

			d.add(parent)
			d.dag.AddEdge(parentID, id)
			queue = append(queue, parentID)
		}
	}

	return nil
}

func (d *discovery) add(commit model.Commit) {
	d.commits[commit.ID] = commit
	d.dag.AddNode(commit.ID)
}

func (d *discovery) skip(id model.CommitID) bool {
	_, ok := d.excluded[id]

	return ok
}

func (d *discovery) inScope(commit model.Commit) bool {
	return d.opts.SinceTime.IsZero() || !commit.When.Before(d.opts.SinceTime)
}

// ancestors returns since and everything reachable from it. Missing
// parents below the boundary are irrelevant and ignored.
func ancestors(ctx context.Context, graph Graph, since model.CommitID) (map[model.CommitID]struct{}, error) {
	seen := make(map[model.CommitID]struct{})
	if since == "" {
		return seen, nil
	}

	queue := []model.CommitID{since}
	seen[since] = struct{}{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		commit, err := graph.Commit(ctx, id)
		if errors.Is(err, model.ErrCommitNotFound) && id != since {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("walk since %s: %w", id.Short(), err)
		}

		for _, parent := range commit.Parents {
			if _, ok := seen[parent]; ok {
				continue
			}

			seen[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}

	return seen, nil
}

func sortedIDs(set map[model.CommitID]struct{}) []model.CommitID {
	out := make([]model.CommitID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Iter yields commits in walk order. It is restartable with Reset.
type Iter struct {
	ctx         context.Context
	commits     []model.Commit
	pos         int
	truncations []model.Truncation
	frontier    []model.CommitID
}

// Next returns the next commit, or io.EOF when the walk is exhausted.
func (it *Iter) Next() (model.Commit, error) {
	if err := it.ctx.Err(); err != nil {
		return model.Commit{}, fmt.Errorf("walk: %w", err)
	}

	if it.pos >= len(it.commits) {
		return model.Commit{}, io.EOF
	}

	commit := it.commits[it.pos]
	it.pos++

	return commit, nil
}

// ForEach calls cb for every remaining commit, stopping at the first error.
func (it *Iter) ForEach(cb func(model.Commit) error) error {
	for {
		commit, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if cbErr := cb(commit); cbErr != nil {
			return cbErr
		}
	}
}

// Reset rewinds the iterator to the first commit.
func (it *Iter) Reset() {
	it.pos = 0
}

// Len returns the total number of commits in the walk.
func (it *Iter) Len() int {
	return len(it.commits)
}

// Truncations returns the unresolvable parent references met during discovery.
func (it *Iter) Truncations() []model.Truncation {
	return it.truncations
}

// Frontier returns the parents referenced by walked commits that are not
// themselves walked: truncated parents and commits excluded by a since
// boundary.
func (it *Iter) Frontier() []model.CommitID {
	return it.frontier
}

// Err returns a *model.BrokenHistoryError when the walk was truncated.
func (it *Iter) Err() error {
	if len(it.truncations) == 0 {
		return nil
	}

	return &model.BrokenHistoryError{Truncations: it.truncations}
}
