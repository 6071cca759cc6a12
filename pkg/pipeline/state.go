package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Sumatoshi-tech/lineage/pkg/classify"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// tree is the keyed entity set of one commit, by path. Entity slices are
// never mutated once stored; derived trees share them.
type tree struct {
	files map[string][]model.Entity
	// stale marks paths whose entities were restored without bodies and
	// must be re-extracted before they can be compared.
	stale map[string]bool
}

func newTree() *tree {
	return &tree{files: make(map[string][]model.Entity), stale: make(map[string]bool)}
}

func treeOf(entities []model.Entity, stale bool) *tree {
	t := newTree()

	for _, e := range entities {
		t.files[e.Path] = append(t.files[e.Path], e)
	}

	if stale {
		for p := range t.files {
			t.stale[p] = true
		}
	}

	return t
}

func (t *tree) clone() *tree {
	out := &tree{
		files: make(map[string][]model.Entity, len(t.files)),
		stale: make(map[string]bool, len(t.stale)),
	}

	for p, es := range t.files {
		out.files[p] = es
	}

	for p := range t.stale {
		out.stale[p] = true
	}

	return out
}

func (t *tree) set(p string, entities []model.Entity) {
	if len(entities) == 0 {
		delete(t.files, p)
	} else {
		t.files[p] = entities
	}

	delete(t.stale, p)
}

// flatten returns every entity in path order.
func (t *tree) flatten() []model.Entity {
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	var out []model.Entity
	for _, p := range paths {
		out = append(out, t.files[p]...)
	}

	return out
}

// states holds the trees of processed commits until their last child has
// been classified.
type states struct {
	trees map[model.CommitID]*tree
	refs  map[model.CommitID]int
}

func newStates(pending []model.Commit) *states {
	s := &states{
		trees: make(map[model.CommitID]*tree),
		refs:  make(map[model.CommitID]int),
	}

	for _, c := range pending {
		for _, p := range c.Parents {
			s.refs[p]++
		}
	}

	return s
}

// release drops one reference to id and frees its tree at zero.
func (s *states) release(id model.CommitID) {
	s.refs[id]--

	if s.refs[id] <= 0 {
		delete(s.refs, id)
		delete(s.trees, id)
	}
}

// base returns the tree of parent: from this run, from a stored tip, or
// rebuilt from the repository with keys recovered from the ledger. Loaded
// trees are cached while children still need them.
func (r *Runner) base(ctx context.Context, st *states, parent model.CommitID) (*tree, error) {
	if parent == "" {
		return newTree(), nil
	}

	if t, ok := st.trees[parent]; ok {
		return t, nil
	}

	t, err := r.load(ctx, parent)
	if err != nil {
		return nil, err
	}

	if st.refs[parent] > 0 {
		st.trees[parent] = t
	}

	return t, nil
}

func (r *Runner) load(ctx context.Context, parent model.CommitID) (*tree, error) {
	if entities, ok := r.Index.Tip(parent); ok {
		stale := slices.ContainsFunc(entities, func(e model.Entity) bool { return e.Body == "" })

		return treeOf(entities, stale), nil
	}

	changes, err := r.Source.Changes(ctx, parent, "")
	if errors.Is(err, model.ErrCommitNotFound) {
		r.logger().Warn("base commit missing, classifying from empty state", "commit", parent.Short())

		return newTree(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("rebuild state of %s: %w", parent.Short(), err)
	}

	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		paths = append(paths, ch.Path)
	}

	files, err := r.extractAll(ctx, parent, paths)
	if err != nil {
		return nil, err
	}

	keys := map[model.Identity]model.EntityKey{}
	if off, ok := r.Index.Offset(parent); ok {
		keys = ledgerKeys(r.Index, off)
	}

	t := newTree()

	for p, f := range files {
		t.set(p, withKeys(f.entities, keys))
	}

	r.logger().Debug("rebuilt base state", "commit", parent.Short(), "files", len(files))

	return t, nil
}

// hydrate re-extracts stale paths of t at commit so their entities carry
// bodies again. Keys are kept by identity.
func (r *Runner) hydrate(ctx context.Context, t *tree, commit model.CommitID, paths []string) error {
	var stale []string

	for _, p := range paths {
		if t.stale[p] {
			stale = append(stale, p)
		}
	}

	if len(stale) == 0 {
		return nil
	}

	files, err := r.extractAll(ctx, commit, stale)
	if err != nil {
		return err
	}

	for _, p := range stale {
		keys := make(map[model.Identity]model.EntityKey, len(t.files[p]))
		for _, e := range t.files[p] {
			keys[e.Identity()] = e.Key
		}

		t.set(p, withKeys(files[p].entities, keys))
	}

	return nil
}

func withKeys(entities []model.Entity, keys map[model.Identity]model.EntityKey) []model.Entity {
	out := make([]model.Entity, len(entities))

	for i, e := range entities {
		if key, ok := keys[e.Identity()]; ok {
			e.Key = key
		} else {
			e.Key = classify.NewKey("", e)
		}

		out[i] = e
	}

	return out
}

// ledgerKeys replays the ledger up to offset and returns the key of every
// live entity by identity. Side branches are replayed too, so a key can
// come from a sibling line of history.
func ledgerKeys(ix *index.Index, upTo int64) map[model.Identity]model.EntityKey {
	keys := make(map[model.Identity]model.EntityKey)
	it := ix.Query(index.Filter{ToOffset: upTo})

	for {
		ev, err := it.Next()
		if err != nil {
			break
		}

		id := model.Identity{Path: ev.Path, Kind: ev.EntityKind, QualifiedName: ev.Name}

		switch ev.Kind {
		case model.ChangeRemoved:
			delete(keys, id)
		case model.ChangeRenamed, model.ChangeMoved:
			delete(keys, model.Identity{Path: ev.BeforePath, Kind: ev.EntityKind, QualifiedName: ev.BeforeName})

			keys[id] = ev.EntityKey
		default:
			keys[id] = ev.EntityKey
		}
	}

	return keys
}
