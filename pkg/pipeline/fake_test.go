package pipeline_test

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// fakeRepo is an in-memory repository. Each commit stores its full tree.
type fakeRepo struct {
	mu      sync.RWMutex
	commits map[model.CommitID]model.Commit
	trees   map[model.CommitID]map[string]string
	heads   []model.CommitID
	clock   time.Time
	seq     int
}

func newFake() *fakeRepo {
	return &fakeRepo{
		commits: make(map[model.CommitID]model.Commit),
		trees:   make(map[model.CommitID]map[string]string),
		clock:   time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// commit applies edits to the first parent's tree; an empty value deletes
// the path. The new commit becomes the only head.
func (f *fakeRepo) commit(author, message string, edits map[string]string, parents ...model.CommitID) model.CommitID {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.clock = f.clock.Add(24 * time.Hour)

	id := model.CommitID(fmt.Sprintf("%040x", f.seq))

	tree := make(map[string]string)
	if len(parents) > 0 {
		maps.Copy(tree, f.trees[parents[0]])
	}

	for p, content := range edits {
		if content == "" {
			delete(tree, p)
		} else {
			tree[p] = content
		}
	}

	f.commits[id] = model.Commit{
		ID:      id,
		Parents: parents,
		Author:  model.Signature{Name: author, Email: author + "@example.com"},
		When:    f.clock,
		Message: message,
	}
	f.trees[id] = tree
	f.heads = []model.CommitID{id}

	return id
}

// forget removes a commit from the object store.
func (f *fakeRepo) forget(id model.CommitID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.commits, id)
	delete(f.trees, id)
}

func (f *fakeRepo) setHeads(ids ...model.CommitID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heads = ids
}

func (f *fakeRepo) Heads(context.Context) ([]model.CommitID, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return slices.Clone(f.heads), nil
}

func (f *fakeRepo) Commit(_ context.Context, id model.CommitID) (model.Commit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.commits[id]
	if !ok {
		return model.Commit{}, fmt.Errorf("%w: %s", model.ErrCommitNotFound, id)
	}

	return c, nil
}

func (f *fakeRepo) Changes(_ context.Context, commit, base model.CommitID) ([]model.FileChange, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tree, ok := f.trees[commit]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrCommitNotFound, commit)
	}

	old := f.trees[base]

	var changes []model.FileChange

	for p, content := range tree {
		prev, existed := old[p]

		switch {
		case !existed:
			changes = append(changes, model.FileChange{Action: model.FileAdded, Path: p})
		case prev != content:
			changes = append(changes, model.FileChange{Action: model.FileModified, Path: p})
		}
	}

	for p := range old {
		if _, ok := tree[p]; !ok {
			changes = append(changes, model.FileChange{Action: model.FileDeleted, Path: p})
		}
	}

	slices.SortFunc(changes, func(a, b model.FileChange) int {
		if a.Path < b.Path {
			return -1
		}

		if a.Path > b.Path {
			return 1
		}

		return 0
	})

	return changes, nil
}

func (f *fakeRepo) FileAt(_ context.Context, commit model.CommitID, path string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	content, ok := f.trees[commit][path]
	if !ok {
		return nil, fmt.Errorf("%s not in %s", path, commit.Short())
	}

	return []byte(content), nil
}
