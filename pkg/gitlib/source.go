package gitlib

import (
	"context"
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Source exposes a Repository through the model-level collaborator
// contracts used by the walker and the pipeline.
type Source struct {
	repo *Repository
}

// NewSource wraps an open repository.
func NewSource(repo *Repository) *Source {
	return &Source{repo: repo}
}

// Repository returns the wrapped repository.
func (s *Source) Repository() *Repository {
	return s.repo
}

// Heads returns HEAD and the local branch tips.
func (s *Source) Heads(_ context.Context) ([]model.CommitID, error) {
	hashes, err := s.repo.Heads()
	if err != nil {
		return nil, err
	}

	ids := make([]model.CommitID, len(hashes))
	for i, h := range hashes {
		ids[i] = h.ID()
	}

	return ids, nil
}

// Resolve turns a revision string (id, branch, tag) into a commit id.
func (s *Source) Resolve(_ context.Context, rev string) (model.CommitID, error) {
	obj, err := s.repo.repo.RevparseSingle(rev)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	defer obj.Free()

	commitObj, err := obj.Peel(git2go.ObjectCommit)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	defer commitObj.Free()

	return HashFromOid(commitObj.Id()).ID(), nil
}

// Commit returns the commit record for id.
func (s *Source) Commit(ctx context.Context, id model.CommitID) (model.Commit, error) {
	hash, err := ParseHash(id)
	if err != nil {
		return model.Commit{}, err
	}

	commit, err := s.repo.LookupCommit(ctx, hash)
	if err != nil {
		return model.Commit{}, err
	}
	defer commit.Free()

	return commit.Model(), nil
}

// Changes lists the files that differ between base and commit. An empty
// base, or a base missing from the object store, lists every file as added.
func (s *Source) Changes(ctx context.Context, commit, base model.CommitID) ([]model.FileChange, error) {
	newTree, err := s.treeOf(ctx, commit)
	if err != nil {
		return nil, err
	}
	defer newTree.Free()

	if base == "" {
		return InitialTreeChanges(newTree)
	}

	oldTree, err := s.treeOf(ctx, base)
	if errors.Is(err, ErrCommitNotFound) {
		return InitialTreeChanges(newTree)
	}

	if err != nil {
		return nil, err
	}
	defer oldTree.Free()

	return TreeDiff(s.repo, oldTree, newTree)
}

// FileAt returns the content of path at commit.
func (s *Source) FileAt(ctx context.Context, commit model.CommitID, path string) ([]byte, error) {
	hash, err := ParseHash(commit)
	if err != nil {
		return nil, err
	}

	return s.repo.FileAt(ctx, hash, path)
}

func (s *Source) treeOf(ctx context.Context, id model.CommitID) (*Tree, error) {
	hash, err := ParseHash(id)
	if err != nil {
		return nil, err
	}

	commit, err := s.repo.LookupCommit(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer commit.Free()

	return commit.Tree()
}
