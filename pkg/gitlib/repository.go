package gitlib

import (
	"context"
	"errors"
	"fmt"
	"sort"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Repository errors.
var (
	// ErrCommitNotFound is returned when a commit id is absent from the object store.
	ErrCommitNotFound = model.ErrCommitNotFound
	// ErrPathNotFound is returned when a path does not exist in a commit's tree.
	ErrPathNotFound = errors.New("path not found")
)

// Repository wraps a libgit2 repository.
type Repository struct {
	repo *git2go.Repository
	path string
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the HEAD reference target.
func (r *Repository) Head() (Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// Heads returns HEAD followed by the tips of all local branches, sorted and
// deduplicated. An unborn HEAD contributes nothing.
func (r *Repository) Heads() ([]Hash, error) {
	seen := make(map[Hash]struct{})

	var heads []Hash

	if head, headErr := r.Head(); headErr == nil {
		seen[head] = struct{}{}
		heads = append(heads, head)
	}

	iter, err := r.repo.NewBranchIterator(git2go.BranchLocal)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Free()

	var branchTips []Hash

	iterErr := iter.ForEach(func(branch *git2go.Branch, _ git2go.BranchType) error {
		target := branch.Target()
		if target == nil {
			return nil
		}

		tip := HashFromOid(target)
		if _, ok := seen[tip]; !ok {
			seen[tip] = struct{}{}
			branchTips = append(branchTips, tip)
		}

		return nil
	})
	if iterErr != nil {
		return nil, fmt.Errorf("iterate branches: %w", iterErr)
	}

	sort.Slice(branchTips, func(i, j int) bool { return branchTips[i].String() < branchTips[j].String() })

	return append(heads, branchTips...), nil
}

// LookupCommit returns the commit with the given hash. Missing objects
// wrap ErrCommitNotFound.
func (r *Repository) LookupCommit(_ context.Context, hash Hash) (*Commit, error) {
	commit, err := r.repo.LookupCommit(hash.ToOid())
	if err != nil {
		if git2go.IsErrorCode(err, git2go.ErrorCodeNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
		}

		return nil, fmt.Errorf("lookup commit: %w", err)
	}

	return &Commit{commit: commit, repo: r}, nil
}

// LookupTree returns the tree with the given hash.
func (r *Repository) LookupTree(hash Hash) (*Tree, error) {
	tree, err := r.repo.LookupTree(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup tree: %w", err)
	}

	return &Tree{tree: tree, repo: r}, nil
}

// FileAt returns the content of path in the tree of the given commit.
func (r *Repository) FileAt(ctx context.Context, hash Hash, path string) ([]byte, error) {
	commit, err := r.LookupCommit(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	defer tree.Free()

	contents, err := tree.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w@%s", err, hash)
	}

	return contents, nil
}

// DiffTreeToTree computes the diff between two trees.
func (r *Repository) DiffTreeToTree(oldTree, newTree *Tree) (*Diff, error) {
	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("get diff options: %w", err)
	}

	var oldT, newT *git2go.Tree
	if oldTree != nil {
		oldT = oldTree.tree
	}

	if newTree != nil {
		newT = newTree.tree
	}

	diff, err := r.repo.DiffTreeToTree(oldT, newT, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	return &Diff{diff: diff}, nil
}
