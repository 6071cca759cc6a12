package gitlib

import (
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// Diff is a tree-to-tree diff. Only file paths and statuses are read from
// it; content is fetched separately at each side's commit.
type Diff struct {
	diff *git2go.Diff
}

// DiffDelta is one changed path. OldPath and NewPath differ only for
// renames and copies.
type DiffDelta struct {
	Status  git2go.Delta
	OldPath string
	NewPath string
}

func (d *Diff) NumDeltas() (int, error) {
	n, err := d.diff.NumDeltas()
	if err != nil {
		return 0, fmt.Errorf("count deltas: %w", err)
	}

	return n, nil
}

func (d *Diff) Delta(i int) (DiffDelta, error) {
	delta, err := d.diff.Delta(i)
	if err != nil {
		return DiffDelta{}, fmt.Errorf("read delta %d: %w", i, err)
	}

	return DiffDelta{Status: delta.Status, OldPath: delta.OldFile.Path, NewPath: delta.NewFile.Path}, nil
}

// Free releases the diff. Free errors are not actionable during cleanup.
func (d *Diff) Free() {
	if d.diff != nil {
		_ = d.diff.Free()
		d.diff = nil
	}
}
