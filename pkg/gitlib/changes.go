package gitlib

import (
	"fmt"
	"sort"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// TreeDiff computes the file changes between two trees. A nil oldTree
// yields every file of newTree as added. Renames come out as a delete plus
// an add; identity across paths is decided later by the classifier.
func TreeDiff(repo *Repository, oldTree, newTree *Tree) ([]model.FileChange, error) {
	if oldTree == nil {
		return InitialTreeChanges(newTree)
	}

	if newTree != nil && oldTree.Hash() == newTree.Hash() {
		return nil, nil
	}

	diff, err := repo.DiffTreeToTree(oldTree, newTree)
	if err != nil {
		return nil, err
	}
	defer diff.Free()

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return nil, err
	}

	changes := make([]model.FileChange, 0, numDeltas)

	for i := range numDeltas {
		delta, deltaErr := diff.Delta(i)
		if deltaErr != nil {
			return nil, fmt.Errorf("tree diff: %w", deltaErr)
		}

		switch delta.Status {
		case git2go.DeltaAdded, git2go.DeltaCopied:
			changes = append(changes, model.FileChange{Action: model.FileAdded, Path: delta.NewPath})
		case git2go.DeltaDeleted:
			changes = append(changes, model.FileChange{Action: model.FileDeleted, Path: delta.OldPath})
		case git2go.DeltaModified, git2go.DeltaTypeChange:
			changes = append(changes, model.FileChange{Action: model.FileModified, Path: delta.NewPath})
		case git2go.DeltaRenamed:
			changes = append(changes,
				model.FileChange{Action: model.FileDeleted, Path: delta.OldPath},
				model.FileChange{Action: model.FileAdded, Path: delta.NewPath})
		case git2go.DeltaUnmodified, git2go.DeltaIgnored, git2go.DeltaUntracked,
			git2go.DeltaUnreadable, git2go.DeltaConflicted:
			continue
		}
	}

	sortChanges(changes)

	return changes, nil
}

// InitialTreeChanges lists every blob of a tree as added.
func InitialTreeChanges(tree *Tree) ([]model.FileChange, error) {
	if tree == nil {
		return nil, nil
	}

	var changes []model.FileChange

	err := tree.Files(func(filePath string) error {
		changes = append(changes, model.FileChange{Action: model.FileAdded, Path: filePath})

		return nil
	})
	if err != nil {
		return nil, err
	}

	sortChanges(changes)

	return changes, nil
}

func sortChanges(changes []model.FileChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Path != changes[j].Path {
			return changes[i].Path < changes[j].Path
		}

		return changes[i].Action < changes[j].Action
	})
}
