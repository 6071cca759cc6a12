package gitlib

import (
	"fmt"
	"path"

	git2go "github.com/libgit2/git2go/v34"
)

// Tree is a snapshot of the repository's files at one commit.
type Tree struct {
	tree *git2go.Tree
	repo *Repository
}

// Hash returns the tree id. Equal hashes mean identical contents.
func (t *Tree) Hash() Hash {
	return HashFromOid(t.tree.Id())
}

// Free releases the tree. Trees returned by Commit.Tree and
// Repository.LookupTree must be freed by the caller.
func (t *Tree) Free() {
	if t.tree != nil {
		t.tree.Free()
		t.tree = nil
	}
}

// ReadFile returns a copy of the blob at filePath. Directories and
// submodules report ErrPathNotFound.
func (t *Tree) ReadFile(filePath string) ([]byte, error) {
	entry, err := t.tree.EntryByPath(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, filePath)
	}

	if entry.Type != git2go.ObjectBlob {
		return nil, fmt.Errorf("%w: %s is not a file", ErrPathNotFound, filePath)
	}

	blob, err := t.repo.repo.LookupBlob(entry.Id)
	if err != nil {
		return nil, fmt.Errorf("lookup blob %s: %w", filePath, err)
	}
	defer blob.Free()

	// Contents aliases libgit2 memory that Free releases.
	return append([]byte(nil), blob.Contents()...), nil
}

// Files calls fn with the slash-separated path of every blob in the tree,
// depth first in tree order.
func (t *Tree) Files(fn func(filePath string) error) error {
	return t.files("", fn)
}

func (t *Tree) files(dir string, fn func(string) error) error {
	for i := range t.tree.EntryCount() {
		entry := t.tree.EntryByIndex(i)
		if entry == nil {
			continue
		}

		name := path.Join(dir, entry.Name)

		switch entry.Type { //nolint:exhaustive // tags and commits (submodules) carry no files
		case git2go.ObjectBlob:
			if err := fn(name); err != nil {
				return err
			}
		case git2go.ObjectTree:
			sub, err := t.repo.LookupTree(HashFromOid(entry.Id))
			if err != nil {
				return fmt.Errorf("walk tree %s: %w", name, err)
			}

			err = sub.files(name, fn)
			sub.Free()

			if err != nil {
				return err
			}
		}
	}

	return nil
}
