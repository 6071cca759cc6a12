package gitlib

import (
	"fmt"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/safeconv"
)

// Commit wraps a libgit2 commit.
type Commit struct {
	commit *git2go.Commit
	repo   *Repository
}

// Hash returns the commit hash.
func (c *Commit) Hash() Hash {
	return HashFromOid(c.commit.Id())
}

// Author returns the commit author.
func (c *Commit) Author() Signature {
	sig := c.commit.Author()

	return Signature{
		Name:  sig.Name,
		Email: sig.Email,
		When:  sig.When,
	}
}

// Message returns the commit message.
func (c *Commit) Message() string {
	return c.commit.Message()
}

// NumParents returns the number of parent commits.
func (c *Commit) NumParents() int {
	return safeconv.MustUintToInt(c.commit.ParentCount())
}

// ParentHash returns the hash of the nth parent. The id is read from the
// commit object itself, so it is available even when the parent object is not.
func (c *Commit) ParentHash(n int) Hash {
	return HashFromOid(c.commit.ParentId(safeconv.MustIntToUint(n)))
}

// Tree returns the tree associated with this commit.
func (c *Commit) Tree() (*Tree, error) {
	tree, err := c.commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree: %w", err)
	}

	return &Tree{tree: tree, repo: c.repo}, nil
}

// Model converts the commit to its immutable record.
func (c *Commit) Model() model.Commit {
	author := c.Author()

	parents := make([]model.CommitID, 0, c.NumParents())
	for i := range c.NumParents() {
		parents = append(parents, c.ParentHash(i).ID())
	}

	return model.Commit{
		ID:      c.Hash().ID(),
		Parents: parents,
		Author:  author.Model(),
		When:    author.When.UTC(),
		Message: c.Message(),
	}
}

// Free releases the commit resources.
func (c *Commit) Free() {
	if c.commit != nil {
		c.commit.Free()
		c.commit = nil
	}
}
