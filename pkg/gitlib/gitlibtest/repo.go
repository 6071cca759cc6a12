// Package gitlibtest builds throwaway git repositories for tests.
package gitlibtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Repo is a scratch repository rooted in t.TempDir().
type Repo struct {
	t      *testing.T
	Path   string
	native *git2go.Repository
	clock  time.Time
}

// Author is the identity used for a test commit.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used by Commit.
var DefaultAuthor = Author{Name: "Test User", Email: "test@example.com"}

// New initializes an empty repository and frees it on cleanup.
func New(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &Repo{
		t:      t,
		Path:   dir,
		native: repo,
		clock:  time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// WriteFile creates or overwrites a file in the working directory.
func (r *Repo) WriteFile(name, content string) {
	r.t.Helper()

	path := filepath.Join(r.Path, name)

	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.t, os.WriteFile(path, []byte(content), 0o644))
}

// RemoveFile deletes a file from the working directory.
func (r *Repo) RemoveFile(name string) {
	r.t.Helper()

	require.NoError(r.t, os.Remove(filepath.Join(r.Path, name)))
}

// Commit records the working directory on HEAD as DefaultAuthor, one
// day after the previous commit.
func (r *Repo) Commit(message string) model.CommitID {
	r.t.Helper()

	r.clock = r.clock.Add(24 * time.Hour)

	return r.CommitAs(DefaultAuthor, r.clock, message)
}

// CommitAs records the working directory on HEAD with an explicit author
// and timestamp.
func (r *Repo) CommitAs(author Author, when time.Time, message string) model.CommitID {
	r.t.Helper()

	var parents []*git2go.Commit

	head, err := r.native.Head()
	if err == nil {
		headCommit, lookupErr := r.native.LookupCommit(head.Target())
		require.NoError(r.t, lookupErr)

		parents = append(parents, headCommit)

		head.Free()
	}

	return r.create("HEAD", author, when, message, parents)
}

// CommitOnto records the working directory as a commit with the given
// parents without moving HEAD. Used to build merges and side branches.
func (r *Repo) CommitOnto(author Author, when time.Time, message string, parentIDs ...model.CommitID) model.CommitID {
	r.t.Helper()

	parents := make([]*git2go.Commit, 0, len(parentIDs))

	for _, id := range parentIDs {
		oid, err := git2go.NewOid(string(id))
		require.NoError(r.t, err)

		parent, err := r.native.LookupCommit(oid)
		require.NoError(r.t, err)

		parents = append(parents, parent)
	}

	return r.create("", author, when, message, parents)
}

// SetHead points HEAD at id.
func (r *Repo) SetHead(id model.CommitID) {
	r.t.Helper()

	oid, err := git2go.NewOid(string(id))
	require.NoError(r.t, err)

	head, err := r.native.Head()
	require.NoError(r.t, err)

	defer head.Free()

	moved, err := head.SetTarget(oid, "test: move head")
	require.NoError(r.t, err)

	moved.Free()
}

// Branch creates a local branch at id.
func (r *Repo) Branch(name string, id model.CommitID) {
	r.t.Helper()

	oid, err := git2go.NewOid(string(id))
	require.NoError(r.t, err)

	commit, err := r.native.LookupCommit(oid)
	require.NoError(r.t, err)

	defer commit.Free()

	branch, err := r.native.CreateBranch(name, commit, false)
	require.NoError(r.t, err)

	branch.Free()
}

func (r *Repo) create(ref string, author Author, when time.Time, message string, parents []*git2go.Commit) model.CommitID {
	r.t.Helper()

	index, err := r.native.Index()
	require.NoError(r.t, err)

	defer index.Free()

	require.NoError(r.t, index.UpdateAll([]string{"*"}, nil))
	require.NoError(r.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(r.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(r.t, err)

	tree, err := r.native.LookupTree(treeID)
	require.NoError(r.t, err)

	defer tree.Free()

	sig := &git2go.Signature{Name: author.Name, Email: author.Email, When: when}

	oid, err := r.native.CreateCommit(ref, sig, sig, message, tree, parents...)
	require.NoError(r.t, err)

	for _, parent := range parents {
		parent.Free()
	}

	return model.CommitID(oid.String())
}
