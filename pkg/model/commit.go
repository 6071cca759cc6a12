// Package model holds the value types shared by the history analysis core:
// commits, entities, change events and the artifacts derived from them.
package model

import (
	"strings"
	"time"
)

// CommitID is the hex-encoded content hash of a commit.
type CommitID string

// Short returns the abbreviated form used in logs and tables.
func (id CommitID) Short() string {
	const shortLen = 8

	if len(id) <= shortLen {
		return string(id)
	}

	return string(id[:shortLen])
}

// Signature identifies a commit author.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Key returns the identity used for ownership attribution: the
// lower-cased email, or the name when no email is recorded.
func (s Signature) Key() string {
	if email := strings.TrimSpace(s.Email); email != "" {
		return strings.ToLower(email)
	}

	return strings.ToLower(strings.TrimSpace(s.Name))
}

// Commit is an immutable commit record observed during a walk.
type Commit struct {
	ID      CommitID   `json:"id"`
	Parents []CommitID `json:"parents,omitempty"`
	Author  Signature  `json:"author"`
	When    time.Time  `json:"when"`
	Message string     `json:"message"`
}

// IsMerge reports whether the commit has more than one parent.
func (c Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")

	return strings.TrimSpace(subject)
}

// FileAction is the kind of a file-level change between two trees.
type FileAction string

// File actions. Renames are reported as a delete plus an add.
const (
	FileAdded    FileAction = "added"
	FileModified FileAction = "modified"
	FileDeleted  FileAction = "deleted"
)

// FileChange is one changed path between a commit and its base.
type FileChange struct {
	Action FileAction `json:"action"`
	Path   string     `json:"path"`
}
