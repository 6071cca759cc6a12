package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the history core.
var (
	// ErrBrokenHistory is matched by *BrokenHistoryError.
	ErrBrokenHistory = errors.New("broken history")
	// ErrOutOfOrderCommit rejects an append whose parent is not indexed.
	ErrOutOfOrderCommit = errors.New("out of order commit")
	// ErrClassificationTimeout reports an exceeded per-file budget.
	ErrClassificationTimeout = errors.New("classification timeout")
	// ErrIndexCorruption reports a checksum or offset mismatch on load.
	ErrIndexCorruption = errors.New("index corruption")
	// ErrCommitNotFound is returned by repository collaborators for ids
	// absent from the object store.
	ErrCommitNotFound = errors.New("commit not found")
)

// Truncation is a parent reference that could not be resolved.
type Truncation struct {
	Commit CommitID `json:"commit"`
	Parent CommitID `json:"parent"`
}

// BrokenHistoryError lists the truncation boundary of a walk.
type BrokenHistoryError struct {
	Truncations []Truncation
}

func (e *BrokenHistoryError) Error() string {
	parts := make([]string, 0, len(e.Truncations))

	for _, tr := range e.Truncations {
		parts = append(parts, fmt.Sprintf("%s->%s", tr.Commit.Short(), tr.Parent.Short()))
	}

	return fmt.Sprintf("%s: %d unresolved parent(s): %s",
		ErrBrokenHistory, len(e.Truncations), strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrBrokenHistory) succeed.
func (e *BrokenHistoryError) Is(target error) bool {
	return target == ErrBrokenHistory
}

// Parents returns the distinct unresolved parent ids.
func (e *BrokenHistoryError) Parents() []CommitID {
	seen := make(map[CommitID]struct{}, len(e.Truncations))
	out := make([]CommitID, 0, len(e.Truncations))

	for _, tr := range e.Truncations {
		if _, ok := seen[tr.Parent]; ok {
			continue
		}

		seen[tr.Parent] = struct{}{}
		out = append(out, tr.Parent)
	}

	return out
}
