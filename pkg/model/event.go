package model

import (
	"strings"
	"time"
)

// ChangeKind labels how an entity changed at a commit.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded             ChangeKind = "added"
	ChangeRemoved           ChangeKind = "removed"
	ChangeModified          ChangeKind = "modified"
	ChangeModifiedSignature ChangeKind = "modified:signature"
	ChangeModifiedBody      ChangeKind = "modified:body"
	ChangeModifiedBoth      ChangeKind = "modified:both"
	ChangeRenamed           ChangeKind = "renamed"
	ChangeMoved             ChangeKind = "moved"
)

// Family returns the base kind: the three modified variants collapse to
// ChangeModified.
func (k ChangeKind) Family() ChangeKind {
	base, _, _ := strings.Cut(string(k), ":")

	return ChangeKind(base)
}

// Matches reports whether k satisfies a filter. A base kind filter matches
// every variant of its family; a variant filter matches only itself.
func (k ChangeKind) Matches(filter ChangeKind) bool {
	if filter == "" || filter == k {
		return true
	}

	return filter == filter.Family() && k.Family() == filter
}

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeAdded, ChangeRemoved, ChangeModified, ChangeModifiedSignature,
		ChangeModifiedBody, ChangeModifiedBoth, ChangeRenamed, ChangeMoved:
		return true
	}

	return false
}

// ChangeEvent is the atomic fact: how one entity changed at one commit.
type ChangeEvent struct {
	Offset     int64      `json:"offset"`
	Commit     CommitID   `json:"commit"`
	EntityKey  EntityKey  `json:"entity_key"`
	Kind       ChangeKind `json:"kind"`
	EntityKind EntityKind `json:"entity_kind"`
	Path       string     `json:"path"`
	Name       string     `json:"name"`

	BeforePath string `json:"before_path,omitempty"`
	BeforeName string `json:"before_name,omitempty"`

	BeforeFingerprint string `json:"before_fingerprint,omitempty"`
	AfterFingerprint  string `json:"after_fingerprint,omitempty"`

	BeforeMetrics Metrics `json:"before_metrics"`
	AfterMetrics  Metrics `json:"after_metrics"`

	// Churn is the fraction of the entity's content altered, in [0,1].
	Churn float64 `json:"churn"`

	Author     string    `json:"author"`
	AuthorName string    `json:"author_name,omitempty"`
	When       time.Time `json:"when"`
	Fallback   bool      `json:"fallback,omitempty"`
}
