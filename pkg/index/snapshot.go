package index

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// FormatVersion is the persisted snapshot format version.
const FormatVersion = 1

// ErrRepoMismatch is returned when a store holds another repository's index.
var ErrRepoMismatch = errors.New("repository mismatch")

// DefaultDir returns the default store directory (~/.lineage).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".lineage")
}

// RepoHash is the short repository identity used to key stores.
func RepoHash(repoPath string) string {
	if abs, err := filepath.Abs(repoPath); err == nil {
		repoPath = abs
	}

	h := sha256.Sum256([]byte(filepath.Clean(repoPath)))

	return hex.EncodeToString(h[:8])
}

// Manifest identifies a persisted index and pins its tail.
type Manifest struct {
	Version      int       `json:"version"`
	RepoPath     string    `json:"repo_path"`
	RepoHash     string    `json:"repo_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
	LatestOffset int64     `json:"latest_offset"`
	Checksum     string    `json:"checksum"`
}

// Validate checks that m belongs to repoHash and uses a known format.
func (m Manifest) Validate(repoHash string) error {
	if m.RepoHash != repoHash {
		return fmt.Errorf("%w: store has %s (%q), want %s", ErrRepoMismatch, m.RepoHash, m.RepoPath, repoHash)
	}

	if m.Version != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d", model.ErrIndexCorruption, m.Version, FormatVersion)
	}

	return nil
}

// StoredCommit is a ledger record with its events.
type StoredCommit struct {
	Record CommitRecord        `json:"record"`
	Events []model.ChangeEvent `json:"events"`
}

// Tip is the keyed entity set of a branch tip.
type Tip struct {
	Commit   model.CommitID `json:"commit"`
	Entities []model.Entity `json:"entities"`
}

// Snapshot is the complete persisted state of an index.
type Snapshot struct {
	Manifest   Manifest            `json:"manifest"`
	Commits    []StoredCommit      `json:"commits"`
	Boundaries []model.CommitID    `json:"boundaries,omitempty"`
	Links      []model.FeatureLink `json:"links,omitempty"`
	Linked     []model.CommitID    `json:"linked,omitempty"`
	Derived    Derived             `json:"derived"`
	Tips       []Tip               `json:"tips,omitempty"`
}

// Snapshot captures the current state of the index.
func (ix *Index) Snapshot() *Snapshot {
	v := ix.view()

	snap := &Snapshot{
		Manifest: Manifest{
			Version:      FormatVersion,
			RepoPath:     ix.repo,
			RepoHash:     RepoHash(ix.repo),
			UpdatedAt:    time.Now().UTC(),
			LatestOffset: v.latest(),
		},
		Commits:    make([]StoredCommit, len(v.commits)),
		Boundaries: ix.Boundaries(),
	}

	for i, rec := range v.commits {
		snap.Commits[i] = StoredCommit{Record: rec, Events: v.eventsOf(rec.Offset)}
	}

	if len(v.commits) > 0 {
		snap.Manifest.Checksum = v.commits[len(v.commits)-1].Checksum
	}

	ix.aux.RLock()
	defer ix.aux.RUnlock()

	snap.Links = append(snap.Links, ix.links...)
	snap.Derived = ix.derived

	for id := range ix.linked {
		snap.Linked = append(snap.Linked, id)
	}

	slices.Sort(snap.Linked)

	for _, id := range sortedKeys(ix.tips) {
		snap.Tips = append(snap.Tips, Tip{Commit: id, Entities: ix.tips[id]})
	}

	return snap
}

// Restore rebuilds an index from a snapshot, verifying offsets and the
// checksum chain. Any mismatch fails with model.ErrIndexCorruption; a
// corrupted snapshot is never partially loaded.
func Restore(snap *Snapshot) (*Index, error) {
	ix := New(snap.Manifest.RepoPath)
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := snap.Manifest.Validate(RepoHash(snap.Manifest.RepoPath)); err != nil {
		return nil, err
	}

	for _, id := range snap.Boundaries {
		ix.boundaries[id] = struct{}{}
	}

	prev := ""

	for i, sc := range snap.Commits {
		rec := sc.Record
		want := int64(i) + 1

		if rec.Offset != want {
			return nil, corrupt("commit %s at offset %d, want %d", rec.Commit.ID.Short(), rec.Offset, want)
		}

		if rec.Events != len(sc.Events) {
			return nil, corrupt("commit %s records %d events, has %d", rec.Commit.ID.Short(), rec.Events, len(sc.Events))
		}

		if _, dup := ix.offsets[rec.Commit.ID]; dup {
			return nil, corrupt("commit %s appears twice", rec.Commit.ID.Short())
		}

		for _, parent := range rec.Commit.Parents {
			_, indexed := ix.offsets[parent]
			_, boundary := ix.boundaries[parent]

			if !indexed && !boundary {
				return nil, corrupt("commit %s precedes its parent %s", rec.Commit.ID.Short(), parent.Short())
			}
		}

		for _, ev := range sc.Events {
			if ev.Offset != rec.Offset || ev.Commit != rec.Commit.ID {
				return nil, corrupt("event of %s carries offset %d commit %s", rec.Commit.ID.Short(), ev.Offset, ev.Commit.Short())
			}
		}

		sum := chain(prev, rec.Commit, sc.Events)
		if sum != rec.Checksum {
			return nil, corrupt("checksum mismatch at offset %d", rec.Offset)
		}

		prev = sum

		start := len(ix.events)
		ix.commits = append(ix.commits, rec)
		ix.starts = append(ix.starts, start)
		ix.events = append(ix.events, sc.Events...)
		ix.offsets[rec.Commit.ID] = rec.Offset

		for j, ev := range sc.Events {
			ix.byKey[ev.EntityKey] = append(ix.byKey[ev.EntityKey], start+j)
		}
	}

	if snap.Manifest.LatestOffset != int64(len(snap.Commits)) || snap.Manifest.Checksum != prev {
		return nil, corrupt("manifest pins offset %d, ledger ends at %d", snap.Manifest.LatestOffset, len(snap.Commits))
	}

	if snap.Derived.Offset > int64(len(snap.Commits)) {
		return nil, corrupt("derived offset %d beyond ledger", snap.Derived.Offset)
	}

	ix.published.Store(&view{commits: ix.commits, starts: ix.starts, events: ix.events})

	ix.links = append(ix.links, snap.Links...)
	for _, id := range snap.Linked {
		ix.linked[id] = struct{}{}
	}

	ix.derived = snap.Derived

	for _, tip := range snap.Tips {
		ix.tips[tip.Commit] = tip.Entities
	}

	return ix, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrIndexCorruption, fmt.Sprintf(format, args...))
}

// chain folds one commit and its events into the running checksum.
func chain(prev string, commit model.Commit, events []model.ChangeEvent) string {
	h := sha256.New()
	w := fieldWriter{h: h}

	w.str(prev)
	w.str(string(commit.ID))

	for _, p := range commit.Parents {
		w.str(string(p))
	}

	w.str(commit.Author.Name)
	w.str(commit.Author.Email)
	w.int(commit.When.UnixNano())
	w.str(commit.Message)
	w.int(int64(len(events)))

	for _, ev := range events {
		w.str(string(ev.EntityKey))
		w.str(string(ev.Kind))
		w.str(string(ev.EntityKind))
		w.str(ev.Path)
		w.str(ev.Name)
		w.str(ev.BeforePath)
		w.str(ev.BeforeName)
		w.str(ev.BeforeFingerprint)
		w.str(ev.AfterFingerprint)
		w.metrics(ev.BeforeMetrics)
		w.metrics(ev.AfterMetrics)
		w.str(strconv.FormatFloat(ev.Churn, 'g', -1, 64))
		w.str(ev.Author)
		w.str(ev.AuthorName)
		w.int(ev.When.UnixNano())
		w.str(strconv.FormatBool(ev.Fallback))
	}

	return hex.EncodeToString(h.Sum(nil))
}

type fieldWriter struct{ h hash.Hash }

func (w fieldWriter) str(s string) {
	w.h.Write([]byte(s))
	w.h.Write([]byte{0})
}

func (w fieldWriter) int(n int64) { w.str(strconv.FormatInt(n, 10)) }

func (w fieldWriter) metrics(m model.Metrics) {
	for _, n := range []int{m.Lines, m.Decisions, m.MaxDepth, m.Calls, m.Params} {
		w.int(int64(n))
	}
}

func sortedKeys[V any](m map[model.CommitID]V) []model.CommitID {
	ids := make([]model.CommitID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
