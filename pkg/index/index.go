// Package index is the History Index: an append-only ledger of change
// events in commit order, with durable stores for resuming analysis.
//
// One goroutine appends; any number may read. Each append publishes a new
// immutable view of the ledger, so a reader sees either all of a commit's
// events or none of them, and the log it observes only grows.
package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// ErrInvalidEvent rejects an append carrying an event that does not belong
// to the appended commit or has an unknown kind.
var ErrInvalidEvent = errors.New("invalid change event")

// CommitRecord is the ledger entry for one appended commit.
type CommitRecord struct {
	Offset int64        `json:"offset"`
	Commit model.Commit `json:"commit"`
	// Events is the number of change events appended with the commit.
	Events int `json:"events"`
	// Checksum chains this record to every record before it.
	Checksum string `json:"checksum"`
}

// view is an immutable published prefix of the ledger.
type view struct {
	commits []CommitRecord
	// starts[i] is the position of the first event of commits[i].
	starts []int
	events []model.ChangeEvent
}

func (v *view) latest() int64 { return int64(len(v.commits)) }

// eventsOf returns the events of the commit at offset.
func (v *view) eventsOf(offset int64) []model.ChangeEvent {
	i := offset - 1
	start := v.starts[i]

	return v.events[start : start+v.commits[i].Events]
}

// Index is the in-memory ledger.
type Index struct {
	repo string

	// mu serializes writers.
	mu      sync.Mutex
	commits []CommitRecord
	starts  []int
	events  []model.ChangeEvent

	published atomic.Pointer[view]

	// lookup guards the maps below; readers take it briefly.
	lookup     sync.RWMutex
	offsets    map[model.CommitID]int64
	boundaries map[model.CommitID]struct{}
	byKey      map[model.EntityKey][]int

	aux     sync.RWMutex
	links   []model.FeatureLink
	linked  map[model.CommitID]struct{}
	derived Derived
	tips    map[model.CommitID][]model.Entity
}

// New returns an empty index for the repository at repoPath.
func New(repoPath string) *Index {
	ix := &Index{
		repo:       repoPath,
		offsets:    make(map[model.CommitID]int64),
		boundaries: make(map[model.CommitID]struct{}),
		byKey:      make(map[model.EntityKey][]int),
		linked:     make(map[model.CommitID]struct{}),
		tips:       make(map[model.CommitID][]model.Entity),
	}
	ix.published.Store(&view{})

	return ix
}

// Repo returns the repository path the index describes.
func (ix *Index) Repo() string { return ix.repo }

func (ix *Index) view() *view { return ix.published.Load() }

// LatestOffset returns the offset of the last appended commit, 0 when empty.
func (ix *Index) LatestOffset() int64 { return ix.view().latest() }

// Checksum returns the chain checksum of the last appended commit.
func (ix *Index) Checksum() string {
	v := ix.view()
	if len(v.commits) == 0 {
		return ""
	}

	return v.commits[len(v.commits)-1].Checksum
}

// Has reports whether commit id has been appended.
func (ix *Index) Has(id model.CommitID) bool {
	_, ok := ix.Offset(id)

	return ok
}

// Offset returns the offset of an appended commit.
func (ix *Index) Offset(id model.CommitID) (int64, bool) {
	ix.lookup.RLock()
	defer ix.lookup.RUnlock()

	off, ok := ix.offsets[id]

	return off, ok
}

// Commit returns the record appended at offset.
func (ix *Index) Commit(offset int64) (CommitRecord, bool) {
	v := ix.view()
	if offset < 1 || offset > v.latest() {
		return CommitRecord{}, false
	}

	return v.commits[offset-1], true
}

// Commits returns every appended record in offset order.
func (ix *Index) Commits() []CommitRecord {
	return slices.Clone(ix.view().commits)
}

// RegisterTruncation marks id as a history boundary: a parent that will
// never be appended, because it is unreachable or excluded from the walk.
// Children of a boundary may be appended.
func (ix *Index) RegisterTruncation(id model.CommitID) {
	ix.lookup.Lock()
	defer ix.lookup.Unlock()

	ix.boundaries[id] = struct{}{}
}

// IsBoundary reports whether id was registered as a truncation.
func (ix *Index) IsBoundary(id model.CommitID) bool {
	ix.lookup.RLock()
	defer ix.lookup.RUnlock()

	_, ok := ix.boundaries[id]

	return ok
}

// Boundaries returns the registered truncations, sorted.
func (ix *Index) Boundaries() []model.CommitID {
	ix.lookup.RLock()
	defer ix.lookup.RUnlock()

	out := make([]model.CommitID, 0, len(ix.boundaries))
	for id := range ix.boundaries {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

// Append adds commit and its events as one unit and returns the commit's
// offset. Re-appending an indexed commit is a no-op returning its original
// offset. Every parent must be indexed or registered as a boundary, else
// the call fails with model.ErrOutOfOrderCommit and the ledger is
// unchanged.
func (ix *Index) Append(ctx context.Context, commit model.Commit, events []model.ChangeEvent) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if off, ok := ix.Offset(commit.ID); ok {
		return off, nil
	}

	for _, parent := range commit.Parents {
		if !ix.Has(parent) && !ix.IsBoundary(parent) {
			return 0, fmt.Errorf("%w: %s has unindexed parent %s",
				model.ErrOutOfOrderCommit, commit.ID.Short(), parent.Short())
		}
	}

	offset := int64(len(ix.commits)) + 1
	staged := make([]model.ChangeEvent, len(events))

	for i, ev := range events {
		if ev.Commit == "" {
			ev.Commit = commit.ID
		}

		if ev.Commit != commit.ID || !ev.Kind.Valid() || ev.EntityKey == "" {
			return 0, fmt.Errorf("%w: %s event %d (%s %q)", ErrInvalidEvent, commit.ID.Short(), i, ev.Kind, ev.EntityKey)
		}

		ev.Offset = offset
		staged[i] = ev
	}

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("append %s: %w", commit.ID.Short(), err)
	}

	rec := CommitRecord{
		Offset:   offset,
		Commit:   commit,
		Events:   len(staged),
		Checksum: chain(ix.lastChecksum(), commit, staged),
	}

	ix.publish(rec, staged)

	return offset, nil
}

func (ix *Index) lastChecksum() string {
	if len(ix.commits) == 0 {
		return ""
	}

	return ix.commits[len(ix.commits)-1].Checksum
}

// publish must be called with mu held.
func (ix *Index) publish(rec CommitRecord, events []model.ChangeEvent) {
	start := len(ix.events)

	ix.commits = append(ix.commits, rec)
	ix.starts = append(ix.starts, start)
	ix.events = append(ix.events, events...)

	ix.lookup.Lock()
	ix.offsets[rec.Commit.ID] = rec.Offset

	for i, ev := range events {
		ix.byKey[ev.EntityKey] = append(ix.byKey[ev.EntityKey], start+i)
	}

	ix.published.Store(&view{commits: ix.commits, starts: ix.starts, events: ix.events})
	ix.lookup.Unlock()
}

// EventsFor returns the events of one entity up to offset upTo (inclusive;
// 0 means everything).
func (ix *Index) EventsFor(key model.EntityKey, upTo int64) []model.ChangeEvent {
	events, _ := Collect(ix.Query(Filter{EntityKey: key, ToOffset: upTo}))

	return events
}

// Keys returns every entity key with at least one event at or before upTo
// (0 means everything), sorted.
func (ix *Index) Keys(upTo int64) []model.EntityKey {
	v := ix.view()

	ix.lookup.RLock()
	defer ix.lookup.RUnlock()

	keys := make([]model.EntityKey, 0, len(ix.byKey))

	for key, positions := range ix.byKey {
		first := positions[0]
		if first >= len(v.events) {
			continue
		}

		if upTo > 0 && v.events[first].Offset > upTo {
			continue
		}

		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}

// AddLinks records feature links for a commit. Links for a commit already
// linked are ignored, so re-running the linkers is idempotent.
func (ix *Index) AddLinks(commit model.CommitID, links []model.FeatureLink) {
	ix.aux.Lock()
	defer ix.aux.Unlock()

	if _, done := ix.linked[commit]; done {
		return
	}

	ix.linked[commit] = struct{}{}
	ix.links = append(ix.links, links...)
}

// Linked reports whether links were recorded for commit.
func (ix *Index) Linked(commit model.CommitID) bool {
	ix.aux.RLock()
	defer ix.aux.RUnlock()

	_, ok := ix.linked[commit]

	return ok
}

// Links returns every recorded feature link.
func (ix *Index) Links() []model.FeatureLink {
	ix.aux.RLock()
	defer ix.aux.RUnlock()

	return slices.Clone(ix.links)
}

// Derived is the aggregator output persisted with the index.
type Derived struct {
	// Offset is the ledger offset the artifacts were computed up to.
	Offset     int64                     `json:"offset"`
	States     []model.FoldState         `json:"states,omitempty"`
	Ownership  []model.OwnershipSnapshot `json:"ownership,omitempty"`
	Complexity []model.ComplexityPoint   `json:"complexity,omitempty"`
}

// SetDerived replaces the stored aggregator output.
func (ix *Index) SetDerived(d Derived) error {
	if d.Offset > ix.LatestOffset() {
		return fmt.Errorf("%w: derived offset %d beyond ledger offset %d",
			model.ErrIndexCorruption, d.Offset, ix.LatestOffset())
	}

	ix.aux.Lock()
	defer ix.aux.Unlock()

	ix.derived = d

	return nil
}

// Derived returns the stored aggregator output.
func (ix *Index) Derived() Derived {
	ix.aux.RLock()
	defer ix.aux.RUnlock()

	return ix.derived
}

// SetTip stores the keyed entity set of a branch tip so a later run can
// continue from it.
func (ix *Index) SetTip(commit model.CommitID, entities []model.Entity) {
	ix.aux.Lock()
	defer ix.aux.Unlock()

	ix.tips[commit] = entities
}

// Tip returns the entity set stored for commit.
func (ix *Index) Tip(commit model.CommitID) ([]model.Entity, bool) {
	ix.aux.RLock()
	defer ix.aux.RUnlock()

	entities, ok := ix.tips[commit]

	return entities, ok
}

// DropTip forgets the entity set of a commit that is no longer a tip.
func (ix *Index) DropTip(commit model.CommitID) {
	ix.aux.Lock()
	defer ix.aux.Unlock()

	delete(ix.tips, commit)
}

// TipIDs returns the commits with a stored entity set, sorted.
func (ix *Index) TipIDs() []model.CommitID {
	ix.aux.RLock()
	defer ix.aux.RUnlock()

	return sortedKeys(ix.tips)
}
