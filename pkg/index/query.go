package index

import (
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Filter selects change events. Zero fields match everything.
type Filter struct {
	EntityKey  model.EntityKey
	EntityKind model.EntityKind
	// Author matches the author key or, case-insensitively, the author name.
	Author string
	// Kind matches a kind exactly or, for a base kind, any of its variants.
	Kind model.ChangeKind
	// Since and Until bound the commit time, both inclusive.
	Since, Until time.Time
	// FromOffset and ToOffset bound the commit offset, both inclusive.
	FromOffset, ToOffset int64
}

// Match reports whether ev satisfies every set field.
func (f Filter) Match(ev model.ChangeEvent) bool {
	switch {
	case f.EntityKey != "" && ev.EntityKey != f.EntityKey,
		f.EntityKind != "" && ev.EntityKind != f.EntityKind,
		f.Author != "" && !f.matchAuthor(ev),
		!ev.Kind.Matches(f.Kind),
		!f.Since.IsZero() && ev.When.Before(f.Since),
		!f.Until.IsZero() && ev.When.After(f.Until),
		f.FromOffset > 0 && ev.Offset < f.FromOffset,
		f.ToOffset > 0 && ev.Offset > f.ToOffset:
		return false
	}

	return true
}

func (f Filter) matchAuthor(ev model.ChangeEvent) bool {
	return strings.EqualFold(ev.Author, f.Author) || strings.EqualFold(ev.AuthorName, f.Author)
}

// EventIter lazily walks the events matching a filter in offset order. It
// is bound to the ledger as it was when the query started.
type EventIter struct {
	v      *view
	filter Filter

	// keyed iterators visit only positions.
	keyed     bool
	positions []int
	pos       int
	end       int
}

// Query returns an iterator over the events matching f.
func (ix *Index) Query(f Filter) *EventIter {
	v := ix.view()
	it := &EventIter{v: v, filter: f, end: len(v.events)}

	if f.ToOffset > 0 && f.ToOffset < v.latest() {
		it.end = v.starts[f.ToOffset]
	}

	if f.EntityKey != "" {
		ix.lookup.RLock()
		positions := ix.byKey[f.EntityKey]
		ix.lookup.RUnlock()

		// Positions are ascending; keep those inside the view.
		n := sort.SearchInts(positions, it.end)
		it.positions = positions[:n:n]
		it.keyed = true

		return it
	}

	if f.FromOffset > 1 {
		if f.FromOffset > v.latest() {
			it.pos = it.end
		} else {
			it.pos = v.starts[f.FromOffset-1]
		}
	}

	return it
}

// Next returns the next matching event, or io.EOF when exhausted.
func (it *EventIter) Next() (model.ChangeEvent, error) {
	if it.keyed {
		for it.pos < len(it.positions) {
			ev := it.v.events[it.positions[it.pos]]
			it.pos++

			if it.filter.Match(ev) {
				return ev, nil
			}
		}

		return model.ChangeEvent{}, io.EOF
	}

	for it.pos < it.end {
		ev := it.v.events[it.pos]
		it.pos++

		if it.filter.Match(ev) {
			return ev, nil
		}
	}

	return model.ChangeEvent{}, io.EOF
}

// Collect drains it.
func Collect(it *EventIter) ([]model.ChangeEvent, error) {
	var out []model.ChangeEvent

	for {
		ev, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}

		if err != nil {
			return out, err
		}

		out = append(out, ev)
	}
}
