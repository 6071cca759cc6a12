package classify

import (
	"slices"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// ClassifyMerge classifies a merge commit. before is the first parent's
// entity set and others hold the entity sets of the remaining parents.
// An entity brought in from another parent keeps that parent's key, and a
// change is reported only when the merged content differs from every
// parent, as when a conflict was resolved by hand.
func (c *Classifier) ClassifyMerge(commit model.Commit, before, after []model.Entity, others [][]model.Entity) Result {
	res := c.Classify(commit, before, after)
	if len(others) == 0 {
		return res
	}

	return c.reconcile(commit, res, others)
}

// sideEntities indexes the entities of non-first parents.
type sideEntities struct {
	byKey      map[model.EntityKey]model.Entity
	byIdentity map[model.Identity]model.Entity
	byBody     map[string]model.Entity
}

func newSideEntities(others [][]model.Entity) sideEntities {
	s := sideEntities{
		byKey:      make(map[model.EntityKey]model.Entity),
		byIdentity: make(map[model.Identity]model.Entity),
		byBody:     make(map[string]model.Entity),
	}

	for _, set := range others {
		for _, e := range keyed(set) {
			s.byKey[e.Key] = e
			s.byIdentity[e.Identity()] = e

			if e.Body != "" {
				s.byBody[string(e.Kind)+"\x00"+e.BodyFingerprint] = e
			}
		}
	}

	return s
}

// origin finds the counterpart of an entity the first parent did not have.
func (s sideEntities) origin(e model.Entity) (model.Entity, bool) {
	if o, ok := s.byIdentity[e.Identity()]; ok {
		return o, true
	}

	if e.Body == "" {
		return model.Entity{}, false
	}

	o, ok := s.byBody[string(e.Kind)+"\x00"+e.BodyFingerprint]

	return o, ok
}

// same reports whether an entity was taken unchanged from a parent.
func same(a, b model.Entity) bool {
	return a.Path == b.Path && a.QualifiedName == b.QualifiedName && a.ContentFingerprint == b.ContentFingerprint
}

func (c *Classifier) reconcile(commit model.Commit, res Result, others [][]model.Entity) Result {
	side := newSideEntities(others)

	added := make(map[model.EntityKey]bool)
	for _, ev := range res.Events {
		if ev.Kind == model.ChangeAdded {
			added[ev.EntityKey] = true
		}
	}

	used := make(map[model.EntityKey]bool, len(res.Entities))
	for _, e := range res.Entities {
		if !added[e.Key] {
			used[e.Key] = true
		}
	}

	drop := make(map[model.EntityKey]bool)

	var extra []model.ChangeEvent

	for j := range res.Entities {
		e := &res.Entities[j]

		if !added[e.Key] {
			// Matched in the first parent: quiet when another parent already
			// holds this exact version.
			o, ok := side.byKey[e.Key]
			if !ok {
				o, ok = side.byIdentity[e.Identity()]
			}

			if ok && same(o, *e) {
				drop[e.Key] = true
			}

			continue
		}

		o, ok := side.origin(*e)
		if !ok || used[o.Key] {
			continue
		}

		drop[e.Key] = true
		e.Key = o.Key
		used[o.Key] = true

		if ev, changed := c.pairEvent(commit, o, *e, -1); changed {
			extra = append(extra, ev)
		}
	}

	res.Events = slices.DeleteFunc(res.Events, func(ev model.ChangeEvent) bool {
		return drop[ev.EntityKey] && ev.Kind != model.ChangeRemoved
	})
	res.Events = append(res.Events, extra...)
	sortEvents(res.Events)

	return res
}
