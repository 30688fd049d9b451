package query

import (
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
)

// Match is one entity matched by a query, along with the component values
// captured for it and the per-component change/add flags the filter fired.
type Match struct {
	Entity  ecs.EntityID
	Values  map[string]any
	Changed map[string]bool
	Added   map[string]bool
	Removed map[string]bool
}

// Result is the full outcome of one query evaluation. Results produced from
// the per-frame cache are shared; callers must treat them as read-only.
type Result struct {
	Matches []*Match
}

// Engine evaluates filters against the component store. Evaluation picks
// between a fast path for purely dynamic filters and a full archetype scan,
// and caches frame-invariant results for reuse within the same frame.
type Engine struct {
	store *ecs.Store
	res   *Resolver
	cache *resultCache
	log   *zap.Logger
}

func NewEngine(store *ecs.Store, log *zap.Logger) *Engine {
	return &Engine{
		store: store,
		res:   NewResolver(store.Registry()),
		cache: newResultCache(),
		log:   log,
	}
}

func (e *Engine) Resolver() *Resolver { return e.res }

// Run evaluates the filter for the given change window. It never fails: a
// name that matches nothing simply yields an empty result.
func (e *Engine) Run(f Filter, w Window) *Result {
	if len(f.removed) > 0 {
		return e.runRemoved(f, w)
	}

	var key uint64
	cacheable := f.Cacheable()
	if cacheable {
		key = cacheKey(f.with, f.optional, e.store.Tick())
		if r, ok := e.cache.get(key, e.store.Tick()); ok {
			return r
		}
	}

	var r *Result
	if e.fastPathEligible(f) {
		r = e.runFast(f)
	} else {
		r = e.runFull(f, w)
	}

	if cacheable {
		e.cache.put(key, e.store.Tick(), r)
	}
	return r
}

// runRemoved reads the removal-event ledger instead of iterating entities.
// Matches carry only the entity identifier; the component, and possibly the
// entity itself, may no longer exist.
func (e *Engine) runRemoved(f Filter, w Window) *Result {
	r := &Result{}
	seen := make(map[ecs.EntityID]*Match)
	for _, name := range f.removed {
		for _, id := range e.store.RemovedSince(name, w.LastRun, w.ThisRun) {
			m, ok := seen[id]
			if !ok {
				m = &Match{Entity: id, Removed: make(map[string]bool, 1)}
				seen[id] = m
				r.Matches = append(r.Matches, m)
			}
			m.Removed[name] = true
		}
	}
	return r
}

// fastPathEligible: every required component is dynamically typed and the
// filter has no exclusion, any-of, change, add or or semantics. Such filters
// only need the archetypes that physically hold the dynamic container.
func (e *Engine) fastPathEligible(f Filter) bool {
	if len(f.without) > 0 || len(f.anyOf) > 0 || len(f.changed) > 0 ||
		len(f.added) > 0 || len(f.or) > 0 {
		return false
	}
	for _, name := range f.with {
		if e.res.Resolve(name).Kind == KindNative {
			return false
		}
	}
	for _, name := range f.optional {
		if e.res.Resolve(name).Kind == KindNative {
			return false
		}
	}
	return true
}

func (e *Engine) runFast(f Filter) *Result {
	r := &Result{}
	e.store.EachArchetype(func(v ecs.ArchetypeView) {
		if !v.HasDynamic() {
			return
		}
		for row := 0; row < v.Len(); row++ {
			values := make(map[string]any, len(f.with)+len(f.optional))
			ok := true
			for _, name := range f.with {
				val, present := v.Dynamic(row, name)
				if !present {
					ok = false
					break
				}
				values[name] = val
			}
			if !ok {
				continue
			}
			for _, name := range f.optional {
				if val, present := v.Dynamic(row, name); present {
					values[name] = val
				}
			}
			r.Matches = append(r.Matches, &Match{Entity: v.Entity(row), Values: values})
		}
	})
	return r
}

type resolvedName struct {
	name string
	ref  TypeRef
}

func (e *Engine) resolveAll(names []string) []resolvedName {
	out := make([]resolvedName, len(names))
	for i, n := range names {
		out[i] = resolvedName{name: n, ref: e.res.Resolve(n)}
	}
	return out
}

func (e *Engine) runFull(f Filter, w Window) *Result {
	with := e.resolveAll(f.with)
	without := e.resolveAll(f.without)
	anyOf := e.resolveAll(f.anyOf)
	optional := e.resolveAll(f.optional)
	changed := e.resolveAll(f.changed)
	added := e.resolveAll(f.added)

	// Removal sets for Or-removed members, keyed by component name.
	removedSets := make(map[string]map[ecs.EntityID]bool)
	for _, c := range f.or {
		if c.Kind == OrRemoved && removedSets[c.Name] == nil {
			set := make(map[ecs.EntityID]bool)
			for _, id := range e.store.RemovedSince(c.Name, w.LastRun, w.ThisRun) {
				set[id] = true
			}
			removedSets[c.Name] = set
		}
	}

	needsDyn := false
	for _, rn := range with {
		if rn.ref.Kind == KindDynamic {
			needsDyn = true
		}
	}

	r := &Result{}
	e.store.EachArchetype(func(v ecs.ArchetypeView) {
		// Archetype-level rejection on native required/excluded ids.
		for _, rn := range with {
			if rn.ref.Kind == KindNative && !v.HasType(rn.ref.ID) {
				return
			}
		}
		if needsDyn && !v.HasDynamic() {
			return
		}
		for _, rn := range without {
			if rn.ref.Kind == KindNative && v.HasType(rn.ref.ID) {
				return
			}
		}

		for row := 0; row < v.Len(); row++ {
			m := e.matchRow(v, row, f, with, without, anyOf, optional, changed, added, removedSets, w)
			if m != nil {
				r.Matches = append(r.Matches, m)
			}
		}
	})
	return r
}

func (e *Engine) matchRow(
	v ecs.ArchetypeView, row int, f Filter,
	with, without, anyOf, optional, changed, added []resolvedName,
	removedSets map[string]map[ecs.EntityID]bool, w Window,
) *Match {
	values := make(map[string]any, len(with)+len(optional))

	for _, rn := range with {
		val, ok := rowValue(v, row, rn)
		if !ok {
			return nil
		}
		values[rn.name] = val
	}
	for _, rn := range without {
		if rn.ref.Kind == KindDynamic {
			if _, present := v.Dynamic(row, rn.name); present {
				return nil
			}
		}
	}
	if len(anyOf) > 0 {
		hit := false
		for _, rn := range anyOf {
			if val, ok := rowValue(v, row, rn); ok {
				values[rn.name] = val
				hit = true
			}
		}
		if !hit {
			return nil
		}
	}

	changedNames := make(map[string]bool)
	addedNames := make(map[string]bool)
	for _, rn := range changed {
		if !changedIn(v, row, rn.ref, rn.name, w) {
			return nil
		}
		changedNames[rn.name] = true
	}
	for _, rn := range added {
		if !addedIn(v, row, rn.ref, rn.name, w) {
			return nil
		}
		addedNames[rn.name] = true
	}

	// Or-combinator: the row matches when any member fires; every firing
	// member is recorded so scripts can discriminate which condition hit.
	removedNames := make(map[string]bool)
	if len(f.or) > 0 {
		fired := false
		for _, c := range f.or {
			ref := e.res.Resolve(c.Name)
			switch c.Kind {
			case OrChanged:
				if changedIn(v, row, ref, c.Name, w) {
					changedNames[c.Name] = true
					fired = true
				}
			case OrAdded:
				if addedIn(v, row, ref, c.Name, w) {
					addedNames[c.Name] = true
					fired = true
				}
			case OrRemoved:
				if removedSets[c.Name][v.Entity(row)] {
					removedNames[c.Name] = true
					fired = true
				}
			}
		}
		if !fired {
			return nil
		}
	}

	for _, rn := range optional {
		if val, ok := rowValue(v, row, rn); ok {
			values[rn.name] = val
		}
	}

	return &Match{
		Entity:  v.Entity(row),
		Values:  values,
		Changed: changedNames,
		Added:   addedNames,
		Removed: removedNames,
	}
}

func rowValue(v ecs.ArchetypeView, row int, rn resolvedName) (any, bool) {
	if rn.ref.Kind == KindNative {
		if !v.HasType(rn.ref.ID) {
			return nil, false
		}
		return v.Value(row, rn.ref.ID), true
	}
	return v.Dynamic(row, rn.name)
}
