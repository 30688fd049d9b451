package ecs

import (
	"go.uber.org/zap"
)

// RemovalEvent records a component removed from an entity at a given tick.
// Entries may reference entities that no longer exist.
type RemovalEvent struct {
	Entity EntityID
	Name   string
	At     Tick
}

// Store is the archetype-organized component container. Entities live in
// exactly one archetype at a time; native components occupy typed columns
// and script-defined components live in the per-row dynamic container.
//
// The store is single-writer: all mutation happens on the frame goroutine.
type Store struct {
	pool       *EntityPool
	reg        *Registry
	tick       Tick
	archetypes map[string]*archetype
	archList   []*archetype
	locOf      map[EntityID]*archetype
	despawns   []EntityID
	removals   []RemovalEvent
	log        *zap.Logger
}

func NewStore(reg *Registry, log *zap.Logger) *Store {
	s := &Store{
		pool:       NewEntityPool(),
		reg:        reg,
		tick:       1,
		archetypes: make(map[string]*archetype, 32),
		locOf:      make(map[EntityID]*archetype, 256),
		log:        log,
	}
	// Every freshly spawned entity starts in the empty archetype.
	s.archetypeFor(nil, false)
	return s
}

func (s *Store) Registry() *Registry { return s.reg }
func (s *Store) Tick() Tick          { return s.tick }

// AdvanceTick begins a new frame tick and returns it. Writes landing after
// the call are attributed to the new tick.
func (s *Store) AdvanceTick() Tick {
	s.tick++
	return s.tick
}

func (s *Store) archetypeFor(types []TypeID, hasDyn bool) *archetype {
	key := archKey(types, hasDyn)
	if a, ok := s.archetypes[key]; ok {
		return a
	}
	a := newArchetype(types, hasDyn)
	s.archetypes[a.key] = a
	s.archList = append(s.archList, a)
	return a
}

// Spawn allocates a new entity in the empty archetype.
func (s *Store) Spawn() EntityID {
	e := s.pool.Create()
	a := s.archetypeFor(nil, false)
	a.addRow(e)
	s.locOf[e] = a
	return e
}

func (s *Store) Alive(id EntityID) bool {
	return s.pool.Alive(id)
}

// QueueDespawn marks an entity for end-of-frame destruction.
func (s *Store) QueueDespawn(id EntityID) {
	s.despawns = append(s.despawns, id)
}

// FlushDespawns destroys every queued entity, recording removal events for
// each of its components, and returns the handles actually destroyed. Stale
// handles in the queue are skipped.
func (s *Store) FlushDespawns() []EntityID {
	var destroyed []EntityID
	for _, id := range s.despawns {
		if !s.pool.Alive(id) {
			continue
		}
		s.despawn(id)
		destroyed = append(destroyed, id)
	}
	s.despawns = s.despawns[:0]
	return destroyed
}

func (s *Store) despawn(id EntityID) {
	a := s.locOf[id]
	if a != nil {
		row := a.rowOf[id]
		for _, t := range a.types {
			s.removals = append(s.removals, RemovalEvent{Entity: id, Name: s.reg.Name(t), At: s.tick})
		}
		if a.hasDyn {
			for name := range a.dyn[row] {
				s.removals = append(s.removals, RemovalEvent{Entity: id, Name: name, At: s.tick})
			}
		}
		a.removeRow(row)
		delete(s.locOf, id)
	}
	s.pool.Release(id)
}

// moveEntity relocates an entity to the archetype identified by (types,
// hasDyn), carrying over every overlapping component value and its ticks.
func (s *Store) moveEntity(id EntityID, types []TypeID, hasDyn bool) *archetype {
	src := s.locOf[id]
	dst := s.archetypeFor(types, hasDyn)
	if src == dst {
		return dst
	}
	srcRow := src.rowOf[id]
	dstRow := dst.addRow(id)
	for _, t := range dst.types {
		if !src.has(t) {
			continue
		}
		dst.cols[t][dstRow] = src.cols[t][srcRow]
		dst.ticks[t][dstRow] = src.ticks[t][srcRow]
	}
	if dst.hasDyn && src.hasDyn {
		dst.dyn[dstRow] = src.dyn[srcRow]
		src.dyn[srcRow] = make(map[string]dynCell)
	}
	src.removeRow(srcRow)
	s.locOf[id] = dst
	return dst
}

// Set writes a component on an entity. Registered names land in native
// columns (moving the entity between archetypes when the component is new);
// everything else goes into the dynamic container. Writes against stale
// handles are dropped.
func (s *Store) Set(id EntityID, name string, value any) bool {
	if !s.pool.Alive(id) {
		s.log.Debug("set on stale entity dropped",
			zap.Uint64("entity", uint64(id)), zap.String("component", name))
		return false
	}
	a := s.locOf[id]
	if tid, ok := s.reg.Lookup(name); ok {
		if !a.has(tid) {
			a = s.moveEntity(id, append(append([]TypeID(nil), a.types...), tid), a.hasDyn)
			row := a.rowOf[id]
			a.cols[tid][row] = value
			a.ticks[tid][row] = CellTicks{Added: s.tick, Written: s.tick}
			return true
		}
		row := a.rowOf[id]
		a.cols[tid][row] = value
		a.ticks[tid][row].Written = s.tick
		return true
	}
	if !a.hasDyn {
		a = s.moveEntity(id, a.types, true)
	}
	row := a.rowOf[id]
	cell, existed := a.dyn[row][name]
	if !existed {
		cell.ticks.Added = s.tick
	}
	cell.value = value
	cell.ticks.Written = s.tick
	a.dyn[row][name] = cell
	return true
}

// Get reads a component value from an entity by name.
func (s *Store) Get(id EntityID, name string) (any, bool) {
	if !s.pool.Alive(id) {
		return nil, false
	}
	a := s.locOf[id]
	row := a.rowOf[id]
	if tid, ok := s.reg.Lookup(name); ok && a.has(tid) {
		return a.cols[tid][row], true
	}
	if a.hasDyn {
		if cell, ok := a.dyn[row][name]; ok {
			return cell.value, true
		}
	}
	return nil, false
}

func (s *Store) Has(id EntityID, name string) bool {
	_, ok := s.Get(id, name)
	return ok
}

// Ticks reports the add/write ticks for a component on an entity.
func (s *Store) Ticks(id EntityID, name string) (CellTicks, bool) {
	if !s.pool.Alive(id) {
		return CellTicks{}, false
	}
	a := s.locOf[id]
	row := a.rowOf[id]
	if tid, ok := s.reg.Lookup(name); ok && a.has(tid) {
		return a.ticks[tid][row], true
	}
	if a.hasDyn {
		if cell, ok := a.dyn[row][name]; ok {
			return cell.ticks, true
		}
	}
	return CellTicks{}, false
}

// Remove detaches a component from an entity and records a removal event.
// Removing an absent component is a no-op.
func (s *Store) Remove(id EntityID, name string) bool {
	if !s.pool.Alive(id) {
		return false
	}
	a := s.locOf[id]
	row := a.rowOf[id]
	if tid, ok := s.reg.Lookup(name); ok && a.has(tid) {
		kept := make([]TypeID, 0, len(a.types)-1)
		for _, t := range a.types {
			if t != tid {
				kept = append(kept, t)
			}
		}
		s.moveEntity(id, kept, a.hasDyn)
		s.removals = append(s.removals, RemovalEvent{Entity: id, Name: name, At: s.tick})
		return true
	}
	if a.hasDyn {
		if _, ok := a.dyn[row][name]; ok {
			delete(a.dyn[row], name)
			s.removals = append(s.removals, RemovalEvent{Entity: id, Name: name, At: s.tick})
			return true
		}
	}
	return false
}

// ComponentNames lists every component currently attached to an entity.
func (s *Store) ComponentNames(id EntityID) []string {
	if !s.pool.Alive(id) {
		return nil
	}
	a := s.locOf[id]
	row := a.rowOf[id]
	names := make([]string, 0, len(a.types)+4)
	for _, t := range a.types {
		names = append(names, s.reg.Name(t))
	}
	if a.hasDyn {
		for name := range a.dyn[row] {
			names = append(names, name)
		}
	}
	return names
}

// RemovedSince returns entities that lost the named component in the window
// (since, upTo]. Returned handles are not guaranteed to still be alive.
func (s *Store) RemovedSince(name string, since, upTo Tick) []EntityID {
	var out []EntityID
	for _, ev := range s.removals {
		if ev.Name == name && ev.At > since && ev.At <= upTo {
			out = append(out, ev.Entity)
		}
	}
	return out
}

// PruneRemovals drops ledger entries older than horizon ticks.
func (s *Store) PruneRemovals(horizon Tick) {
	if s.tick <= horizon {
		return
	}
	cutoff := s.tick - horizon
	kept := s.removals[:0]
	for _, ev := range s.removals {
		if ev.At >= cutoff {
			kept = append(kept, ev)
		}
	}
	s.removals = kept
}

// EachArchetype invokes fn for every archetype. fn must not mutate the store.
func (s *Store) EachArchetype(fn func(ArchetypeView)) {
	for _, a := range s.archList {
		fn(ArchetypeView{a: a})
	}
}
