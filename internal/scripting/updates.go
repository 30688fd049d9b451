package scripting

import (
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
)

// UpdateKind classifies a deferred component mutation.
type UpdateKind uint8

const (
	UpdateSet UpdateKind = iota
	UpdatePatch
	UpdateRemove
)

// Update is one recorded mutation intent against (entity, component).
type Update struct {
	Entity ecs.EntityID
	Name   string
	Kind   UpdateKind
	Value  any
}

type updateKey struct {
	entity ecs.EntityID
	name   string
}

// UpdateQueue records script mutations during the script phase and applies
// them in one exclusive pass during the apply phase. Requests drain FIFO;
// for a given (entity, component) the last writer wins, except that a patch
// merges into the most recent pending or committed value rather than
// replacing it.
type UpdateQueue struct {
	pending []Update
	byKey   map[updateKey][]int
}

func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{
		byKey: make(map[updateKey][]int, 64),
	}
}

func (q *UpdateQueue) push(u Update) {
	k := updateKey{entity: u.Entity, name: u.Name}
	q.byKey[k] = append(q.byKey[k], len(q.pending))
	q.pending = append(q.pending, u)
}

func (q *UpdateQueue) QueueSet(e ecs.EntityID, name string, value any) {
	q.push(Update{Entity: e, Name: name, Kind: UpdateSet, Value: value})
}

func (q *UpdateQueue) QueuePatch(e ecs.EntityID, name string, partial any) {
	q.push(Update{Entity: e, Name: name, Kind: UpdatePatch, Value: partial})
}

// QueueRemove is idempotent; removing an absent component is not an error.
func (q *UpdateQueue) QueueRemove(e ecs.EntityID, name string) {
	q.push(Update{Entity: e, Name: name, Kind: UpdateRemove})
}

// PeekPending folds the pending requests for (entity, component) over the
// committed base value, so a read issued right after a set or patch in the
// same script tick observes the not-yet-applied value. removed reports that
// the latest pending request deletes the component.
func (q *UpdateQueue) PeekPending(e ecs.EntityID, name string, base any, baseOK bool) (value any, ok bool, removed bool) {
	idxs := q.byKey[updateKey{entity: e, name: name}]
	if len(idxs) == 0 {
		return base, baseOK, false
	}
	value, ok = base, baseOK
	for _, i := range idxs {
		u := q.pending[i]
		switch u.Kind {
		case UpdateSet:
			value, ok, removed = u.Value, true, false
		case UpdatePatch:
			var cur any
			if ok && !removed {
				cur = value
			}
			value, ok, removed = MergeValue(cur, u.Value), true, false
		case UpdateRemove:
			value, ok, removed = nil, false, true
		}
	}
	return value, ok, removed
}

// HasPending reports whether any request targets (entity, component).
func (q *UpdateQueue) HasPending(e ecs.EntityID, name string) bool {
	return len(q.byKey[updateKey{entity: e, name: name}]) > 0
}

// Drain returns the pending requests in FIFO order and empties the queue.
func (q *UpdateQueue) Drain() []Update {
	out := q.pending
	q.pending = nil
	q.byKey = make(map[updateKey][]int, 64)
	return out
}

// Apply drains the queue against the store in a single exclusive pass.
// Requests against entities that no longer exist are dropped without error;
// despawns racing the apply phase are expected.
func (q *UpdateQueue) Apply(store *ecs.Store, log *zap.Logger) {
	for _, u := range q.Drain() {
		if !store.Alive(u.Entity) {
			log.Debug("dropping update for despawned entity",
				zap.Uint64("entity", uint64(u.Entity)),
				zap.String("component", u.Name))
			continue
		}
		switch u.Kind {
		case UpdateSet:
			store.Set(u.Entity, u.Name, u.Value)
		case UpdatePatch:
			base, _ := store.Get(u.Entity, u.Name)
			store.Set(u.Entity, u.Name, MergeValue(base, u.Value))
		case UpdateRemove:
			store.Remove(u.Entity, u.Name)
		}
	}
}

// MergeValue merges a patch into a base value. When both sides are records,
// patch fields overwrite and unspecified fields are preserved; otherwise the
// patch replaces the base wholesale. The merge is field-level, not deep.
func MergeValue(base, patch any) any {
	bm, baseIsMap := base.(map[string]any)
	pm, patchIsMap := patch.(map[string]any)
	if !baseIsMap || !patchIsMap {
		return patch
	}
	out := make(map[string]any, len(bm)+len(pm))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range pm {
		out[k] = v
	}
	return out
}
