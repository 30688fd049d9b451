package ecs

import "sync"

// TypeID identifies a natively registered component type. Ids are stable for
// the lifetime of the process; names map to the same id forever once issued.
type TypeID uint32

// TypeInfo describes one registered component type.
type TypeInfo struct {
	ID   TypeID
	Name string
}

// Registry is the component-reflection registry: it maps component names to
// storage type ids and enumerates every registered type. Names that were
// never registered are treated as dynamically typed by the rest of the
// system; the registry itself never answers "not a component".
type Registry struct {
	mu     sync.Mutex
	byName map[string]TypeID
	infos  []TypeInfo
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]TypeID, 64),
	}
}

// Register returns the type id for name, issuing a new one on first use.
// Registration order is allowed to trail component usage: a name may be
// looked up (and miss) before the owning subsystem registers it.
func (r *Registry) Register(name string) TypeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := TypeID(len(r.infos) + 1)
	r.byName[name] = id
	r.infos = append(r.infos, TypeInfo{ID: id, Name: name})
	return id
}

// Lookup reports the native type id for name, if one has been registered.
func (r *Registry) Lookup(name string) (TypeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// Name returns the component name for a type id, or "" for an unknown id.
func (r *Registry) Name(id TypeID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 || int(id) > len(r.infos) {
		return ""
	}
	return r.infos[id-1].Name
}

// Types lists every registered component type.
func (r *Registry) Types() []TypeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TypeInfo, len(r.infos))
	copy(out, r.infos)
	return out
}
