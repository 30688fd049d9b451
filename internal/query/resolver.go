package query

import (
	"sync"

	"github.com/moonbridge/server/internal/core/ecs"
)

// Kind classifies how a component name is backed.
type Kind uint8

const (
	// KindDynamic means the name has no native storage backing; values live
	// in the dynamic container. A dynamic classification is provisional: the
	// same name may become native once its owner registers the type.
	KindDynamic Kind = iota
	KindNative
)

// TypeRef is the resolved storage reference for one component name.
type TypeRef struct {
	Kind Kind
	ID   ecs.TypeID // valid only when Kind == KindNative
}

// Resolver maps component names to storage references, memoizing positive
// results. Resolve never fails: a name without a native mapping is treated
// as dynamically typed, not as "not a component", because registration may
// still be in flight. Only native hits are cached; a dynamic answer must be
// retried on every call until a native mapping appears.
type Resolver struct {
	reg   *ecs.Registry
	mu    sync.Mutex
	cache map[string]ecs.TypeID
}

func NewResolver(reg *ecs.Registry) *Resolver {
	return &Resolver{
		reg:   reg,
		cache: make(map[string]ecs.TypeID, 64),
	}
}

// Resolve classifies a component name.
func (r *Resolver) Resolve(name string) TypeRef {
	r.mu.Lock()
	if id, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return TypeRef{Kind: KindNative, ID: id}
	}
	r.mu.Unlock()

	id, ok := r.reg.Lookup(name)
	if !ok {
		return TypeRef{Kind: KindDynamic}
	}
	r.mu.Lock()
	r.cache[name] = id
	r.mu.Unlock()
	return TypeRef{Kind: KindNative, ID: id}
}
