package query

// OrKind distinguishes the sub-predicates allowed inside an Or group.
type OrKind uint8

const (
	OrChanged OrKind = iota
	OrAdded
	OrRemoved
)

// OrClause is one member of an Or group: the entity matches when any member
// predicate fires.
type OrClause struct {
	Kind OrKind
	Name string
}

// Filter is an immutable query specification built by chained calls. Every
// builder method returns a new value; the receiver is never mutated, so a
// partially built filter can be reused as a prefix.
type Filter struct {
	with     []string
	without  []string
	anyOf    []string
	optional []string
	changed  []string
	added    []string
	removed  []string
	or       []OrClause
}

// NewFilter starts a filter requiring the given components.
func NewFilter(required ...string) Filter {
	return Filter{with: cloneAppend(nil, required...)}
}

func (f Filter) With(names ...string) Filter {
	f.with = cloneAppend(f.with, names...)
	return f
}

func (f Filter) Without(names ...string) Filter {
	f.without = cloneAppend(f.without, names...)
	return f
}

func (f Filter) AnyOf(names ...string) Filter {
	f.anyOf = cloneAppend(f.anyOf, names...)
	return f
}

func (f Filter) Optional(names ...string) Filter {
	f.optional = cloneAppend(f.optional, names...)
	return f
}

func (f Filter) Changed(names ...string) Filter {
	f.changed = cloneAppend(f.changed, names...)
	return f
}

func (f Filter) Added(names ...string) Filter {
	f.added = cloneAppend(f.added, names...)
	return f
}

// Removed matches against the removal-event ledger instead of live entities.
func (f Filter) Removed(names ...string) Filter {
	f.removed = cloneAppend(f.removed, names...)
	return f
}

func (f Filter) OrChanged(name string) Filter {
	f.or = append(cloneOr(f.or), OrClause{Kind: OrChanged, Name: name})
	return f
}

func (f Filter) OrAdded(name string) Filter {
	f.or = append(cloneOr(f.or), OrClause{Kind: OrAdded, Name: name})
	return f
}

func (f Filter) OrRemoved(name string) Filter {
	f.or = append(cloneOr(f.or), OrClause{Kind: OrRemoved, Name: name})
	return f
}

// Required returns the required-present component names.
func (f Filter) Required() []string { return f.with }

// Cacheable reports whether a result for this filter is frame-invariant:
// only required and optional clauses qualify. Change, add, exclude, any-of,
// or and removed semantics all demand per-call re-evaluation.
func (f Filter) Cacheable() bool {
	return len(f.without) == 0 && len(f.anyOf) == 0 && len(f.changed) == 0 &&
		len(f.added) == 0 && len(f.removed) == 0 && len(f.or) == 0
}

func cloneAppend(base []string, names ...string) []string {
	out := make([]string, 0, len(base)+len(names))
	out = append(out, base...)
	return append(out, names...)
}

func cloneOr(base []OrClause) []OrClause {
	out := make([]OrClause, 0, len(base)+1)
	return append(out, base...)
}
