package ecs

import (
	"sort"
	"strconv"
	"strings"
)

// Tick is the monotonically increasing frame counter. A component write is
// attributed to the tick that was current when the write landed in the store.
type Tick uint64

// CellTicks records when a component was attached and last written.
type CellTicks struct {
	Added   Tick
	Written Tick
}

type dynCell struct {
	value any
	ticks CellTicks
}

// archetype groups entities sharing an identical native component set, plus
// an optional dynamic-components container for script-defined data. Columns
// are parallel to the entity list; rows move with swap-remove.
type archetype struct {
	key      string
	types    []TypeID // sorted
	typeSet  map[TypeID]struct{}
	hasDyn   bool
	entities []EntityID
	rowOf    map[EntityID]int
	cols     map[TypeID][]any
	ticks    map[TypeID][]CellTicks
	dyn      []map[string]dynCell
}

// archKey builds the canonical identity of an archetype from its sorted
// native type ids and the presence of the dynamic container.
func archKey(types []TypeID, hasDyn bool) string {
	var b strings.Builder
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	}
	if hasDyn {
		b.WriteString("+d")
	}
	return b.String()
}

func newArchetype(types []TypeID, hasDyn bool) *archetype {
	sorted := make([]TypeID, len(types))
	copy(sorted, types)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	a := &archetype{
		key:     archKey(sorted, hasDyn),
		types:   sorted,
		typeSet: make(map[TypeID]struct{}, len(sorted)),
		hasDyn:  hasDyn,
		rowOf:   make(map[EntityID]int),
		cols:    make(map[TypeID][]any, len(sorted)),
		ticks:   make(map[TypeID][]CellTicks, len(sorted)),
	}
	for _, t := range sorted {
		a.typeSet[t] = struct{}{}
	}
	return a
}

func (a *archetype) has(id TypeID) bool {
	_, ok := a.typeSet[id]
	return ok
}

// addRow appends an empty row for e and returns its index.
func (a *archetype) addRow(e EntityID) int {
	row := len(a.entities)
	a.entities = append(a.entities, e)
	a.rowOf[e] = row
	for _, t := range a.types {
		a.cols[t] = append(a.cols[t], nil)
		a.ticks[t] = append(a.ticks[t], CellTicks{})
	}
	if a.hasDyn {
		a.dyn = append(a.dyn, make(map[string]dynCell, 4))
	}
	return row
}

// removeRow deletes a row via swap-remove and fixes up the moved entity.
func (a *archetype) removeRow(row int) {
	last := len(a.entities) - 1
	removed := a.entities[row]
	moved := a.entities[last]
	a.entities[row] = moved
	a.entities = a.entities[:last]
	delete(a.rowOf, removed)
	if row != last {
		a.rowOf[moved] = row
	}
	for _, t := range a.types {
		col := a.cols[t]
		col[row] = col[last]
		a.cols[t] = col[:last]
		tk := a.ticks[t]
		tk[row] = tk[last]
		a.ticks[t] = tk[:last]
	}
	if a.hasDyn {
		a.dyn[row] = a.dyn[last]
		a.dyn = a.dyn[:last]
	}
}

// ArchetypeView is the read surface the query engine iterates over. It is
// only valid for the duration of the enclosing EachArchetype call.
type ArchetypeView struct {
	a *archetype
}

func (v ArchetypeView) HasType(id TypeID) bool { return v.a.has(id) }
func (v ArchetypeView) HasDynamic() bool       { return v.a.hasDyn }
func (v ArchetypeView) Len() int               { return len(v.a.entities) }
func (v ArchetypeView) Entity(row int) EntityID {
	return v.a.entities[row]
}

// Value returns the native component value stored at row for type id.
func (v ArchetypeView) Value(row int, id TypeID) any {
	col, ok := v.a.cols[id]
	if !ok {
		return nil
	}
	return col[row]
}

// NativeTicks reports when the native component at row was added/written.
func (v ArchetypeView) NativeTicks(row int, id TypeID) (CellTicks, bool) {
	tk, ok := v.a.ticks[id]
	if !ok {
		return CellTicks{}, false
	}
	return tk[row], true
}

// Dynamic returns the dynamically-typed component named name at row.
func (v ArchetypeView) Dynamic(row int, name string) (any, bool) {
	if !v.a.hasDyn {
		return nil, false
	}
	cell, ok := v.a.dyn[row][name]
	if !ok {
		return nil, false
	}
	return cell.value, true
}

// DynamicTicks reports when the dynamic component at row was added/written.
func (v ArchetypeView) DynamicTicks(row int, name string) (CellTicks, bool) {
	if !v.a.hasDyn {
		return CellTicks{}, false
	}
	cell, ok := v.a.dyn[row][name]
	if !ok {
		return CellTicks{}, false
	}
	return cell.ticks, true
}
