package scripting

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/moonbridge/server/internal/query"
)

// luaQuery evaluates a filter and returns an array of entity snapshots. Two
// call shapes are accepted:
//
//	query({"position", "velocity"})              -- required components
//	query({"position"}, {"position"})            -- required + changed
//	query{ with = {...}, without = {...},        -- full named form
//	       any_of = {...}, optional = {...},
//	       changed = {...}, added = {...},
//	       removed = {...},
//	       or_changed = {...}, or_added = {...}, or_removed = {...} }
func (h *Host) luaQuery(L *lua.LState) int {
	tbl := L.CheckTable(1)

	var f query.Filter
	if isNamedFilter(tbl) {
		f = namedFilter(L, tbl)
	} else {
		f = query.NewFilter(stringList(L, tbl)...)
		if L.GetTop() >= 2 {
			f = f.Changed(stringList(L, L.CheckTable(2))...)
		}
	}

	result := h.engine.Run(f, h.currentWindow())

	out := L.NewTable()
	for i, m := range result.Matches {
		out.RawSetInt(i+1, h.newSnapshot(L, m))
	}
	L.Push(out)
	return 1
}

var namedFilterKeys = []string{
	"with", "without", "any_of", "optional",
	"changed", "added", "removed",
	"or_changed", "or_added", "or_removed",
}

func isNamedFilter(tbl *lua.LTable) bool {
	for _, k := range namedFilterKeys {
		if tbl.RawGetString(k) != lua.LNil {
			return true
		}
	}
	return false
}

func namedFilter(L *lua.LState, tbl *lua.LTable) query.Filter {
	f := query.NewFilter(listField(L, tbl, "with")...)
	f = f.Without(listField(L, tbl, "without")...)
	f = f.AnyOf(listField(L, tbl, "any_of")...)
	f = f.Optional(listField(L, tbl, "optional")...)
	f = f.Changed(listField(L, tbl, "changed")...)
	f = f.Added(listField(L, tbl, "added")...)
	f = f.Removed(listField(L, tbl, "removed")...)
	for _, name := range listField(L, tbl, "or_changed") {
		f = f.OrChanged(name)
	}
	for _, name := range listField(L, tbl, "or_added") {
		f = f.OrAdded(name)
	}
	for _, name := range listField(L, tbl, "or_removed") {
		f = f.OrRemoved(name)
	}
	return f
}

func listField(L *lua.LState, tbl *lua.LTable, key string) []string {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		return nil
	}
	sub, ok := v.(*lua.LTable)
	if !ok {
		L.RaiseError("query: %s must be a list of component names", key)
		return nil
	}
	return stringList(L, sub)
}

func stringList(L *lua.LState, tbl *lua.LTable) []string {
	n := tbl.Len()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		v := tbl.RawGetInt(i)
		s, ok := v.(lua.LString)
		if !ok {
			L.RaiseError("query: component names must be strings")
			return nil
		}
		out = append(out, string(s))
	}
	return out
}
