package scripting

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/moonbridge/server/internal/query"
)

const snapshotTypeName = "entity_snapshot"

// Snapshot is the script-side handle for one matched entity. Reads go
// through the deferred update queue so a value written earlier in the same
// script call is observed before it is physically applied; writes only
// record intent, never touch the store directly.
type Snapshot struct {
	host  *Host
	match *query.Match
}

func (h *Host) registerSnapshotType() {
	mt := h.L.NewTypeMetatable(snapshotTypeName)
	h.L.SetField(mt, "__index", h.L.SetFuncs(h.L.NewTable(), map[string]lua.LGFunction{
		"get":        snapshotGet,
		"set":        snapshotSet,
		"patch":      snapshotPatch,
		"remove":     snapshotRemove,
		"is_changed": snapshotIsChanged,
		"is_added":   snapshotIsAdded,
		"is_removed": snapshotIsRemoved,
		"id":         snapshotID,
	}))
}

func (h *Host) newSnapshot(L *lua.LState, m *query.Match) lua.LValue {
	ud := L.NewUserData()
	ud.Value = &Snapshot{host: h, match: m}
	L.SetMetatable(ud, L.GetTypeMetatable(snapshotTypeName))
	return ud
}

func checkSnapshot(L *lua.LState) *Snapshot {
	ud := L.CheckUserData(1)
	s, ok := ud.Value.(*Snapshot)
	if !ok {
		L.ArgError(1, "entity snapshot expected")
		return nil
	}
	return s
}

// committed returns the component value as captured by the query, falling
// back to the store for names the filter did not request.
func (s *Snapshot) committed(name string) (any, bool) {
	if v, ok := s.match.Values[name]; ok {
		return v, true
	}
	return s.host.store.Get(s.match.Entity, name)
}

func snapshotGet(L *lua.LState) int {
	s := checkSnapshot(L)
	name := L.CheckString(2)
	base, baseOK := s.committed(name)
	value, ok, _ := s.host.queue.PeekPending(s.match.Entity, name, base, baseOK)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(ToLua(L, value))
	return 1
}

func snapshotSet(L *lua.LState) int {
	s := checkSnapshot(L)
	tbl := L.CheckTable(2)
	tbl.ForEach(func(k, v lua.LValue) {
		s.host.queue.QueueSet(s.match.Entity, k.String(), ToGo(v))
	})
	return 0
}

func snapshotPatch(L *lua.LState) int {
	s := checkSnapshot(L)
	tbl := L.CheckTable(2)
	var ambiguous string
	tbl.ForEach(func(k, v lua.LValue) {
		if ambiguous != "" {
			return
		}
		name := k.String()
		partial := ToGo(v)
		if _, isList := partial.([]any); isList {
			base, baseOK := s.committed(name)
			cur, ok, _ := s.host.queue.PeekPending(s.match.Entity, name, base, baseOK)
			if ok {
				if _, curIsRecord := cur.(map[string]any); curIsRecord {
					ambiguous = name
					return
				}
			}
		}
		s.host.queue.QueuePatch(s.match.Entity, name, partial)
	})
	if ambiguous != "" {
		L.RaiseError("%v: component %q holds a record, patch is a list", ErrAmbiguousMerge, ambiguous)
		return 0
	}
	return 0
}

func snapshotRemove(L *lua.LState) int {
	s := checkSnapshot(L)
	s.host.queue.QueueRemove(s.match.Entity, L.CheckString(2))
	return 0
}

func snapshotIsChanged(L *lua.LState) int {
	s := checkSnapshot(L)
	L.Push(lua.LBool(s.match.Changed[L.CheckString(2)]))
	return 1
}

func snapshotIsAdded(L *lua.LState) int {
	s := checkSnapshot(L)
	L.Push(lua.LBool(s.match.Added[L.CheckString(2)]))
	return 1
}

func snapshotIsRemoved(L *lua.LState) int {
	s := checkSnapshot(L)
	L.Push(lua.LBool(s.match.Removed[L.CheckString(2)]))
	return 1
}

func snapshotID(L *lua.LState) int {
	s := checkSnapshot(L)
	L.Push(lua.LNumber(s.match.Entity))
	return 1
}
