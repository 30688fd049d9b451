package scripting

import (
	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value into the plain Go representation the component
// store holds: nil, bool, float64, string, []any for sequence tables and
// map[string]any for record tables. Nested tables convert recursively.
func ToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		// Functions and userdata cross the bridge opaquely.
		return val
	}
}

func tableToGo(t *lua.LTable) any {
	if isSequence(t) {
		n := t.MaxN()
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, ToGo(t.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = ToGo(v)
	})
	return out
}

// isSequence reports whether the table is a pure 1..n array. A table with
// any non-positional key is treated as a record.
func isSequence(t *lua.LTable) bool {
	n := t.MaxN()
	if n == 0 {
		return false
	}
	count := 0
	record := false
	t.ForEach(func(k, v lua.LValue) {
		count++
		num, ok := k.(lua.LNumber)
		if !ok || float64(num) != float64(int(num)) || int(num) < 1 || int(num) > n {
			record = true
		}
	})
	return !record && count == n
}

// ToLua converts a stored Go value back into a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(ToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, ToLua(L, item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}
