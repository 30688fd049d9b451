package scripting

import (
	lua "github.com/yuin/gopher-lua"
)

// Proxy returns the live proxy for a module key, creating it on first use.
// The proxy is handed to scripts in place of the raw compiled export: every
// field read, write and call re-resolves the current cache slot, so a hot
// reload that replaces the slot is observed by every existing holder with no
// re-import. The proxy itself caches nothing about the pointee.
//
// Proxies are registered before a module body executes, so a circular import
// partner sees a valid (if not-yet-populated) proxy instead of recursing.
func (c *ModuleCache) Proxy(L *lua.LState, key ModuleKey) *lua.LTable {
	c.mu.Lock()
	if p, ok := c.proxies[key]; ok {
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(2)
		exports, ok := c.Exports(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		tbl, isTable := exports.(*lua.LTable)
		if !isTable {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(L.GetField(tbl, field))
		return 1
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		field := L.CheckString(2)
		value := L.Get(3)
		exports, ok := c.Exports(key)
		if !ok {
			L.RaiseError("module %s is not loaded", key.Path)
			return 0
		}
		tbl, isTable := exports.(*lua.LTable)
		if !isTable {
			L.RaiseError("module %s export is not a table", key.Path)
			return 0
		}
		L.SetField(tbl, field, value)
		return 0
	}))
	mt.RawSetString("__call", L.NewFunction(func(L *lua.LState) int {
		exports, ok := c.Exports(key)
		if !ok {
			L.RaiseError("module %s is not loaded", key.Path)
			return 0
		}
		n := L.GetTop() // proxy + call args
		L.Push(exports)
		for i := 2; i <= n; i++ {
			L.Push(L.Get(i))
		}
		L.Call(n-1, lua.MultRet)
		return L.GetTop() - n
	}))
	L.SetMetatable(proxy, mt)

	c.mu.Lock()
	if p, ok := c.proxies[key]; ok {
		c.mu.Unlock()
		return p
	}
	c.proxies[key] = proxy
	c.mu.Unlock()
	return proxy
}
