package scripting

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
	"github.com/moonbridge/server/internal/core/event"
	"github.com/moonbridge/server/internal/query"
)

// mapLoader serves module source from memory. Paths in pending simulate an
// asynchronous fetch: Load reports ErrPending and the test later delivers
// the bytes through Host.DeliverSource.
type mapLoader struct {
	files   map[string]string
	pending map[string]bool
}

func (m *mapLoader) Load(path string) ([]byte, error) {
	if m.pending[path] {
		return nil, ErrPending
	}
	if src, ok := m.files[path]; ok {
		return []byte(src), nil
	}
	return nil, fmt.Errorf("load %s: %w", path, ErrModuleNotFound)
}

func newTestHost(t *testing.T, files map[string]string) (*Host, *mapLoader) {
	t.Helper()
	loader := &mapLoader{files: files, pending: map[string]bool{}}
	store := ecs.NewStore(ecs.NewRegistry(), zap.NewNop())
	h := NewHost(store, loader, event.NewBus(), zap.NewNop())
	t.Cleanup(h.Close)
	return h, loader
}

func frame(h *Host) {
	h.runInput(0)
	h.runScripts(0)
	h.runApply(0)
	h.runCleanup(0)
}

func globalNum(t *testing.T, h *Host, name string) float64 {
	t.Helper()
	v := h.L.GetGlobal(name)
	n, ok := v.(lua.LNumber)
	require.True(t, ok, "global %s = %v", name, v)
	return float64(n)
}

func globalStr(t *testing.T, h *Host, name string) string {
	t.Helper()
	v := h.L.GetGlobal(name)
	s, ok := v.(lua.LString)
	require.True(t, ok, "global %s = %v", name, v)
	return string(s)
}

func TestBootstrapLoadsEntry(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `return { greeting = "hello" }`,
	})
	h.Bootstrap("main")

	key := ModuleKey{Path: "main", State: PrimaryState}
	require.True(t, h.modules.Loaded(key))
	exports, ok := h.modules.Exports(key)
	require.True(t, ok)
	tbl, ok := exports.(*lua.LTable)
	require.True(t, ok)
	require.Equal(t, lua.LString("hello"), h.L.GetField(tbl, "greeting"))
}

func TestModuleNotFoundRaises(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{})
	h.Bootstrap("missing")
	require.False(t, h.modules.Loaded(ModuleKey{Path: "missing", State: PrimaryState}))
}

func TestSystemSpawnQueryDespawn(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `
register_system(function()
  TICKS = (TICKS or 0) + 1
  if TICKS == 1 then
    EID = spawn({ health = { hp = 10 } })
  elseif TICKS == 2 then
    SEEN2 = #query({"health"})
    despawn(EID)
  elseif TICKS == 3 then
    SEEN3 = #query({"health"})
  end
end)
return {}
`,
	})
	h.Bootstrap("main")

	frame(h) // spawn + queued component set, applied at frame end
	frame(h) // visible to query; despawn queued and flushed
	frame(h)

	require.Equal(t, 1.0, globalNum(t, h, "SEEN2"))
	require.Equal(t, 0.0, globalNum(t, h, "SEEN3"))
}

func TestSnapshotReadWritePatch(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `
register_system(function()
  local rows = query({"stat"})
  if #rows == 1 and not DONE then
    DONE = true
    local row = rows[1]
    row:patch({ stat = { b = 3 } })
    local s = row:get("stat")
    READ_A = s.a
    READ_B = s.b
  end
end)
return {}
`,
	})
	e := h.store.Spawn()
	h.store.Set(e, "stat", map[string]any{"a": 1.0, "b": 2.0})

	h.Bootstrap("main")
	frame(h)

	// Read-through: the patched field is visible in the same script call.
	require.Equal(t, 1.0, globalNum(t, h, "READ_A"))
	require.Equal(t, 3.0, globalNum(t, h, "READ_B"))

	// After the apply phase the store holds the merged record.
	got, ok := h.store.Get(e, "stat")
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": 1.0, "b": 3.0}, got)
}

func TestSystemChangeWindow(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `
register_system(function()
  LAST_N = #query({"stat"}, {"stat"})
end)
return {}
`,
	})
	e := h.store.Spawn()
	h.store.Set(e, "stat", 1.0) // written at tick 1

	h.Bootstrap("main")

	frame(h) // window covers tick 1: the write is fresh for this system
	require.Equal(t, 1.0, globalNum(t, h, "LAST_N"))

	frame(h) // nothing written since: the change must not fire twice
	require.Equal(t, 0.0, globalNum(t, h, "LAST_N"))
}

func TestHotReloadLiveProxy(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `M = require("mod")`,
		"mod":  `return { value = function() return 1 end }`,
	})

	var reloaded []string
	event.Subscribe(h.bus, func(ev event.ModuleReloaded) {
		reloaded = append(reloaded, ev.Path)
	})

	h.Bootstrap("main")
	require.NoError(t, h.L.DoString(`R1 = M.value()`))
	require.Equal(t, 1.0, globalNum(t, h, "R1"))

	loader.files["mod"] = `return { value = function() return 2 end }`
	h.InvalidateSource("mod")

	// The proxy captured before the reload observes the new code with no
	// re-import by the holder.
	require.NoError(t, h.L.DoString(`R2 = M.value()`))
	require.Equal(t, 2.0, globalNum(t, h, "R2"))

	frame(h) // reload events are double-buffered
	require.Contains(t, reloaded, "mod")
	require.Contains(t, reloaded, "main")
}

func TestInvalidationScopeReloadOptOut(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `
MAIN_RUNS = (MAIN_RUNS or 0) + 1
DEP = require("dep", { reload = false })
return {}
`,
		"dep": `return { v = 1 }`,
	})
	h.Bootstrap("main")
	require.Equal(t, 1.0, globalNum(t, h, "MAIN_RUNS"))

	loader.files["dep"] = `return { v = 2 }`
	h.InvalidateSource("dep")

	// The importer opted out: it is never re-executed.
	require.Equal(t, 1.0, globalNum(t, h, "MAIN_RUNS"))

	// But the next explicit request sees the updated module.
	require.NoError(t, h.L.DoString(`DV = require("dep").v`))
	require.Equal(t, 2.0, globalNum(t, h, "DV"))
}

func TestReloadFailureKeepsPreviousExports(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `M = require("mod")`,
		"mod":  `return { value = function() return 1 end }`,
	})
	h.Bootstrap("main")

	loader.files["mod"] = `error("boom")`
	h.InvalidateSource("mod")

	// No partial replacement: the broken reload leaves the old module in
	// the slot and proxies keep working.
	require.NoError(t, h.L.DoString(`R = M.value()`))
	require.Equal(t, 1.0, globalNum(t, h, "R"))
}

func TestHotReloadSupersedesInstance(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `require("mod")`,
		"mod": `
spawn({ owned = true })
return {}
`,
	})
	h.Bootstrap("main")
	frame(h)

	r := h.engine.Run(query.NewFilter("owned"), query.SinceTick(h.store.Tick()))
	require.Len(t, r.Matches, 1)
	first := r.Matches[0].Entity

	h.InvalidateSource("mod")
	frame(h)

	// The superseded instance's entity is cleaned up; the re-execution
	// owns a fresh one.
	r = h.engine.Run(query.NewFilter("owned"), query.SinceTick(h.store.Tick()))
	require.Len(t, r.Matches, 1)
	require.NotEqual(t, first, r.Matches[0].Entity)
	require.False(t, h.store.Alive(first))
}

func TestSuspendAndDeliver(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `
S = require("slow")
DONE = S.name
`,
	})
	loader.pending["slow"] = true

	h.Bootstrap("main")
	require.Equal(t, lua.LNil, h.L.GetGlobal("DONE"), "call must be parked, not failed")
	require.Len(t, h.waiting["slow"], 1)

	h.DeliverSource("slow", []byte(`return { name = "slow" }`))
	require.Equal(t, "slow", globalStr(t, h, "DONE"))
	require.Empty(t, h.waiting["slow"])
}

func TestPendingInstancedLoad(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `
M = require("gadget", { instanced = true })
DONE = M.kind
`,
	})
	loader.pending["gadget"] = true

	h.Bootstrap("main")
	require.Equal(t, lua.LNil, h.L.GetGlobal("DONE"), "call must be parked, not failed")

	h.DeliverSource("gadget", []byte(`return { kind = "gadget" }`))
	require.Equal(t, "gadget", globalStr(t, h, "DONE"))

	// Exactly one isolation namespace for the whole call: the retried
	// prepare after resumption must not allocate a second one.
	require.Equal(t, PrimaryState+2, h.instances.nextState)
}

func TestFailedLoadClearsInProgress(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main":  `OK = require("flaky").ok`,
		"flaky": `error("first run breaks")`,
	})
	h.Bootstrap("main")
	require.Equal(t, lua.LNil, h.L.GetGlobal("OK"))

	// The unwind forgets the half-finished executions; a stale in-progress
	// marker would make every later require return an empty proxy.
	require.Empty(t, h.loading)

	loader.files["flaky"] = `return { ok = 1 }`
	h.InvalidateSource("flaky") // drops the cached broken source
	h.Bootstrap("main")
	require.Equal(t, 1.0, globalNum(t, h, "OK"))
}

func TestRequireAsync(t *testing.T) {
	h, loader := newTestHost(t, map[string]string{
		"main": `
MAIN_RUNS = (MAIN_RUNS or 0) + 1
require_async("extra", function(m)
  ASYNC_V = m.value
end)
return {}
`,
		"extra": `return { value = 7 }`,
	})
	h.Bootstrap("main")

	frame(h) // callback fires from the job queue, never by suspension
	require.Equal(t, 7.0, globalNum(t, h, "ASYNC_V"))

	loader.files["extra"] = `return { value = 8 }`
	h.InvalidateSource("extra")
	frame(h)

	// The async dependency does not cascade a reload into the importer,
	// but the callback re-fires with the new module.
	require.Equal(t, 1.0, globalNum(t, h, "MAIN_RUNS"))
	require.Equal(t, 8.0, globalNum(t, h, "ASYNC_V"))
}

func TestIsolatedStates(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `
A = require("counter", { instanced = true })
B = require("counter", { instanced = true })
C = require("counter")
D = require("counter")
`,
		"counter": `
RUNS = (RUNS or 0) + 1
return { run = RUNS }
`,
	})
	h.Bootstrap("main")
	require.NoError(t, h.L.DoString(`RA = A.run; RB = B.run; RC = C.run; RD = D.run`))

	// Each isolated load executes the body under its own cache namespace.
	require.NotEqual(t, globalNum(t, h, "RA"), globalNum(t, h, "RB"))
	require.NotEqual(t, globalNum(t, h, "RA"), globalNum(t, h, "RC"))

	// Within one namespace the second request is served from the cache.
	require.Equal(t, globalNum(t, h, "RC"), globalNum(t, h, "RD"))
}

func TestCircularImports(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"a": `
local b = require("b")
return { name = "a", partner = function() return b.name end }
`,
		"b": `
local a = require("a")
return { name = "b", back = function() return a.name end }
`,
	})
	h.Bootstrap("a")

	require.NoError(t, h.L.DoString(`
P = require("a")
CIRC = P.partner()
BACK = require("b").back()
`))
	require.Equal(t, "b", globalStr(t, h, "CIRC"))
	require.Equal(t, "a", globalStr(t, h, "BACK"))
}

func TestNamedQueryForm(t *testing.T) {
	h, _ := newTestHost(t, map[string]string{
		"main": `
register_system(function()
  local rows = query{ with = {"hp"}, without = {"dead"}, optional = {"armor"} }
  N = #rows
  for _, row in ipairs(rows) do
    ARMOR = row:get("armor")
  end
end)
return {}
`,
	})
	alive := h.store.Spawn()
	h.store.Set(alive, "hp", 10.0)
	h.store.Set(alive, "armor", 4.0)
	dead := h.store.Spawn()
	h.store.Set(dead, "hp", 0.0)
	h.store.Set(dead, "dead", true)

	h.Bootstrap("main")
	frame(h)

	require.Equal(t, 1.0, globalNum(t, h, "N"))
	require.Equal(t, 4.0, globalNum(t, h, "ARMOR"))
}
