package scripting

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
	"github.com/moonbridge/server/internal/core/event"
	"github.com/moonbridge/server/internal/core/system"
	"github.com/moonbridge/server/internal/query"
)

// requireShim is the Lua half of the module loader. Suspension must not
// cross a Go call frame, so the module body executes as a plain Lua call
// between the two Go builtins: __require_prepare resolves the cache (and may
// yield awaiting a source download; the surrounding loop retries after
// resume), and __require_commit publishes the exports.
const requireShim = `
function require(path, opts)
  while true do
    local r = __require_prepare(path, opts)
    if r ~= nil then
      if r.proxy ~= nil then return r.proxy end
      local result = r.chunk()
      return __require_commit(r.token, result)
    end
  end
end

function __async_runner(path, opts, cb)
  cb(require(path, opts))
end
`

// execCtx tracks which module execution is currently on a thread's stack:
// its path (importer for dependency edges), isolation state (inherited by
// nested requires) and owning instance (ownership of spawns and callbacks).
type execCtx struct {
	path  string
	state IsolationID
	inst  uuid.UUID
}

// inflightLoad is a module execution that has begun on a thread but not yet
// committed its exports.
type inflightLoad struct {
	key  ModuleKey
	inst uuid.UUID
}

type threadCtx struct {
	base     execCtx
	stack    []execCtx
	inflight []inflightLoad
	onDone   func()
	onFail   func()
}

func (tc *threadCtx) cur() execCtx {
	if n := len(tc.stack); n > 0 {
		return tc.stack[n-1]
	}
	return tc.base
}

type scriptSystem struct {
	fn      *lua.LFunction
	ctx     execCtx
	lastRun ecs.Tick
}

type continuation struct {
	co   *lua.LState
	fn   *lua.LFunction
	inst uuid.UUID
}

type suspendToken struct {
	path string
	inst uuid.UUID
}

type loadToken struct {
	key  ModuleKey
	inst uuid.UUID
}

type reloadSub struct {
	cb     *lua.LFunction
	ctx    execCtx
	reload bool
}

// Host owns the Lua VM and bridges scripts to the component store. All entry
// points run on the frame goroutine; script execution is single-threaded and
// cooperative, with Lua threads used only so an unsatisfied import can
// suspend and be resumed when its source arrives.
type Host struct {
	L         *lua.LState
	store     *ecs.Store
	engine    *query.Engine
	queue     *UpdateQueue
	modules   *ModuleCache
	instances *InstanceManager
	loader    SourceLoader
	bus       *event.Bus
	log       *zap.Logger

	root       *Instance
	stacks     map[*lua.LState]*threadCtx
	systems    []*scriptSystem
	waiting    map[string][]*continuation
	asyncSubs  map[string][]*reloadSub
	moduleInst map[ModuleKey]uuid.UUID
	loading    map[ModuleKey]bool // executions begun, exports not yet committed
	jobs       []func()

	window         query.Window
	haveWindow     bool
	removalHorizon ecs.Tick
}

func NewHost(store *ecs.Store, loader SourceLoader, bus *event.Bus, log *zap.Logger) *Host {
	h := &Host{
		L:              lua.NewState(lua.Options{SkipOpenLibs: false}),
		store:          store,
		engine:         query.NewEngine(store, log),
		queue:          NewUpdateQueue(),
		modules:        NewModuleCache(log),
		instances:      NewInstanceManager(),
		loader:         loader,
		bus:            bus,
		log:            log,
		stacks:         make(map[*lua.LState]*threadCtx, 8),
		waiting:        make(map[string][]*continuation, 4),
		asyncSubs:      make(map[string][]*reloadSub, 4),
		moduleInst:     make(map[ModuleKey]uuid.UUID, 32),
		loading:        make(map[ModuleKey]bool, 4),
		removalHorizon: 64,
	}
	h.root = h.instances.Begin("", uuid.Nil, PrimaryState)
	h.installAPI()

	if bus != nil {
		event.Subscribe(bus, func(ev event.SourceChanged) { h.InvalidateSource(ev.Path) })
		event.Subscribe(bus, func(ev event.SourceDelivered) { h.DeliverSource(ev.Path, ev.Data) })
	}
	return h
}

func (h *Host) Close() { h.L.Close() }

func (h *Host) Store() *ecs.Store           { return h.store }
func (h *Host) Engine() *query.Engine       { return h.engine }
func (h *Host) Queue() *UpdateQueue         { return h.queue }
func (h *Host) Modules() *ModuleCache       { return h.modules }
func (h *Host) Instances() *InstanceManager { return h.instances }

// SetRemovalHorizon bounds how many ticks of removal events are retained.
func (h *Host) SetRemovalHorizon(ticks ecs.Tick) { h.removalHorizon = ticks }

func (h *Host) installAPI() {
	h.L.SetGlobal("SCRIPT_API_VERSION", lua.LNumber(1))
	h.L.SetGlobal("__require_prepare", h.L.NewFunction(h.luaRequirePrepare))
	h.L.SetGlobal("__require_commit", h.L.NewFunction(h.luaRequireCommit))
	h.L.SetGlobal("require_async", h.L.NewFunction(h.luaRequireAsync))
	h.L.SetGlobal("register_system", h.L.NewFunction(h.luaRegisterSystem))
	h.L.SetGlobal("query", h.L.NewFunction(h.luaQuery))
	h.L.SetGlobal("spawn", h.L.NewFunction(h.luaSpawn))
	h.L.SetGlobal("despawn", h.L.NewFunction(h.luaDespawn))
	h.registerSnapshotType()
	if err := h.L.DoString(requireShim); err != nil {
		// The shim is a compile-time constant; failing to load it is a
		// programming error, not a runtime condition.
		panic(err)
	}
}

// Attach registers the host's frame phases on a runner.
func (h *Host) Attach(r *system.Runner) {
	r.Register(system.Func(system.PhaseInput, h.runInput))
	r.Register(system.Func(system.PhaseScript, h.runScripts))
	r.Register(system.Func(system.PhaseApply, h.runApply))
	r.Register(system.Func(system.PhaseCleanup, h.runCleanup))
}

// Bootstrap loads the entry module under the root instance.
func (h *Host) Bootstrap(entry string) {
	fn, ok := h.L.GetGlobal("require").(*lua.LFunction)
	if !ok {
		panic("require shim not installed")
	}
	base := execCtx{state: PrimaryState, inst: h.root.ID}
	h.runThread(fn, base, nil, nil, lua.LString(entry))
}

// ── frame phases ───────────────────────────────────────────────

func (h *Host) runInput(time.Duration) {
	if h.bus != nil {
		h.bus.SwapBuffers()
		h.bus.DispatchAll()
	}
	// Jobs may enqueue follow-up jobs (an async require that loads
	// synchronously fires its callback in place); drain to a fixed point.
	for i := 0; i < 64 && len(h.jobs) > 0; i++ {
		jobs := h.jobs
		h.jobs = nil
		for _, j := range jobs {
			j()
		}
	}
}

func (h *Host) runScripts(time.Duration) {
	tick := h.store.Tick()
	systems := append([]*scriptSystem(nil), h.systems...)
	for _, sys := range systems {
		if !h.instances.AliveID(sys.ctx.inst) {
			continue
		}
		h.window = query.Window{LastRun: sys.lastRun, ThisRun: tick}
		h.haveWindow = true
		h.runThread(sys.fn, sys.ctx, nil, nil)
		sys.lastRun = tick
	}
	h.haveWindow = false
}

func (h *Host) runApply(time.Duration) {
	h.store.AdvanceTick()
	h.queue.Apply(h.store, h.log)
}

func (h *Host) runCleanup(time.Duration) {
	for _, id := range h.store.FlushDespawns() {
		if h.bus != nil {
			event.Emit(h.bus, event.EntityDespawned{Entity: id})
		}
	}
	h.store.PruneRemovals(h.removalHorizon)
}

func (h *Host) currentWindow() query.Window {
	if h.haveWindow {
		return h.window
	}
	return query.SinceTick(h.store.Tick())
}

// ── thread management ──────────────────────────────────────────

// runThread executes fn on a fresh Lua thread. A yield carrying a suspend
// token parks the thread until DeliverSource resumes it; any other yield is
// treated as a finished script.
func (h *Host) runThread(fn *lua.LFunction, base execCtx, onDone, onFail func(), args ...lua.LValue) {
	co, _ := h.L.NewThread()
	h.stacks[co] = &threadCtx{base: base, onDone: onDone, onFail: onFail}
	h.pump(co, fn, args...)
}

func (h *Host) pump(co *lua.LState, fn *lua.LFunction, args ...lua.LValue) {
	st, err, vals := h.L.Resume(co, fn, args...)
	switch {
	case err != nil:
		h.log.Error("script error", zap.Error(err))
		h.failThread(co)
	case st == lua.ResumeYield:
		if tok := suspendTokenIn(vals); tok != nil {
			h.waiting[tok.path] = append(h.waiting[tok.path], &continuation{co: co, fn: fn, inst: tok.inst})
			h.log.Debug("script suspended awaiting source",
				zap.String("path", tok.path))
		} else {
			h.log.Warn("script yielded outside a suspension point; dropping thread")
			h.failThread(co)
		}
	default: // finished
		if tc, ok := h.stacks[co]; ok && tc.onDone != nil {
			tc.onDone()
		}
		delete(h.stacks, co)
	}
}

// failThread unwinds a broken thread: instances begun but never committed
// are stopped so their entities and callbacks do not leak.
func (h *Host) failThread(co *lua.LState) {
	tc, ok := h.stacks[co]
	if !ok {
		return
	}
	for i := len(tc.inflight) - 1; i >= 0; i-- {
		delete(h.loading, tc.inflight[i].key)
		h.StopInstance(tc.inflight[i].inst)
	}
	if tc.onFail != nil {
		tc.onFail()
	}
	delete(h.stacks, co)
}

// releaseThread forgets a parked thread without resuming it. Executions that
// were in flight on the thread give up their in-progress marker so a later
// require of the same key re-executes instead of being handed a proxy to a
// slot that will never be filled.
func (h *Host) releaseThread(co *lua.LState) {
	if tc, ok := h.stacks[co]; ok {
		for _, l := range tc.inflight {
			delete(h.loading, l.key)
		}
	}
	delete(h.stacks, co)
}

func (h *Host) threadCtxOf(co *lua.LState) *threadCtx {
	tc, ok := h.stacks[co]
	if !ok {
		// Direct calls on the main state (tests, embedding hosts) run under
		// the root instance.
		tc = &threadCtx{base: execCtx{state: PrimaryState, inst: h.root.ID}}
		h.stacks[co] = tc
	}
	return tc
}

func suspendTokenIn(vals []lua.LValue) *suspendToken {
	if len(vals) != 1 {
		return nil
	}
	ud, ok := vals[0].(*lua.LUserData)
	if !ok {
		return nil
	}
	tok, ok := ud.Value.(*suspendToken)
	if !ok {
		return nil
	}
	return tok
}

// ── source delivery and hot reload ─────────────────────────────

// DeliverSource caches source bytes that arrived from an asynchronous fetch
// and resumes every script call suspended on the path. Continuations whose
// owning instance was torn down in the meantime are dropped, never resumed.
func (h *Host) DeliverSource(path string, data []byte) {
	h.modules.PutSource(path, data)
	conts := h.waiting[path]
	delete(h.waiting, path)
	for _, c := range conts {
		if !h.instances.AliveID(c.inst) {
			h.log.Debug("dropping continuation for stopped instance",
				zap.String("path", path))
			h.releaseThread(c.co)
			continue
		}
		// Resuming with an explicit nil lands lua.LNil in the register the
		// prepare result occupies, so the shim's retry loop runs again.
		h.pump(c.co, c.fn, lua.LNil)
	}
}

// InvalidateSource reacts to a changed module source: it clears the changed
// module and, transitively, every importer that opted into reload, clears
// async-only dependents without re-executing them, supersedes the affected
// instances, and re-executes the invalidated modules leaf first. A module
// whose re-execution fails keeps its previous exports.
func (h *Host) InvalidateSource(path string) {
	reloadPaths, asyncOnly := h.modules.InvalidationSet(path)
	h.modules.DropSource(path)

	type target struct {
		key    ModuleKey
		old    lua.LValue
		parent uuid.UUID
	}
	var targets []target
	for _, p := range reloadPaths {
		for _, key := range h.modules.LoadedKeys(p) {
			old, _ := h.modules.Exports(key)
			t := target{key: key, old: old, parent: h.root.ID}
			if instID, ok := h.moduleInst[key]; ok {
				if inst, found := h.instances.Get(instID); found {
					t.parent = inst.Parent
				}
			}
			targets = append(targets, t)
			h.modules.ClearKey(key)
		}
	}
	for _, p := range asyncOnly {
		for _, key := range h.modules.LoadedKeys(p) {
			h.modules.ClearKey(key)
		}
	}

	// The superseded instance is cleaned up before re-execution; the reload
	// creates a fresh instance rather than reusing the old one.
	for _, t := range targets {
		if instID, ok := h.moduleInst[t.key]; ok {
			h.StopInstance(instID)
			delete(h.moduleInst, t.key)
		}
	}

	requireFn, _ := h.L.GetGlobal("require").(*lua.LFunction)
	for _, t := range targets {
		t := t
		base := execCtx{state: t.key.State, inst: t.parent}
		onDone := func() {
			if !h.modules.Loaded(t.key) {
				return
			}
			h.log.Info("module reloaded", zap.String("path", t.key.Path))
			if h.bus != nil {
				event.Emit(h.bus, event.ModuleReloaded{Path: t.key.Path})
			}
			h.fireAsyncSubs(t.key.Path)
		}
		onFail := func() {
			// No partial replacement: a reload that breaks leaves the
			// previous compiled state in the slot.
			h.modules.SetExports(t.key, t.old)
			h.log.Error("module reload failed; previous exports kept",
				zap.String("path", t.key.Path))
		}
		h.runThread(requireFn, base, onDone, onFail, lua.LString(t.key.Path))
	}
}

func (h *Host) fireAsyncSubs(path string) {
	for _, sub := range h.asyncSubs[path] {
		if !sub.reload || !h.instances.AliveID(sub.ctx.inst) {
			continue
		}
		sub := sub
		h.jobs = append(h.jobs, func() { h.invokeAsync(path, sub) })
	}
}

func (h *Host) invokeAsync(path string, sub *reloadSub) {
	if !h.instances.AliveID(sub.ctx.inst) {
		return
	}
	runner, ok := h.L.GetGlobal("__async_runner").(*lua.LFunction)
	if !ok {
		return
	}
	opts := h.L.NewTable()
	opts.RawSetString("reload", lua.LBool(sub.reload))
	h.runThread(runner, sub.ctx, nil, nil, lua.LString(path), opts, sub.cb)
}

// StopInstance tears down an instance tree: owned entities are queued for
// despawn, registered systems are removed, parked continuations are dropped
// and async subscriptions are forgotten.
func (h *Host) StopInstance(id uuid.UUID) {
	h.instances.Stop(id, func(inst *Instance) {
		for _, e := range inst.Entities() {
			h.store.QueueDespawn(e)
		}
		kept := h.systems[:0]
		for _, sys := range h.systems {
			if sys.ctx.inst != inst.ID {
				kept = append(kept, sys)
			}
		}
		h.systems = kept

		for path, conts := range h.waiting {
			filtered := conts[:0]
			for _, c := range conts {
				if c.inst == inst.ID {
					h.releaseThread(c.co)
					continue
				}
				filtered = append(filtered, c)
			}
			h.waiting[path] = filtered
		}
		for path, subs := range h.asyncSubs {
			filtered := subs[:0]
			for _, s := range subs {
				if s.ctx.inst != inst.ID {
					filtered = append(filtered, s)
				}
			}
			h.asyncSubs[path] = filtered
		}
	})
}

// ── require builtins ───────────────────────────────────────────

func requireOpts(opts *lua.LTable) (reload, instanced bool) {
	reload = true
	if opts == nil {
		return reload, false
	}
	if v := opts.RawGetString("reload"); v != lua.LNil {
		reload = lua.LVAsBool(v)
	}
	instanced = lua.LVAsBool(opts.RawGetString("instanced"))
	return reload, instanced
}

// luaRequirePrepare resolves the module cache for a require call. It returns
// {proxy=...} when the module is already compiled or currently executing,
// {chunk=..., token=...} when the body still has to run, or yields a suspend
// token when the source needs to be downloaded first.
func (h *Host) luaRequirePrepare(L *lua.LState) int {
	path := L.CheckString(1)
	opts := L.OptTable(2, nil)
	reload, instanced := requireOpts(opts)

	tc := h.threadCtxOf(L)
	cur := tc.cur()
	state := cur.state
	key := ModuleKey{Path: path, State: state}

	if cur.path != "" {
		h.modules.RecordImport(cur.path, path, reload)
	}

	// A key whose execution is still on some thread's stack is a circular
	// import partner: it gets the pre-registered proxy, never a second
	// execution of the body.
	if !instanced && (h.modules.Loaded(key) || h.loading[key]) {
		ret := L.NewTable()
		ret.RawSetString("proxy", h.modules.Proxy(h.L, key))
		L.Push(ret)
		return 1
	}

	src, ok := h.modules.Source(path)
	if !ok {
		data, err := h.loader.Load(path)
		if errors.Is(err, ErrPending) {
			return L.Yield(newSuspendUD(L, path, cur.inst))
		}
		if err != nil {
			L.RaiseError("require %s: %v", path, err)
			return 0
		}
		src = data
		h.modules.PutSource(path, data)
	}

	// The isolation namespace is allocated only once the source is in hand;
	// a prepare retried after suspension must not burn an id per attempt.
	if instanced {
		state = h.instances.AllocIsolation()
		key = ModuleKey{Path: path, State: state}
	}

	chunk, err := L.Load(bytes.NewReader(src), path)
	if err != nil {
		L.RaiseError("require %s: %v", path, err)
		return 0
	}

	// Register the proxy before the body runs so a circular import partner
	// sees a valid, not-yet-populated proxy instead of recursing.
	h.modules.Proxy(h.L, key)
	h.loading[key] = true

	inst := h.instances.Begin(path, cur.inst, state)
	tc.stack = append(tc.stack, execCtx{path: path, state: state, inst: inst.ID})
	tc.inflight = append(tc.inflight, inflightLoad{key: key, inst: inst.ID})

	token := L.NewUserData()
	token.Value = &loadToken{key: key, inst: inst.ID}
	ret := L.NewTable()
	ret.RawSetString("chunk", chunk)
	ret.RawSetString("token", token)
	L.Push(ret)
	return 1
}

func (h *Host) luaRequireCommit(L *lua.LState) int {
	ud := L.CheckUserData(1)
	tok, ok := ud.Value.(*loadToken)
	if !ok {
		L.RaiseError("bad require token")
		return 0
	}
	result := L.Get(2)
	if result == lua.LNil {
		// A module that returns nothing still occupies its cache slot.
		result = lua.LTrue
	}
	h.modules.SetExports(tok.key, result)
	delete(h.loading, tok.key)
	// A re-execution supersedes whatever instance previously held the key;
	// its entities and callbacks must not outlive it.
	if prev, ok := h.moduleInst[tok.key]; ok && prev != tok.inst {
		h.StopInstance(prev)
	}
	h.moduleInst[tok.key] = tok.inst

	tc := h.threadCtxOf(L)
	if n := len(tc.stack); n > 0 {
		tc.stack = tc.stack[:n-1]
	}
	for i, l := range tc.inflight {
		if l.inst == tok.inst {
			tc.inflight = append(tc.inflight[:i], tc.inflight[i+1:]...)
			break
		}
	}

	L.Push(h.modules.Proxy(h.L, tok.key))
	return 1
}

// luaRequireAsync never suspends: the callback is invoked once the module is
// available, and again after every subsequent hot reload while reload stays
// enabled.
func (h *Host) luaRequireAsync(L *lua.LState) int {
	path := L.CheckString(1)
	cb := L.CheckFunction(2)
	opts := L.OptTable(3, nil)
	reload, _ := requireOpts(opts)

	tc := h.threadCtxOf(L)
	cur := tc.cur()
	if cur.path != "" {
		h.modules.RecordAsyncImport(cur.path, path)
	}

	// The runner thread carries no importer path of its own so the module's
	// load records only the async edge, never a reload-cascading one.
	sub := &reloadSub{
		cb:     cb,
		ctx:    execCtx{path: "", state: cur.state, inst: cur.inst},
		reload: reload,
	}
	h.asyncSubs[path] = append(h.asyncSubs[path], sub)
	h.jobs = append(h.jobs, func() { h.invokeAsync(path, sub) })
	return 0
}

func newSuspendUD(L *lua.LState, path string, inst uuid.UUID) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = &suspendToken{path: path, inst: inst}
	return ud
}

// ── other builtins ─────────────────────────────────────────────

func (h *Host) luaRegisterSystem(L *lua.LState) int {
	cb := L.CheckFunction(1)
	tc := h.threadCtxOf(L)
	tick := h.store.Tick()
	last := tick
	if last > 0 {
		last--
	}
	h.systems = append(h.systems, &scriptSystem{fn: cb, ctx: tc.cur(), lastRun: last})
	return 0
}

func (h *Host) luaSpawn(L *lua.LState) int {
	tbl := L.OptTable(1, nil)
	tc := h.threadCtxOf(L)
	e := h.store.Spawn()
	h.instances.OwnEntity(tc.cur().inst, e)
	if tbl != nil {
		tbl.ForEach(func(k, v lua.LValue) {
			h.queue.QueueSet(e, k.String(), ToGo(v))
		})
	}
	L.Push(lua.LNumber(e))
	return 1
}

func (h *Host) luaDespawn(L *lua.LState) int {
	id := ecs.EntityID(uint64(L.CheckNumber(1)))
	h.store.QueueDespawn(id)
	return 0
}
