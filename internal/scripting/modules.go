package scripting

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ModuleKey identifies one compiled module: the same path holds independent
// compiled state per isolation namespace.
type ModuleKey struct {
	Path  string
	State IsolationID
}

type moduleSlot struct {
	exports lua.LValue
	loaded  bool
}

// ModuleCache stores compiled module exports and source text, and tracks the
// dependency graph between modules. Source text is cached per path and
// survives invalidation so a reload does not re-read or re-fetch it unless
// the source itself changed; compiled exports are keyed by (path, isolation
// state) and cleared on invalidation.
type ModuleCache struct {
	mu        sync.Mutex
	sources   map[string][]byte
	slots     map[ModuleKey]*moduleSlot
	importers map[string]map[string]bool // imported path → importer path → should-reload
	asyncImps map[string]map[string]bool // imported path → async importer paths
	proxies   map[ModuleKey]*lua.LTable
	log       *zap.Logger
}

func NewModuleCache(log *zap.Logger) *ModuleCache {
	return &ModuleCache{
		sources:   make(map[string][]byte, 32),
		slots:     make(map[ModuleKey]*moduleSlot, 32),
		importers: make(map[string]map[string]bool, 32),
		asyncImps: make(map[string]map[string]bool, 8),
		proxies:   make(map[ModuleKey]*lua.LTable, 32),
		log:       log,
	}
}

func (c *ModuleCache) Source(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.sources[path]
	return src, ok
}

func (c *ModuleCache) PutSource(path string, data []byte) {
	c.mu.Lock()
	c.sources[path] = data
	c.mu.Unlock()
}

// DropSource forces the next load of path to go back to the loader.
func (c *ModuleCache) DropSource(path string) {
	c.mu.Lock()
	delete(c.sources, path)
	c.mu.Unlock()
}

func (c *ModuleCache) Loaded(key ModuleKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	return ok && s.loaded
}

// Exports returns the current compiled exports for a key. Proxies call this
// on every access; the answer changes when a hot reload replaces the slot.
func (c *ModuleCache) Exports(key ModuleKey) (lua.LValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok || !s.loaded {
		return lua.LNil, false
	}
	return s.exports, true
}

func (c *ModuleCache) SetExports(key ModuleKey, exports lua.LValue) {
	c.mu.Lock()
	c.slots[key] = &moduleSlot{exports: exports, loaded: true}
	c.mu.Unlock()
}

// ClearKey empties a single compiled slot; the proxy for the key keeps
// working and will observe whatever is stored next.
func (c *ModuleCache) ClearKey(key ModuleKey) {
	c.mu.Lock()
	delete(c.slots, key)
	c.mu.Unlock()
}

// LoadedKeys lists the isolation-state keys under which path currently holds
// compiled exports.
func (c *ModuleCache) LoadedKeys(path string) []ModuleKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []ModuleKey
	for k, s := range c.slots {
		if k.Path == path && s.loaded {
			keys = append(keys, k)
		}
	}
	return keys
}

// RecordImport registers a dependency edge at the moment the importer
// actually requests the path. shouldReload controls whether the importer is
// re-executed when the imported module changes; opting out still refreshes
// the cached dependency for the importer's next explicit request.
func (c *ModuleCache) RecordImport(importer, imported string, shouldReload bool) {
	if importer == "" || importer == imported {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.importers[imported]
	if !ok {
		m = make(map[string]bool, 4)
		c.importers[imported] = m
	}
	m[importer] = shouldReload
}

// RecordAsyncImport registers an async-only dependency: the importer's
// compiled state is cleared when the path changes, but the importer is not
// re-executed as part of the reload cascade.
func (c *ModuleCache) RecordAsyncImport(importer, imported string) {
	if importer == "" || importer == imported {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.asyncImps[imported]
	if !ok {
		m = make(map[string]bool, 4)
		c.asyncImps[imported] = m
	}
	m[importer] = true
}

// InvalidationSet computes the fallout of a source change to path: the
// ordered set of paths to re-execute (the changed module first, then
// transitively every importer that opted into reload) and the paths whose
// compiled state must be cleared without re-execution because they depend on
// an invalidated module only asynchronously.
func (c *ModuleCache) InvalidationSet(path string) (reload []string, asyncOnly []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inSet := map[string]bool{path: true}
	reload = []string{path}
	for i := 0; i < len(reload); i++ {
		p := reload[i]
		for importer, rel := range c.importers[p] {
			if rel && !inSet[importer] {
				inSet[importer] = true
				reload = append(reload, importer)
			}
		}
	}

	asyncSeen := map[string]bool{}
	for _, p := range reload {
		for importer := range c.asyncImps[p] {
			if !inSet[importer] && !asyncSeen[importer] {
				asyncSeen[importer] = true
				asyncOnly = append(asyncOnly, importer)
			}
		}
	}
	return reload, asyncOnly
}
