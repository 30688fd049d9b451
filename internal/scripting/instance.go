package scripting

import (
	"sync"

	"github.com/google/uuid"

	"github.com/moonbridge/server/internal/core/ecs"
)

// IsolationID names an independent module-cache namespace. State 0 is the
// always-present primary namespace; others are allocated monotonically when
// a script requests an instanced load.
type IsolationID int32

// PrimaryState is the default isolation namespace.
const PrimaryState IsolationID = 0

// Instance scopes ownership of entities, systems and callbacks to one
// execution of a module. Instances form a tree under the parent that
// triggered the load; cleanup is transitively recursive so no child outlives
// its parent.
type Instance struct {
	ID       uuid.UUID
	Parent   uuid.UUID
	Path     string
	State    IsolationID
	entities []ecs.EntityID
	children []uuid.UUID
	alive    bool
}

func (i *Instance) Alive() bool { return i.alive }

// Entities returns the entity handles the instance currently owns.
func (i *Instance) Entities() []ecs.EntityID { return i.entities }

// InstanceManager allocates instances and isolation states and performs
// recursive teardown.
type InstanceManager struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
	nextState IsolationID
}

func NewInstanceManager() *InstanceManager {
	return &InstanceManager{
		instances: make(map[uuid.UUID]*Instance, 16),
		nextState: PrimaryState + 1,
	}
}

// AllocIsolation issues a fresh isolation-state id.
func (m *InstanceManager) AllocIsolation() IsolationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextState
	m.nextState++
	return id
}

// Begin creates a live instance for one module execution. parent may be
// uuid.Nil for the root.
func (m *InstanceManager) Begin(path string, parent uuid.UUID, state IsolationID) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := &Instance{
		ID:     uuid.New(),
		Parent: parent,
		Path:   path,
		State:  state,
		alive:  true,
	}
	m.instances[inst.ID] = inst
	if p, ok := m.instances[parent]; ok {
		p.children = append(p.children, inst.ID)
	}
	return inst
}

func (m *InstanceManager) Get(id uuid.UUID) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *InstanceManager) AliveID(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return ok && inst.alive
}

// OwnEntity records entity ownership for later cleanup.
func (m *InstanceManager) OwnEntity(id uuid.UUID, e ecs.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok && inst.alive {
		inst.entities = append(inst.entities, e)
	}
}

// Stop tears down an instance and, recursively, every child instance.
// Children are stopped before the parent so ownership chains unwind leaf
// first. cleanup runs once per stopped instance.
func (m *InstanceManager) Stop(id uuid.UUID, cleanup func(*Instance)) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || !inst.alive {
		m.mu.Unlock()
		return
	}
	inst.alive = false
	children := append([]uuid.UUID(nil), inst.children...)
	m.mu.Unlock()

	for _, child := range children {
		m.Stop(child, cleanup)
	}
	if cleanup != nil {
		cleanup(inst)
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}
