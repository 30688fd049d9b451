package ecs

// EntityID encodes a 32-bit index in the lower bits and a 32-bit generation
// in the upper bits. The generation increments on despawn so a stale handle
// fails lookups instead of touching a recycled row.
type EntityID uint64

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }
func (id EntityID) IsZero() bool       { return id == 0 }

// EntityPool allocates entity ids with generational indices and a free list.
type EntityPool struct {
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
}

func NewEntityPool() *EntityPool {
	return &EntityPool{
		generations: make([]uint32, 0, 1024),
		freeList:    make([]uint32, 0, 256),
	}
}

func (p *EntityPool) Create() EntityID {
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return NewEntityID(idx, p.generations[idx])
	}
	idx := p.nextIndex
	p.nextIndex++
	if int(idx) >= len(p.generations) {
		p.generations = append(p.generations, 0)
	}
	return NewEntityID(idx, p.generations[idx])
}

func (p *EntityPool) Alive(id EntityID) bool {
	idx := id.Index()
	if idx >= p.nextIndex {
		return false
	}
	return p.generations[idx] == id.Generation()
}

// Release invalidates the id and recycles its index. Releasing a stale id is
// a no-op; despawn races are expected and must not escalate.
func (p *EntityPool) Release(id EntityID) bool {
	idx := id.Index()
	if idx >= p.nextIndex {
		return false
	}
	if p.generations[idx] != id.Generation() {
		return false
	}
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
	return true
}
