// Package alloc implements the resource allocators that hand out guest
// CIDs and vsock ports. Both pools reuse released resources in sorted,
// ascending order rather than LIFO: allocate 3,4; release 3; the next
// allocation must return 3 (not 5), so that a restart's freshly-loaded
// pool and a long-running pool behave identically for the same sequence
// of allocate/release calls.
package alloc

import (
	"fmt"
	"sort"
	"sync"
)

// pool is a thread-safe free-list of ordered, comparable resources. Unlike
// a LIFO stack, acquire always returns the smallest available value.
type pool[T ordered] struct {
	mu    sync.Mutex
	free  []T
	inUse map[T]struct{}
}

type ordered interface {
	~uint32 | ~int
}

func newPool[T ordered]() *pool[T] {
	return &pool[T]{inUse: make(map[T]struct{})}
}

// fill seeds the free list with items, skipping any already in use, and
// keeps the list sorted ascending.
func (p *pool[T]) fill(items []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		if _, used := p.inUse[item]; !used {
			p.free = append(p.free, item)
		}
	}
	sort.Slice(p.free, func(i, j int) bool { return p.free[i] < p.free[j] })
}

// acquire removes and returns the smallest free item.
func (p *pool[T]) acquire() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		var zero T
		return zero, false
	}
	item := p.free[0]
	p.free = p.free[1:]
	p.inUse[item] = struct{}{}
	return item, true
}

// release returns item to the free list in sorted position.
func (p *pool[T]) release(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[item]; !ok {
		return
	}
	delete(p.inUse, item)
	idx := sort.Search(len(p.free), func(i int) bool { return p.free[i] >= item })
	p.free = append(p.free, item)
	copy(p.free[idx+1:], p.free[idx:])
	p.free[idx] = item
}

// tryReserve marks item in-use without requiring it to be in the free list,
// used when restoring a snapshot that names a specific CID/port. Returns
// false if the item is already reserved by someone else.
func (p *pool[T]) tryReserve(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, used := p.inUse[item]; used {
		return false
	}
	p.inUse[item] = struct{}{}
	for i, f := range p.free {
		if f == item {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	return true
}

func (p *pool[T]) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *pool[T]) freeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// snapshot returns a copy of the current free list, sorted ascending.
func (p *pool[T]) snapshot() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := make([]T, len(p.free))
	copy(free, p.free)
	return free
}

// CIDPool allocates AF_VSOCK context IDs for guests. CID values 0-2 are
// reserved (0=any, 1=local host loopback, 2=well-known host CID), so every
// pool starts at 3 or above.
type CIDPool struct {
	p *pool[uint32]
}

// NewCIDPool creates a CIDPool spanning [start, start+size).
func NewCIDPool(start uint32, size int) *CIDPool {
	if start < 3 {
		start = 3
	}
	items := make([]uint32, 0, size)
	for i := 0; i < size; i++ {
		items = append(items, start+uint32(i))
	}
	p := newPool[uint32]()
	p.fill(items)
	return &CIDPool{p: p}
}

// Allocate returns the smallest unused CID, or an error if the pool is
// exhausted.
func (c *CIDPool) Allocate() (uint32, error) {
	cid, ok := c.p.acquire()
	if !ok {
		return 0, fmt.Errorf("alloc: CID pool exhausted")
	}
	return cid, nil
}

// Release returns cid to the pool for reuse.
func (c *CIDPool) Release(cid uint32) {
	c.p.release(cid)
}

// Reserve marks cid as in-use if it is currently free and reports whether it
// did; used during snapshot restore to keep the original CID if it's free.
func (c *CIDPool) Reserve(cid uint32) bool {
	return c.p.tryReserve(cid)
}

func (c *CIDPool) InUseCount() int { return c.p.inUseCount() }
func (c *CIDPool) FreeCount() int  { return c.p.freeCount() }

// CIDAllocatorState is the on-disk shape of cid_allocator.json (spec.md §6):
// next_cid is written as one past the end of the configured CID range (not
// a count of CIDs handed out, and not read back on load), free_cids is the
// sorted free list carried across a control-plane restart.
type CIDAllocatorState struct {
	NextCID  uint32   `json:"next_cid"`
	FreeCIDs []uint32 `json:"free_cids"`
}

// State captures the pool's current allocation state for persistence.
func (c *CIDPool) State(start uint32, size int) CIDAllocatorState {
	free := c.p.snapshot()
	return CIDAllocatorState{NextCID: start + uint32(size), FreeCIDs: free}
}

// LoadCIDPool rebuilds a CIDPool of [start, start+size) from a persisted
// CIDAllocatorState: every CID in that range not listed as free is marked
// in-use, reproducing whatever allocations existed when the state was saved.
func LoadCIDPool(state CIDAllocatorState, start uint32, size int) *CIDPool {
	pool := NewCIDPool(start, size)
	free := make(map[uint32]struct{}, len(state.FreeCIDs))
	for _, cid := range state.FreeCIDs {
		free[cid] = struct{}{}
	}
	for i := 0; i < size; i++ {
		cid := start + uint32(i)
		if _, isFree := free[cid]; !isFree {
			pool.Reserve(cid)
		}
	}
	return pool
}

// PortPool allocates vsock ports for the per-VM transfer-plane listener.
// When the configured policy is "fixed", every VM is handed the same
// configured port (vsock ports are per-CID, so no collision occurs across
// VMs) instead of drawing from the pool.
type PortPool struct {
	p      *pool[uint32]
	fixed  bool
	fixval uint32
}

// NewPortPool creates a PortPool spanning [start, start+size).
func NewPortPool(start uint32, size int) *PortPool {
	items := make([]uint32, 0, size)
	for i := 0; i < size; i++ {
		items = append(items, start+uint32(i))
	}
	p := newPool[uint32]()
	p.fill(items)
	return &PortPool{p: p}
}

// NewFixedPort creates a PortPool that always returns the same port.
func NewFixedPort(port uint32) *PortPool {
	return &PortPool{fixed: true, fixval: port}
}

// Allocate returns a vsock port for a new VM.
func (p *PortPool) Allocate() (uint32, error) {
	if p.fixed {
		return p.fixval, nil
	}
	port, ok := p.p.acquire()
	if !ok {
		return 0, fmt.Errorf("alloc: port pool exhausted")
	}
	return port, nil
}

// Release returns port to the pool. A no-op under the fixed-port policy.
func (p *PortPool) Release(port uint32) {
	if p.fixed {
		return
	}
	p.p.release(port)
}

// PortAllocatorState is the on-disk shape of port_allocator.json.
type PortAllocatorState struct {
	NextPort  uint32   `json:"next_port"`
	FreePorts []uint32 `json:"free_ports"`
	Fixed     bool     `json:"fixed,omitempty"`
	FixedPort uint32   `json:"fixed_port,omitempty"`
}

// State captures the pool's current allocation state for persistence.
func (p *PortPool) State(start uint32, size int) PortAllocatorState {
	if p.fixed {
		return PortAllocatorState{Fixed: true, FixedPort: p.fixval}
	}
	return PortAllocatorState{NextPort: start + uint32(size), FreePorts: p.p.snapshot()}
}

// LoadPortPool rebuilds a PortPool from a persisted PortAllocatorState.
func LoadPortPool(state PortAllocatorState, start uint32, size int) *PortPool {
	if state.Fixed {
		return NewFixedPort(state.FixedPort)
	}
	pool := NewPortPool(start, size)
	free := make(map[uint32]struct{}, len(state.FreePorts))
	for _, port := range state.FreePorts {
		free[port] = struct{}{}
	}
	for i := 0; i < size; i++ {
		port := start + uint32(i)
		if _, isFree := free[port]; !isFree {
			pool.p.tryReserve(port)
		}
	}
	return pool
}
