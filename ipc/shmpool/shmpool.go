// Package shmpool implements per-process pool handles carved out of a
// group's virtual address window (see ipc/vaw), and the extent-hook
// capability an external arena-based allocator uses to back, release,
// split, and merge address ranges inside a pool.
//
// The external allocator itself (jemalloc or similar) is out of scope:
// this package models the contract it drives and ships a reference
// Arena implementation so a pool is independently usable and testable
// without a real binding.
package shmpool

import (
	"fmt"
	"sync"

	"github.com/songweijia/libwsong/ipc/vaw"
	"github.com/songweijia/libwsong/ipc/wserr"
)

// ExtentHooks is the capability a pool exposes to an external
// arena-based allocator. Every call carries the pool's context
// implicitly through the receiver that registered the hook set.
type ExtentHooks interface {
	// Alloc backs [addr, addr+size) inside the pool with real memory,
	// honoring alignment. It must refuse any request that would leave
	// the pool's reserved range.
	Alloc(addr, size, alignment uint64) error
	// Dalloc releases the backing of [addr, addr+size) while keeping
	// the address range reserved inside the pool.
	Dalloc(addr, size uint64) error
	// Destroy permanently releases the backing of [addr, addr+size).
	Destroy(addr, size uint64) error
	// Commit advises that [addr, addr+size) should have backing
	// present, without changing the reservation.
	Commit(addr, size uint64) error
	// Decommit advises that [addr, addr+size) need not have backing
	// present, without releasing the reservation.
	Decommit(addr, size uint64) error
	// PurgeLazy hints that the OS may drop pages in the range lazily.
	PurgeLazy(addr, size uint64) error
	// PurgeForced hints that the OS should drop pages in the range now.
	PurgeForced(addr, size uint64) error
	// Split divides one backing region into two; always safe when both
	// halves share the same backing file, as they do here.
	Split(addr, sizeA, sizeB uint64) error
	// Merge combines two adjacent regions if and only if they share the
	// same backing.
	Merge(addrA, sizeA, addrB, sizeB uint64) error
}

// Allocator is the general-purpose malloc/free surface a Pool forwards
// its Malloc/Free calls to.
type Allocator interface {
	Malloc(size uint64) (uint64, error)
	Free(addr uint64) error
}

// Pool is a per-process handle on a power-of-two subrange of a group's
// virtual address window.
type Pool struct {
	window     *vaw.Window
	offset     uint64
	capacity   uint64
	mu         sync.Mutex
	arenaIndex int
	hooks      ExtentHooks
	allocator  Allocator
}

var (
	arenaMu       sync.Mutex
	nextArenaIdx  int
	liveArenaIdxs = map[int]bool{}
)

// Create carves a pool of the given capacity (a power of two in
// [vaw.MinPoolSize, vaw.VASize]) from the process's initialized
// virtual address window.
func Create(capacity uint64) (*Pool, error) {
	w, err := vaw.Get()
	if err != nil {
		return nil, err
	}
	offset, err := w.Allocate(capacity)
	if err != nil {
		return nil, err
	}

	idx := allocArenaIndex()
	p := &Pool{
		window:     w,
		offset:     offset,
		capacity:   capacity,
		arenaIndex: idx,
	}
	p.allocator = NewArena(p)
	return p, nil
}

// Close releases the pool's reservation back to the virtual address
// window and releases its arena index.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	releaseArenaIndex(p.arenaIndex)
	return p.window.Free(p.offset)
}

// Capacity returns the pool's reserved size in bytes.
func (p *Pool) Capacity() uint64 { return p.capacity }

// Offset returns the pool's offset within the virtual address window.
func (p *Pool) Offset() uint64 { return p.offset }

// VAddr returns the pool's starting virtual address.
func (p *Pool) VAddr() uint64 { return vaw.VAStart + p.offset }

// ArenaIndex returns the arena index reserved for this pool, released
// automatically on Close.
func (p *Pool) ArenaIndex() int { return p.arenaIndex }

// Bind registers hooks as the extent-hook implementation an external
// arena-based allocator should drive for this pool's malloc/free calls
// going forward.
func (p *Pool) Bind(hooks ExtentHooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = hooks
}

// Contains reports whether [addr, addr+size) lies entirely inside the
// pool's reserved virtual address range.
func (p *Pool) Contains(addr, size uint64) bool {
	start := p.VAddr()
	end := start + p.capacity
	return addr >= start && addr+size <= end
}

// Malloc allocates size bytes from the pool's bound allocator (the
// reference Arena, unless a different Allocator has been set via
// SetAllocator).
func (p *Pool) Malloc(size uint64) (uint64, error) {
	if p.allocator == nil {
		return 0, wserr.New(wserr.System, "shmpool.Malloc", "no allocator bound to pool")
	}
	return p.allocator.Malloc(size)
}

// Free releases memory previously returned by Malloc.
func (p *Pool) Free(addr uint64) error {
	if p.allocator == nil {
		return wserr.New(wserr.System, "shmpool.Free", "no allocator bound to pool")
	}
	return p.allocator.Free(addr)
}

// SetAllocator overrides the pool's malloc/free implementation, e.g. to
// route through a real external arena allocator bound via Bind instead
// of the reference Arena.
func (p *Pool) SetAllocator(a Allocator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocator = a
}

func allocArenaIndex() int {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	idx := nextArenaIdx
	nextArenaIdx++
	liveArenaIdxs[idx] = true
	return idx
}

func releaseArenaIndex(idx int) {
	arenaMu.Lock()
	defer arenaMu.Unlock()
	delete(liveArenaIdxs, idx)
}

// String implements fmt.Stringer for diagnostics.
func (p *Pool) String() string {
	return fmt.Sprintf("Pool{offset=0x%x capacity=0x%x arena=%d}", p.offset, p.capacity, p.arenaIndex)
}
