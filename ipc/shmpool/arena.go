package shmpool

import (
	"math/bits"
	"sync"

	"github.com/songweijia/libwsong/ipc/buddy"
	"github.com/songweijia/libwsong/ipc/wserr"
)

// arenaUnitSize is the smallest block the reference allocator hands
// out. Unlike a segregated free-list allocator that stamps a magic
// value ahead of the payload to validate a Free call, this arena keeps
// no header in the allocation itself: double-free and unknown-address
// detection are done entirely through the live map below, since an
// address here may not even be backed by real memory until an extent
// hook binds it.
const arenaUnitSize = 4096

// Arena is the reference general-purpose allocator bound to a Pool's
// Malloc/Free when no external arena-based allocator has been wired in
// via Pool.SetAllocator. It suballocates the pool's reserved range with
// its own buddy tree (grain arenaUnitSize) and, when the pool has extent
// hooks bound, drives Alloc/Dalloc for the ranges it hands out so a real
// backing device can be exercised through the same interface an
// external allocator would use.
type Arena struct {
	pool *Pool
	mu   sync.Mutex
	tree *buddy.Tree
	live map[uint64]arenaBlock // offset -> block, for double-free detection and precise freeing
}

type arenaBlock struct {
	node uint32
	size uint64
}

// NewArena builds an Arena that suballocates pool's reserved capacity.
func NewArena(pool *Pool) *Arena {
	capExp := uint(bits.Len64(pool.capacity - 1))
	unitExp := uint(bits.Len32(arenaUnitSize - 1))
	nodes := make([]int64, buddy.TreeSize(capExp, unitExp)/8)
	tree, err := buddy.New(capExp, unitExp, true, nodes)
	if err != nil {
		// capacity is always a power of two enforced by vaw.Allocate,
		// so this can only happen if a caller shrinks it below
		// arenaUnitSize; surface it lazily on first Malloc instead of
		// panicking during construction.
		tree = nil
	}
	return &Arena{pool: pool, tree: tree, live: make(map[uint64]arenaBlock)}
}

// Malloc reserves size bytes from the arena and returns the resulting
// block's virtual address.
func (a *Arena) Malloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, wserr.New(wserr.InvalidArgument, "Arena.Malloc", "size must be non-zero")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tree == nil {
		return 0, wserr.New(wserr.System, "Arena.Malloc", "pool capacity too small for arena grain")
	}

	node, offset, err := a.tree.AllocateNode(size)
	if err != nil {
		return 0, err
	}
	addr := a.pool.VAddr() + offset

	if a.pool.hooks != nil {
		blockSize := roundUpPow2(size)
		if blockSize < arenaUnitSize {
			blockSize = arenaUnitSize
		}
		if err := a.pool.hooks.Alloc(addr, blockSize, arenaUnitSize); err != nil {
			_ = a.tree.FreeNode(node)
			return 0, err
		}
	}

	a.live[offset] = arenaBlock{node: node, size: size}
	return addr, nil
}

// Free releases a block previously returned by Malloc.
func (a *Arena) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tree == nil {
		return wserr.New(wserr.System, "Arena.Free", "arena not initialized")
	}

	offset := addr - a.pool.VAddr()
	block, ok := a.live[offset]
	if !ok {
		return wserr.New(wserr.InvalidArgument, "Arena.Free", "address does not name a live allocation")
	}

	if a.pool.hooks != nil {
		blockSize := roundUpPow2(block.size)
		if blockSize < arenaUnitSize {
			blockSize = arenaUnitSize
		}
		if err := a.pool.hooks.Dalloc(addr, blockSize); err != nil {
			return err
		}
	}

	delete(a.live, offset)
	return a.tree.FreeNode(block.node)
}

func roundUpPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
