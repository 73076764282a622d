package shmpool

import (
	"testing"

	"github.com/songweijia/libwsong/ipc/vaw"
)

func uniqueGroupName(t *testing.T) string {
	t.Helper()
	return "test_shmpool_" + t.Name()
}

func withPool(t *testing.T, capacity uint64) *Pool {
	t.Helper()
	name := uniqueGroupName(t)
	if err := vaw.Create(name); err != nil {
		t.Fatalf("vaw.Create() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = vaw.Uninitialize()
		_ = vaw.Remove(name)
	})
	if err := vaw.Initialize(name); err != nil {
		t.Fatalf("vaw.Initialize() failed: %v", err)
	}
	p, err := Create(capacity)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolMallocFreeRoundTrip(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)

	addr, err := p.Malloc(64)
	if err != nil {
		t.Fatalf("Malloc() failed: %v", err)
	}
	if !p.Contains(addr, 64) {
		t.Fatalf("Contains(addr,64) = false, want true")
	}
	if err := p.Free(addr); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}
}

func TestPoolMallocFreeAcrossMultiplePages(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)

	// A request larger than the arena's 4096-byte grain forces an
	// allocation coarser than a single leaf, exercising the arena's
	// node-based free path (FreeNode) on a non-leaf block.
	addr, err := p.Malloc(8000)
	if err != nil {
		t.Fatalf("Malloc(8000) failed: %v", err)
	}
	if err := p.Free(addr); err != nil {
		t.Fatalf("Free() of coarse allocation failed: %v", err)
	}
}

func TestPoolFreeRejectsUnknownAddress(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)
	if err := p.Free(p.VAddr() + 4096); err == nil {
		t.Fatalf("Free() of unknown address succeeded, want error")
	}
}

func TestPoolFreeRejectsDoubleFree(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)
	addr, err := p.Malloc(32)
	if err != nil {
		t.Fatalf("Malloc() failed: %v", err)
	}
	if err := p.Free(addr); err != nil {
		t.Fatalf("first Free() failed: %v", err)
	}
	if err := p.Free(addr); err == nil {
		t.Fatalf("second Free() succeeded, want error")
	}
}

func TestPoolContainsBoundary(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)
	start := p.VAddr()
	if !p.Contains(start, p.Capacity()) {
		t.Fatalf("Contains(whole pool) = false, want true")
	}
	if p.Contains(start, p.Capacity()+1) {
		t.Fatalf("Contains(pool+1) = true, want false")
	}
	if p.Contains(start-1, 1) {
		t.Fatalf("Contains(before pool) = true, want false")
	}
}

type fakeHooks struct {
	allocs, dallocs int
}

func (h *fakeHooks) Alloc(addr, size, alignment uint64) error { h.allocs++; return nil }
func (h *fakeHooks) Dalloc(addr, size uint64) error            { h.dallocs++; return nil }
func (h *fakeHooks) Destroy(addr, size uint64) error           { return nil }
func (h *fakeHooks) Commit(addr, size uint64) error            { return nil }
func (h *fakeHooks) Decommit(addr, size uint64) error          { return nil }
func (h *fakeHooks) PurgeLazy(addr, size uint64) error         { return nil }
func (h *fakeHooks) PurgeForced(addr, size uint64) error       { return nil }
func (h *fakeHooks) Split(addr, sizeA, sizeB uint64) error     { return nil }
func (h *fakeHooks) Merge(addrA, sizeA, addrB, sizeB uint64) error {
	return nil
}

func TestPoolBindDrivesExtentHooksOnMallocFree(t *testing.T) {
	p := withPool(t, vaw.MinPoolSize)
	hooks := &fakeHooks{}
	p.Bind(hooks)

	addr, err := p.Malloc(64)
	if err != nil {
		t.Fatalf("Malloc() failed: %v", err)
	}
	if hooks.allocs != 1 {
		t.Fatalf("hooks.allocs = %d, want 1", hooks.allocs)
	}
	if err := p.Free(addr); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}
	if hooks.dallocs != 1 {
		t.Fatalf("hooks.dallocs = %d, want 1", hooks.dallocs)
	}
}

func TestArenaIndexReleasedOnClose(t *testing.T) {
	name := uniqueGroupName(t)
	if err := vaw.Create(name); err != nil {
		t.Fatalf("vaw.Create() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = vaw.Uninitialize()
		_ = vaw.Remove(name)
	})
	if err := vaw.Initialize(name); err != nil {
		t.Fatalf("vaw.Initialize() failed: %v", err)
	}

	p1, err := Create(vaw.MinPoolSize)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	idx1 := p1.ArenaIndex()
	if err := p1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if liveArenaIdxs[idx1] {
		t.Fatalf("arena index %d still live after Close()", idx1)
	}

	p2, err := Create(vaw.MinPoolSize)
	if err != nil {
		t.Fatalf("second Create() failed: %v", err)
	}
	defer p2.Close()
	if p2.ArenaIndex() == idx1 {
		// Reuse is fine, just confirming Close() doesn't leak state that
		// blocks further allocation.
		t.Logf("arena index %d reused after Close()", idx1)
	}
}
