// Package vaw implements the virtual address window: a process-wide
// singleton that reserves a fixed-size range of shared virtual addresses
// for a named group and suballocates it with a buddy tree persisted to a
// RAM-disk file, kept consistent across processes with an advisory file
// lock taken inside a per-process mutex.
package vaw

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/ipc/buddy"
	"github.com/songweijia/libwsong/ipc/group"
	"github.com/songweijia/libwsong/ipc/wserr"
)

// Reserved virtual address window, per the shared memory pool design.
const (
	// VAStart is the first address of the reserved window.
	VAStart uint64 = 0x200000000000
	// VASize is the size of the reserved window: 16 TiB.
	VASize uint64 = 0x100000000000
	// MinPoolSize is the smallest pool a caller may carve from the
	// window: 4 GiB.
	MinPoolSize uint64 = 0x000100000000

	vaSizeExp     = 44 // log2(VASize)
	minPoolSizeExp = 32 // log2(MinPoolSize)
)

// Window is a mapped view of a group's buddy-tree state file.
type Window struct {
	groupName string
	fd        int
	mapped    []byte
	tree      *buddy.Tree
	mu        sync.Mutex
}

var (
	singletonMu sync.Mutex
	singleton   *Window
)

// Create initializes group's on-disk metadata: its directory and a
// zero-filled buddy-tree state file sized for the reserved window. It
// fails with AlreadyExists if the group directory is already present.
func Create(groupName string) error {
	if err := group.Create(groupName); err != nil {
		return err
	}

	treeSize := buddy.TreeSize(vaSizeExp, minPoolSizeExp)
	path := group.BuddiesPath(groupName)
	f, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0o644)
	if err != nil {
		_ = group.Remove(groupName)
		return wserr.Wrap(wserr.System, "vaw.Create", "open buddies file", err)
	}
	if err := unix.Ftruncate(f, int64(treeSize)); err != nil {
		unix.Close(f)
		_ = group.Remove(groupName)
		return wserr.Wrap(wserr.System, "vaw.Create", "truncate buddies file", err)
	}
	unix.Close(f)

	// Build a throwaway window with initFlag=true to write the initial
	// root state, then drop it.
	w, err := open(groupName, true)
	if err != nil {
		_ = group.Remove(groupName)
		return err
	}
	return w.close()
}

// Remove deletes group's entire metadata directory, including its
// buddy-tree state file. Callers must ensure no process still relies on
// the group.
func Remove(groupName string) error {
	return group.Remove(groupName)
}

// Initialize opens groupName's buddy-tree state file and installs it as
// this process's singleton Window. It fails with AlreadyInitialized if
// called twice without an intervening Uninitialize.
func Initialize(groupName string) error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return wserr.New(wserr.AlreadyInitialized, "vaw.Initialize", "")
	}
	w, err := open(groupName, false)
	if err != nil {
		return err
	}
	singleton = w
	return nil
}

// Uninitialize tears down the process-wide singleton, if any.
func Uninitialize() error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil
	}
	err := singleton.close()
	singleton = nil
	return err
}

// Get returns the process-wide singleton Window, or NotFound if
// Initialize has not been called.
func Get() (*Window, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil, wserr.New(wserr.NotFound, "vaw.Get", "window is not initialized")
	}
	return singleton, nil
}

func open(groupName string, initFlag bool) (*Window, error) {
	path := group.BuddiesPath(groupName)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, "vaw.open", "open buddies file", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, wserr.Wrap(wserr.System, "vaw.open", "fstat buddies file", err)
	}

	treeSize := buddy.TreeSize(vaSizeExp, minPoolSizeExp)
	if uint64(st.Size) < treeSize {
		unix.Close(fd)
		return nil, wserr.New(wserr.InvalidArgument, "vaw.open",
			fmt.Sprintf("buddies file size %d smaller than expected %d", st.Size, treeSize))
	}

	mapped, err := unix.Mmap(fd, 0, int(treeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, wserr.Wrap(wserr.System, "vaw.open", "mmap buddies file", err)
	}

	nodes := unsafe.Slice((*int64)(unsafe.Pointer(&mapped[0])), treeSize/8)
	tree, err := buddy.New(vaSizeExp, minPoolSizeExp, initFlag, nodes)
	if err != nil {
		unix.Munmap(mapped)
		unix.Close(fd)
		return nil, err
	}

	return &Window{groupName: groupName, fd: fd, mapped: mapped, tree: tree}, nil
}

func (w *Window) close() error {
	var err error
	if w.mapped != nil {
		if e := unix.Munmap(w.mapped); e != nil {
			err = wserr.Wrap(wserr.System, "vaw.close", "munmap buddies file", e)
		}
		w.mapped = nil
	}
	if cerr := unix.Close(w.fd); cerr != nil && err == nil {
		err = wserr.Wrap(wserr.System, "vaw.close", "close buddies file descriptor", cerr)
	}
	return err
}

// Allocate reserves a pool of poolSize bytes (a power of two in
// [MinPoolSize, VASize]) and returns its offset within the window.
func (w *Window) Allocate(poolSize uint64) (uint64, error) {
	if !isPowerOfTwo(poolSize) || poolSize < w.tree.UnitSize() || poolSize > w.tree.Capacity() {
		return 0, wserr.New(wserr.InvalidArgument, "vaw.Allocate",
			fmt.Sprintf("pool size %d must be a power of two in [%d,%d]", poolSize, w.tree.UnitSize(), w.tree.Capacity()))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(w.fd, unix.LOCK_EX); err != nil {
		return 0, wserr.Wrap(wserr.System, "vaw.Allocate", "flock exclusive", err)
	}
	offset, allocErr := w.tree.Allocate(poolSize)
	if uerr := unix.Flock(w.fd, unix.LOCK_UN); uerr != nil {
		unlockErr := wserr.Wrap(wserr.System, "vaw.Allocate", "flock unlock", uerr)
		if allocErr != nil {
			return 0, joinErrors(allocErr, unlockErr)
		}
		return 0, unlockErr
	}
	if allocErr != nil {
		return 0, allocErr
	}
	return offset, nil
}

// Free releases the pool at poolOffset back to the window.
func (w *Window) Free(poolOffset uint64) error {
	if poolOffset%w.tree.UnitSize() != 0 {
		return wserr.New(wserr.InvalidArgument, "vaw.Free",
			fmt.Sprintf("offset %d not a multiple of unit size %d", poolOffset, w.tree.UnitSize()))
	}
	if poolOffset > w.tree.Capacity() {
		return wserr.New(wserr.InvalidArgument, "vaw.Free",
			fmt.Sprintf("offset %d beyond window capacity %d", poolOffset, w.tree.Capacity()))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(w.fd, unix.LOCK_EX); err != nil {
		return wserr.Wrap(wserr.System, "vaw.Free", "flock exclusive", err)
	}
	freeErr := w.tree.Free(poolOffset)
	if uerr := unix.Flock(w.fd, unix.LOCK_UN); uerr != nil {
		unlockErr := wserr.Wrap(wserr.System, "vaw.Free", "flock unlock", uerr)
		if freeErr != nil {
			return joinErrors(freeErr, unlockErr)
		}
		return unlockErr
	}
	return freeErr
}

// Query returns the covering pool offset and size for vaOffset.
func (w *Window) Query(vaOffset uint64) (offset uint64, size uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lerr := unix.Flock(w.fd, unix.LOCK_SH); lerr != nil {
		return 0, 0, wserr.Wrap(wserr.System, "vaw.Query", "flock shared", lerr)
	}
	offset, size, qerr := w.tree.Query(vaOffset)
	if uerr := unix.Flock(w.fd, unix.LOCK_UN); uerr != nil {
		unlockErr := wserr.Wrap(wserr.System, "vaw.Query", "flock unlock", uerr)
		if qerr != nil {
			return 0, 0, joinErrors(qerr, unlockErr)
		}
		return 0, 0, unlockErr
	}
	return offset, size, qerr
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func joinErrors(primary, secondary error) error {
	return fmt.Errorf("%w (while unlocking: %v)", primary, secondary)
}
