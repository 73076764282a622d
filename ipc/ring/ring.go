// Package ring implements a lock-free FIFO of fixed-size entries backed
// by a System-V shared-memory segment, usable by a single or multiple
// producers and consumers across process boundaries.
//
// Producers and consumers coordinate through a pair of free-running
// uint32 cursors (head, tail) with acquire/release discipline enforced
// via sync/atomic, and busy-poll — this library never blocks in the OS
// scheduler sense, so Produce/Consume are not cancellation points; they
// return only on success or once their deadline has passed.
package ring

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/ipc/wserr"
)

// PageSize selects the host page size backing a ring buffer's segment.
type PageSize uint32

// Supported page sizes.
const (
	PageDefault PageSize = 1 << 12 // 4 KiB
	PageHuge2M  PageSize = 1 << 21 // 2 MiB
	PageHuge1G  PageSize = 1 << 30 // 1 GiB
)

func (p PageSize) valid() bool {
	switch p {
	case PageDefault, PageHuge2M, PageHuge1G:
		return true
	default:
		return false
	}
}

// The kernel encodes a requested huge page size into the upper bits of
// shmget's shmflg using the same HUGETLB_FLAG_ENCODE_* scheme as
// mmap's MAP_HUGE_* flags (linux/mman.h); x/sys/unix does not carry
// dedicated constants for it, so it is reproduced here directly.
const (
	shmHugeTLB             = 0x800 // SHM_HUGETLB
	hugetlbFlagEncodeShift = 26
	hugetlbFlagEncode2MB   = 21 << hugetlbFlagEncodeShift
	hugetlbFlagEncode1GB   = 30 << hugetlbFlagEncodeShift
)

// shmFlags returns the additional System-V shmget flags needed to back
// a segment with this page size.
func (p PageSize) shmFlags() int {
	switch p {
	case PageHuge2M:
		return shmHugeTLB | hugetlbFlagEncode2MB
	case PageHuge1G:
		return shmHugeTLB | hugetlbFlagEncode1GB
	default:
		return 0
	}
}

const maxDescription = 256

// Attribute describes a ring buffer's immutable shape, fixed at
// creation time and copied verbatim into the segment header.
type Attribute struct {
	Key              int32
	ID               int32
	PageSize         PageSize
	Capacity         uint32
	EntrySize        uint16
	MultipleProducer bool
	MultipleConsumer bool
	Description      string
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// header is the fixed-size prologue of a ring buffer segment. Each hot
// field lives in its own cache line to avoid false sharing between
// producers, consumers, and the immutable attribute block; the whole
// header is padded to a page boundary so payload slots start aligned.
type header struct {
	attr        rawAttribute
	_           [attrPad]byte
	head        uint32
	_           [60]byte
	tail        uint32
	_           [60]byte
	producerLock uint32
	_           [60]byte
	consumerLock uint32
	_           [remainingPad]byte
}

// rawAttribute is Attribute flattened into a fixed-layout, mmap-safe
// shape (no Go string headers or bools with unspecified width).
type rawAttribute struct {
	key              int32
	id               int32
	pageSize         uint32
	capacity         uint32
	entrySize        uint16
	multipleProducer uint8
	multipleConsumer uint8
	descriptionLen   uint16
	description      [maxDescription]byte
}

const (
	rawAttrSize  = unsafe.Sizeof(rawAttribute{})
	attrCellSize = ((rawAttrSize + 63) / 64) * 64
	attrPad      = attrCellSize - rawAttrSize
	// HeaderSize is the total size of a ring buffer segment header.
	HeaderSize = 4096
	// bytesBeforeConsumerLock covers the attribute cell plus the three
	// full 64-byte cells for head, tail and producerLock (4 bytes of
	// payload + 60 of padding each), leaving consumerLock's own 4 bytes
	// followed by remainingPad to reach HeaderSize exactly.
	bytesBeforeConsumerLock = attrCellSize + (4+60)*3
	remainingPad            = HeaderSize - bytesBeforeConsumerLock - 4
)

func init() {
	if unsafe.Sizeof(header{}) != HeaderSize {
		panic(fmt.Sprintf("ring: header size is %d, want %d", unsafe.Sizeof(header{}), HeaderSize))
	}
}

// RingBuffer is a process-local handle onto an attached System-V shared
// segment holding a ring buffer.
type RingBuffer struct {
	mem  []byte
	hdr  *header
	data unsafe.Pointer
}

func (h *header) attribute() Attribute {
	a := h.attr
	return Attribute{
		Key:              a.key,
		ID:               a.id,
		PageSize:         PageSize(a.pageSize),
		Capacity:         a.capacity,
		EntrySize:        a.entrySize,
		MultipleProducer: a.multipleProducer != 0,
		MultipleConsumer: a.multipleConsumer != 0,
		Description:      string(a.description[:a.descriptionLen]),
	}
}

// Attribute returns the ring buffer's immutable shape.
func (r *RingBuffer) Attribute() Attribute { return r.hdr.attribute() }

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// CreateRingBuffer creates a new System-V shared segment sized for attr
// and returns the key assigned by the kernel. attr.Key, if non-zero, is
// used as the requested key; attr.ID is ignored on input, and the
// kernel-assigned id is written to the segment header, where the
// Attribute of a handle obtained through Get reports it.
func CreateRingBuffer(attr Attribute) (int32, error) {
	if attr.EntrySize == 0 || !isPowerOfTwo(uint32(attr.EntrySize)) {
		return 0, wserr.New(wserr.InvalidArgument, "ring.CreateRingBuffer",
			fmt.Sprintf("invalid entry size %d", attr.EntrySize))
	}
	if attr.Capacity == 0 || !isPowerOfTwo(attr.Capacity) {
		return 0, wserr.New(wserr.InvalidArgument, "ring.CreateRingBuffer",
			fmt.Sprintf("invalid capacity %d", attr.Capacity))
	}
	if !attr.PageSize.valid() {
		return 0, wserr.New(wserr.InvalidArgument, "ring.CreateRingBuffer",
			fmt.Sprintf("invalid page size %d", attr.PageSize))
	}
	if len(attr.Description) > maxDescription-1 {
		return 0, wserr.New(wserr.InvalidArgument, "ring.CreateRingBuffer", "description too long")
	}

	regionSize := HeaderSize + uint64(attr.Capacity)*uint64(attr.EntrySize)

	shmflg := unix.IPC_CREAT | unix.IPC_EXCL | 0o600 | attr.PageSize.shmFlags()
	shmid, err := unix.SysvShmGet(int(attr.Key), int(regionSize), shmflg)
	if err != nil {
		return 0, wserr.Wrap(wserr.System, "ring.CreateRingBuffer", "shmget", err)
	}

	const shmLock = 11 // SHM_LOCK, absent from x/sys/unix's generated constants
	if _, err := unix.SysvShmCtl(shmid, shmLock, nil); err != nil {
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return 0, wserr.Wrap(wserr.System, "ring.CreateRingBuffer", "shmctl SHM_LOCK", err)
	}

	var stat unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(shmid, unix.IPC_STAT, &stat); err != nil {
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return 0, wserr.Wrap(wserr.System, "ring.CreateRingBuffer", "shmctl IPC_STAT", err)
	}

	mem, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return 0, wserr.Wrap(wserr.System, "ring.CreateRingBuffer", "shmat", err)
	}

	hdr := (*header)(unsafe.Pointer(&mem[0]))
	hdr.attr = rawAttribute{
		key:              int32(stat.Perm.Key),
		id:               int32(shmid),
		pageSize:         uint32(attr.PageSize),
		capacity:         attr.Capacity,
		entrySize:        attr.EntrySize,
		multipleProducer: boolToU8(attr.MultipleProducer),
		multipleConsumer: boolToU8(attr.MultipleConsumer),
		descriptionLen:   uint16(len(attr.Description)),
	}
	copy(hdr.attr.description[:], attr.Description)
	hdr.head = 0
	hdr.tail = 0
	hdr.producerLock = 0
	hdr.consumerLock = 0

	if err := unix.SysvShmDetach(mem); err != nil {
		return 0, wserr.Wrap(wserr.System, "ring.CreateRingBuffer", "shmdt", err)
	}

	return int32(stat.Perm.Key), nil
}

// DeleteRingBuffer marks the segment identified by key for removal. It
// does not verify that no process is still attached.
func DeleteRingBuffer(key int32) error {
	shmid, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		return wserr.Wrap(wserr.System, "ring.DeleteRingBuffer", "shmget", err)
	}
	if _, err := unix.SysvShmCtl(shmid, unix.IPC_RMID, nil); err != nil {
		return wserr.Wrap(wserr.System, "ring.DeleteRingBuffer", "shmctl IPC_RMID", err)
	}
	return nil
}

// Get attaches to the ring buffer identified by key and returns a handle
// owning that attachment. Call Close to detach.
func Get(key int32) (*RingBuffer, error) {
	shmid, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, "ring.Get", "shmget", err)
	}
	mem, err := unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, "ring.Get", "shmat", err)
	}
	hdr := (*header)(unsafe.Pointer(&mem[0]))
	data := unsafe.Pointer(uintptr(unsafe.Pointer(&mem[0])) + uintptr(HeaderSize))
	return &RingBuffer{mem: mem, hdr: hdr, data: data}, nil
}

// Close detaches this process from the ring buffer's segment. It does
// not remove the segment.
func (r *RingBuffer) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.SysvShmDetach(r.mem)
	r.mem = nil
	if err != nil {
		return wserr.Wrap(wserr.System, "ring.Close", "shmdt", err)
	}
	return nil
}

func (r *RingBuffer) slot(idx uint32) unsafe.Pointer {
	capacity := r.hdr.attr.capacity
	entrySize := uint32(r.hdr.attr.entrySize)
	pos := idx % capacity
	return unsafe.Pointer(uintptr(r.data) + uintptr(pos)*uintptr(entrySize))
}

// Size returns the current, best-effort number of entries queued. It
// may race with concurrent producers/consumers.
func (r *RingBuffer) Size() uint32 {
	tail := loadU32(&r.hdr.tail)
	head := loadU32(&r.hdr.head)
	return (tail - head) % r.hdr.attr.capacity
}

// Empty reports whether the ring buffer currently holds no entries.
// Best-effort, like Size.
func (r *RingBuffer) Empty() bool {
	return r.Size() == 0
}

func (r *RingBuffer) full() bool {
	return r.Size() == r.hdr.attr.capacity-1
}

// Produce copies the first size bytes of buf into the next free slot.
// size must be in (0, EntrySize]. It busy-polls until space is
// available or timeoutNs nanoseconds have passed, at which point it
// returns Timeout.
func (r *RingBuffer) Produce(buf []byte, size int, timeoutNs int64) error {
	entrySize := int(r.hdr.attr.entrySize)
	if size <= 0 || size > entrySize {
		return wserr.New(wserr.InvalidArgument, "ring.Produce",
			fmt.Sprintf("size %d must be in (0,%d]", size, entrySize))
	}

	if r.hdr.attr.multipleProducer != 0 {
		acquireSpin(&r.hdr.producerLock)
		defer releaseSpin(&r.hdr.producerLock)
	}

	deadline := time.Now().Add(time.Duration(timeoutNs))
	for {
		if !r.full() {
			tail := loadU32(&r.hdr.tail)
			dst := (*[1 << 30]byte)(r.slot(tail))[:entrySize:entrySize]
			copy(dst, buf[:size])
			storeU32Release(&r.hdr.tail, tail+1)
			return nil
		}
		if time.Now().After(deadline) {
			return wserr.New(wserr.Timeout, "ring.Produce", "deadline elapsed while queue was full")
		}
		runtime.Gosched()
	}
}

// Consume copies the next queued entry into buf, which must be at least
// size bytes and size must be in (0, EntrySize]. It busy-polls until an
// entry is available or timeoutNs nanoseconds have passed, at which
// point it returns Timeout.
func (r *RingBuffer) Consume(buf []byte, size int, timeoutNs int64) error {
	entrySize := int(r.hdr.attr.entrySize)
	if size <= 0 || size > entrySize {
		return wserr.New(wserr.InvalidArgument, "ring.Consume",
			fmt.Sprintf("size %d must be in (0,%d]", size, entrySize))
	}

	if r.hdr.attr.multipleConsumer != 0 {
		acquireSpin(&r.hdr.consumerLock)
		defer releaseSpin(&r.hdr.consumerLock)
	}

	deadline := time.Now().Add(time.Duration(timeoutNs))
	for {
		if !r.Empty() {
			head := loadU32(&r.hdr.head)
			src := (*[1 << 30]byte)(r.slot(head))[:entrySize:entrySize]
			copy(buf[:size], src[:size])
			storeU32Release(&r.hdr.head, head+1)
			return nil
		}
		if time.Now().After(deadline) {
			return wserr.New(wserr.Timeout, "ring.Consume", "deadline elapsed while queue was empty")
		}
		runtime.Gosched()
	}
}
