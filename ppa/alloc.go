// Package ppa implements the physical page allocator: a fixed-size byte
// arena sliced into PGSIZE frames, a signed per-frame refcount array, and an
// intrusive free list threaded through the free frames' own storage.
//
// There is no raw physical memory in a Go process, so the "physical address
// space" is simulated with a single []byte arena; frameIndex/addrOf convert
// between a uintptr "address" in [kernelEnd, physTop) and a frame index, and
// frameBytes maps a frame index to its window of that arena, exactly
// mirroring kalloc.c's page_index arithmetic.
package ppa

import (
	"encoding/binary"
	"fmt"
	"sync"

	"kcore/internal/corelog"
)

// DefaultPageSize is the default frame size in bytes.
const DefaultPageSize = 4096

const (
	allocJunk = 0x05 // fill byte stamped on a freshly allocated frame
	freeJunk  = 0x01 // fill byte stamped on a newly freed frame
)

// Allocator hands out and reclaims fixed-size frames from
// [kernelEnd, physTop), maintaining one signed refcount per frame.
type Allocator struct {
	kernelEnd uintptr
	physTop   uintptr
	pageSize  int
	nframes   int

	mu       sync.Mutex
	arena    []byte
	refcount []int32
	freeHead int32 // index of first free frame, -1 if none
}

// New describes the frame range [kernelEnd, physTop) in pageSize-byte
// frames. It does not yet make any frame available; call Init for that.
func New(kernelEnd, physTop uintptr, pageSize int) *Allocator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	span := int(physTop - kernelEnd)
	nframes := span / pageSize

	return &Allocator{
		kernelEnd: kernelEnd,
		physTop:   physTop,
		pageSize:  pageSize,
		nframes:   nframes,
		arena:     make([]byte, nframes*pageSize),
		refcount:  make([]int32, nframes),
		freeHead:  -1,
	}
}

// PageSize returns the configured frame size.
func (a *Allocator) PageSize() int { return a.pageSize }

// NumFrames returns the total number of frames managed.
func (a *Allocator) NumFrames() int { return a.nframes }

// frameIndex converts an address in [kernelEnd, physTop) into a
// kernelEnd-relative frame index, fatal on misalignment or out-of-range.
func (a *Allocator) frameIndex(pa uintptr) int {
	if pa%uintptr(a.pageSize) != 0 || pa < a.kernelEnd || pa >= a.physTop {
		corelog.Fatal("kcore.ppa.bad_address", corelog.Uint64("pa", uint64(pa)))
		return -1
	}
	idx := int((pa - a.kernelEnd) / uintptr(a.pageSize))
	if idx < 0 || idx >= a.nframes {
		corelog.Fatal("kcore.ppa.index_out_of_range", corelog.Int("index", idx))
		return -1
	}
	return idx
}

func (a *Allocator) addrOf(idx int) uintptr {
	return a.kernelEnd + uintptr(idx)*uintptr(a.pageSize)
}

func (a *Allocator) frameBytes(idx int) []byte {
	off := idx * a.pageSize
	return a.arena[off : off+a.pageSize]
}

// Init brings every frame to refcount 0 and onto the free list: every
// frame's refcount is set to 1, then Free is called on each one so the
// decrement-to-0 path does the junk-fill and free-list push.
func (a *Allocator) Init() {
	a.mu.Lock()
	for i := 0; i < a.nframes; i++ {
		a.refcount[i] = 1
	}
	a.mu.Unlock()

	for i := 0; i < a.nframes; i++ {
		a.Free(a.addrOf(i))
	}
}

// Alloc pops the free list, junk-fills the frame with 0x05, sets its
// refcount to 1, and returns its address. The second return value is false
// if the free list is empty; an exhausted allocator is a condition callers
// handle, not a fatal error.
func (a *Allocator) Alloc() (uintptr, bool) {
	a.mu.Lock()
	idx := a.freeHead
	if idx == -1 {
		a.mu.Unlock()
		return 0, false
	}
	a.freeHead = int32(binary.LittleEndian.Uint32(a.frameBytes(int(idx))))
	a.refcount[idx] = 1
	a.mu.Unlock()

	frame := a.frameBytes(int(idx))
	for i := range frame {
		frame[i] = allocJunk
	}
	return a.addrOf(int(idx)), true
}

// Free decrements pa's refcount. Reaching 0 junk-fills the frame with 0x01
// and pushes it onto the free list. A negative refcount, or a misaligned
// / out-of-range address, is fatal.
func (a *Allocator) Free(pa uintptr) {
	idx := a.frameIndex(pa)

	a.mu.Lock()
	a.refcount[idx]--
	rc := a.refcount[idx]
	if rc < 0 {
		a.mu.Unlock()
		corelog.Fatal("kcore.ppa.negative_refcount", corelog.Int("index", idx), corelog.Int("refcount", int(rc)))
		return
	}
	if rc > 0 {
		a.mu.Unlock()
		return
	}

	frame := a.frameBytes(idx)
	for i := range frame {
		frame[i] = freeJunk
	}
	binary.LittleEndian.PutUint32(frame, uint32(a.freeHead))
	a.freeHead = int32(idx)
	a.mu.Unlock()
}

// Incr increments pa's refcount, used when an additional owner (e.g. a COW
// child) takes a reference to an already-live frame.
func (a *Allocator) Incr(pa uintptr) {
	idx := a.frameIndex(pa)

	a.mu.Lock()
	a.refcount[idx]++
	a.mu.Unlock()
}

// IsUnique reports whether pa's refcount is exactly 1, the question a
// page-fault handler asks to decide whether copy-on-write may reuse the
// frame in place instead of copying it.
func (a *Allocator) IsUnique(pa uintptr) bool {
	idx := a.frameIndex(pa)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount[idx] == 1
}

// RefCount returns pa's current refcount, for tests/diagnostics.
func (a *Allocator) RefCount(pa uintptr) int {
	idx := a.frameIndex(pa)

	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.refcount[idx])
}

// FreeCount walks the free list and returns its length. An empty list is a
// normal, non-fatal state, not an assumed-impossible one.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for idx := a.freeHead; idx != -1; {
		count++
		idx = int32(binary.LittleEndian.Uint32(a.frameBytes(int(idx))))
	}
	return count
}

// String renders a short diagnostic summary of the allocator's state.
func (a *Allocator) String() string {
	return fmt.Sprintf("ppa.Allocator{frames=%d pageSize=%d free=%d}", a.nframes, a.pageSize, a.FreeCount())
}
