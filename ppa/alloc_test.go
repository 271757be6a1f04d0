package ppa

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kcore/internal/corelog"
)

func newTestAllocator(t *testing.T, nframes int) *Allocator {
	t.Helper()
	const pageSize = 64
	a := New(0, uintptr(nframes*pageSize), pageSize)
	a.Init()
	return a
}

func TestInitBringsAllFramesFree(t *testing.T) {
	a := newTestAllocator(t, 10)
	require.Equal(t, 10, a.FreeCount())
}

func TestAllocStampsJunkAndRefcountOne(t *testing.T) {
	a := newTestAllocator(t, 4)

	pa, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, 1, a.RefCount(pa))
	require.Equal(t, 3, a.FreeCount())
	for _, b := range a.frameBytes(a.frameIndex(pa)) {
		require.Equal(t, byte(allocJunk), b)
	}
}

func TestCOWAllocatorCycle(t *testing.T) {
	a := newTestAllocator(t, 4)

	pa, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, 1, a.RefCount(pa))
	require.True(t, a.IsUnique(pa))

	a.Incr(pa)
	require.Equal(t, 2, a.RefCount(pa))
	require.False(t, a.IsUnique(pa))

	a.Free(pa)
	require.Equal(t, 1, a.RefCount(pa))
	require.True(t, a.IsUnique(pa))

	freeBefore := a.FreeCount()
	a.Free(pa)
	require.Equal(t, 0, a.RefCount(pa))
	require.Equal(t, freeBefore+1, a.FreeCount())
}

func TestAllocatorExhaustionThenFree(t *testing.T) {
	a := newTestAllocator(t, 3)

	var allocated []uintptr
	for {
		pa, ok := a.Alloc()
		if !ok {
			break
		}
		allocated = append(allocated, pa)
	}
	require.Len(t, allocated, 3)

	_, ok := a.Alloc()
	require.False(t, ok, "allocator must be exhausted")

	freed := allocated[1]
	a.Free(freed)

	next, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, freed, next, "the next alloc must reuse the just-freed frame")
}

func TestFreeOfMisalignedAddressIsFatal(t *testing.T) {
	a := newTestAllocator(t, 2)

	var tag string
	restore := corelog.SetFatalHook(func(t string, _ []zap.Field) { tag = t })
	defer restore()

	require.Panics(t, func() {
		a.Free(1) // not page-aligned
	})
	require.Equal(t, "kcore.ppa.bad_address", tag)
}

func TestFreeOfOutOfRangeAddressIsFatal(t *testing.T) {
	a := newTestAllocator(t, 2)

	var tag string
	restore := corelog.SetFatalHook(func(t string, _ []zap.Field) { tag = t })
	defer restore()

	require.Panics(t, func() {
		a.Free(uintptr(1 << 30))
	})
	require.Equal(t, "kcore.ppa.bad_address", tag)
}

func TestDoubleFreeIsFatal(t *testing.T) {
	a := newTestAllocator(t, 2)

	pa, ok := a.Alloc()
	require.True(t, ok)
	a.Free(pa)

	var tag string
	restore := corelog.SetFatalHook(func(t string, _ []zap.Field) { tag = t })
	defer restore()

	require.Panics(t, func() {
		a.Free(pa) // already at refcount 0: decrementing goes negative
	})
	require.Equal(t, "kcore.ppa.negative_refcount", tag)
}
