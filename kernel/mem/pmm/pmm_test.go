package pmm

import (
	"testing"

	"github.com/rzel/magenta/kernel/mem"
	"github.com/stretchr/testify/require"
)

// mockBootAlloc serves page array allocations from the Go heap for the
// duration of a test.
func mockBootAlloc(t *testing.T) {
	t.Helper()

	origBootAllocFn := bootAllocFn
	bootAllocFn = func(size mem.Size) []byte {
		return make([]byte, size)
	}
	t.Cleanup(func() { bootAllocFn = origBootAllocFn })
}

// checkArenaInvariants verifies that the free list is sorted by address,
// that its links are consistent and that every page is either on the free
// list or allocated.
func checkArenaInvariants(t *testing.T, a *Arena) {
	t.Helper()

	var (
		listed = make(map[uint32]bool)
		prev   = uint32(noFrame)
	)
	for index := a.freeHead; index != noFrame; index = a.frames[index].next {
		require.False(t, listed[index], "arena %s: page %d appears twice in the free list", a.Name(), index)
		require.Equal(t, frameFree, a.frames[index].state, "arena %s: page %d is listed but not marked as free", a.Name(), index)
		require.Equal(t, prev, a.frames[index].prev, "arena %s: page %d has a broken prev link", a.Name(), index)
		if prev != noFrame {
			require.Less(t, prev, index, "arena %s: free list is not sorted by address", a.Name())
		}

		listed[index] = true
		prev = index
	}
	require.Equal(t, prev, a.freeTail, "arena %s: free list tail mismatch", a.Name())

	allocated := 0
	for index := range a.frames {
		if a.frames[index].state == frameFree {
			require.True(t, listed[uint32(index)], "arena %s: free page %d is not on the free list", a.Name(), index)
		} else {
			allocated++
		}
	}

	require.Equal(t, len(listed), a.FreeCount(), "arena %s: free count mismatch", a.Name())
	require.Equal(t, a.PageCount(), a.FreeCount()+allocated, "arena %s: free + allocated != total", a.Name())
}

func checkAllocatorInvariants(t *testing.T, alloc *Allocator) {
	t.Helper()

	for _, a := range alloc.arenas {
		checkArenaInvariants(t, a)
	}
}

func TestPackageLevelHelpers(t *testing.T) {
	mockBootAlloc(t)
	defer func(orig Allocator) { FrameAllocator = orig }(FrameAllocator)
	FrameAllocator = Allocator{}

	AddArena(&ArenaInfo{Name: "ram", Base: 0x100000, Size: 8 * mem.PageSize, Flags: ArenaFlagKmap})

	f, physAddr := AllocPage(0)
	require.True(t, f.Valid())
	require.Equal(t, uintptr(0x100000), physAddr)
	require.Equal(t, f, AddressToFrame(physAddr))

	gotAddr, ok := FrameToAddress(f)
	require.True(t, ok)
	require.Equal(t, physAddr, gotAddr)

	count, list := AllocPages(2, AllocFlagKmap, nil)
	require.Equal(t, 2, count)

	count, list = AllocRange(0x105000, 1, list)
	require.Equal(t, 1, count)

	runAddr, count, list := AllocContiguous(2, 0, 13, list)
	require.Equal(t, 2, count)
	require.Equal(t, uintptr(0x106000), runAddr)

	require.Equal(t, 5, Free(list))
	require.Equal(t, 1, FreePage(f))
	checkAllocatorInvariants(t, &FrameAllocator)
}
