package pmm

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rzel/magenta/kernel/mem"
	"github.com/stretchr/testify/require"
)

// newTestAllocator registers the supplied arenas with a new allocator.
func newTestAllocator(t *testing.T, infos ...ArenaInfo) *Allocator {
	t.Helper()
	mockBootAlloc(t)

	alloc := &Allocator{}
	for i := range infos {
		alloc.AddArena(&infos[i])
	}

	return alloc
}

func pages(count int) mem.Size {
	return mem.Size(count) * mem.PageSize
}

func TestAllocatorPriorityOrdering(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "five", Base: 0x000000, Size: pages(1), Priority: 5},
		ArenaInfo{Name: "one", Base: 0x100000, Size: pages(1), Priority: 1},
		ArenaInfo{Name: "three", Base: 0x200000, Size: pages(1), Priority: 3},
		ArenaInfo{Name: "one-again", Base: 0x300000, Size: pages(1), Priority: 1},
		ArenaInfo{Name: "zero", Base: 0x400000, Size: pages(1), Priority: 0},
	)

	var names []string
	for _, a := range alloc.Arenas() {
		names = append(names, a.Name())
	}
	require.Equal(t, []string{"zero", "one", "one-again", "three", "five"}, names)

	// Handles must keep resolving through the registration id
	for id, a := range alloc.arenasByID {
		require.Equal(t, uint16(id), a.id)
	}
}

func TestAllocatorAddArenaErrors(t *testing.T) {
	specs := []struct {
		info   ArenaInfo
		expErr interface{}
	}{
		{ArenaInfo{Name: "unaligned base", Base: 0x1001, Size: pages(1)}, errArenaMisaligned},
		{ArenaInfo{Name: "unaligned size", Base: 0x1000, Size: pages(1) + 12}, errArenaMisaligned},
		{ArenaInfo{Name: "empty", Base: 0x1000, Size: 0}, errArenaEmpty},
		{ArenaInfo{Name: "huge", Base: 0, Size: noFrame * mem.PageSize}, errArenaTooLarge},
	}

	for _, spec := range specs {
		t.Run(spec.info.Name, func(t *testing.T) {
			alloc := newTestAllocator(t)
			require.PanicsWithValue(t, spec.expErr, func() {
				alloc.AddArena(&spec.info)
			})
			require.Empty(t, alloc.Arenas(), "expected a rejected arena not to be registered")
		})
	}

	t.Run("too many arenas", func(t *testing.T) {
		alloc := newTestAllocator(t)
		alloc.arenasByID = make([]*Arena, maxArenas)
		require.PanicsWithValue(t, errTooManyArenas, func() {
			alloc.AddArena(&ArenaInfo{Name: "one too many", Size: pages(1)})
		})
	})
}

func TestAllocPageFlags(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "highmem", Base: 0x100000000, Size: pages(2), Priority: 0},
		ArenaInfo{Name: "kmap", Base: 0x100000, Size: pages(1), Flags: ArenaFlagKmap, Priority: 1},
	)

	f, physAddr := alloc.AllocPage(AllocFlagKmap)
	require.True(t, f.Valid())
	require.Equal(t, uintptr(0x100000), physAddr, "expected kmap request to skip the non-kmap arena")

	f, _ = alloc.AllocPage(AllocFlagKmap)
	require.Equal(t, InvalidFrame, f, "expected kmap request to fail once kmap arenas are exhausted")

	for i := 0; i < 2; i++ {
		f, physAddr = alloc.AllocPage(0)
		require.True(t, f.Valid())
		require.Equal(t, uintptr(0x100000000)+uintptr(i)<<mem.PageShift, physAddr)
	}

	f, physAddr = alloc.AllocPage(0)
	require.Equal(t, InvalidFrame, f)
	require.Zero(t, physAddr)
	checkAllocatorInvariants(t, alloc)
}

func TestAllocPagesStopsAtFirstArena(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "A", Base: 0x0, Size: pages(4), Priority: 0},
		ArenaInfo{Name: "B", Base: 0x100000, Size: pages(10), Priority: 1},
	)

	// Leave only 2 free pages in arena A
	count, _ := alloc.AllocRange(0, 2, nil)
	require.Equal(t, 2, count)

	count, list := alloc.AllocPages(5, 0, nil)
	require.Equal(t, 2, count, "expected AllocPages not to make up the shortfall from arena B")
	require.Len(t, list, 2)
	for _, f := range list {
		physAddr, ok := alloc.FrameToAddress(f)
		require.True(t, ok)
		require.Less(t, physAddr, uintptr(0x100000), "expected frame to come from arena A")
	}
	require.Equal(t, 10, alloc.arenas[1].FreeCount())

	// Arena A is now exhausted so the next request is served by B
	count, list = alloc.AllocPages(5, 0, list)
	require.Equal(t, 5, count)
	require.Len(t, list, 7)

	count, _ = alloc.AllocPages(0, 0, nil)
	require.Zero(t, count)
	count, _ = alloc.AllocPages(1, AllocFlagKmap, nil)
	require.Zero(t, count, "expected kmap request to fail when no arena is kernel-mapped")
	checkAllocatorInvariants(t, alloc)
}

func TestAllocRange(t *testing.T) {
	t.Run("stops at the first allocated page", func(t *testing.T) {
		alloc := newTestAllocator(t, ArenaInfo{Name: "ram", Base: 0, Size: pages(10)})
		count, _ := alloc.AllocRange(0x3000, 1, nil)
		require.Equal(t, 1, count)

		count, list := alloc.AllocRange(0, 10, nil)
		require.Equal(t, 3, count)
		require.Equal(t, []Frame{newFrame(0, 0), newFrame(0, 1), newFrame(0, 2)}, list)
		checkAllocatorInvariants(t, alloc)
	})

	t.Run("rounds the start address down", func(t *testing.T) {
		alloc := newTestAllocator(t, ArenaInfo{Name: "ram", Base: 0x10000, Size: pages(4)})

		count, list := alloc.AllocRange(0x11234, 2, nil)
		require.Equal(t, 2, count)
		for i, f := range list {
			physAddr, _ := alloc.FrameToAddress(f)
			require.Equal(t, uintptr(0x11000)+uintptr(i)<<mem.PageShift, physAddr)
		}
	})

	t.Run("spans adjacent arenas in priority order", func(t *testing.T) {
		alloc := newTestAllocator(t,
			ArenaInfo{Name: "low", Base: 0x0, Size: pages(4), Priority: 0},
			ArenaInfo{Name: "high", Base: 0x4000, Size: pages(4), Priority: 1},
		)

		count, list := alloc.AllocRange(0x2000, 4, nil)
		require.Equal(t, 4, count)
		for i, f := range list {
			physAddr, _ := alloc.FrameToAddress(f)
			require.Equal(t, uintptr(0x2000)+uintptr(i)<<mem.PageShift, physAddr)
		}
		require.Equal(t, 2, alloc.arenas[0].FreeCount())
		require.Equal(t, 2, alloc.arenas[1].FreeCount())
		checkAllocatorInvariants(t, alloc)
	})

	t.Run("does not return to an arena visited earlier", func(t *testing.T) {
		alloc := newTestAllocator(t,
			ArenaInfo{Name: "high", Base: 0x4000, Size: pages(4), Priority: 0},
			ArenaInfo{Name: "low", Base: 0x0, Size: pages(4), Priority: 1},
		)

		// "high" is visited first and does not contain 0x2000; the walk
		// then reaches "low" and stops at its end since "high" was
		// already passed.
		count, list := alloc.AllocRange(0x2000, 4, nil)
		require.Equal(t, 2, count)
		require.Len(t, list, 2)
		require.Equal(t, 4, alloc.arenas[0].FreeCount())
		require.Equal(t, 2, alloc.arenas[1].FreeCount())
		checkAllocatorInvariants(t, alloc)
	})

	t.Run("stops at the top of the address space", func(t *testing.T) {
		const topBase = ^uintptr(0) - uintptr(2*mem.PageSize) + 1

		alloc := newTestAllocator(t,
			ArenaInfo{Name: "top", Base: topBase, Size: pages(2), Priority: 0},
			ArenaInfo{Name: "zero", Base: 0x0, Size: pages(2), Priority: 1},
		)

		count, list := alloc.AllocRange(topBase, 4, nil)
		require.Equal(t, 2, count, "expected the range not to wrap around to address 0")
		for _, f := range list {
			physAddr, _ := alloc.FrameToAddress(f)
			require.GreaterOrEqual(t, physAddr, topBase)
		}
		require.Equal(t, 2, alloc.arenas[1].FreeCount())
		checkAllocatorInvariants(t, alloc)
	})

	t.Run("stops at the end of managed memory", func(t *testing.T) {
		alloc := newTestAllocator(t, ArenaInfo{Name: "ram", Base: 0x0, Size: pages(4)})

		count, list := alloc.AllocRange(0x2000, 8, nil)
		require.Equal(t, 2, count)
		require.Len(t, list, 2)

		count, _ = alloc.AllocRange(0x100000, 1, nil)
		require.Zero(t, count, "expected unmanaged address to yield no pages")

		count, _ = alloc.AllocRange(0, 0, nil)
		require.Zero(t, count)
	})

	t.Run("never returns pages outside the requested range", func(t *testing.T) {
		alloc := newTestAllocator(t, ArenaInfo{Name: "ram", Base: 0x0, Size: pages(16)})

		count, list := alloc.AllocRange(0x5000, 3, nil)
		require.Equal(t, 3, count)
		for _, f := range list {
			physAddr, _ := alloc.FrameToAddress(f)
			require.GreaterOrEqual(t, physAddr, uintptr(0x5000))
			require.Less(t, physAddr, uintptr(0x8000))
		}
	})
}

func TestAllocContiguous(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "small", Base: 0x0, Size: pages(4), Flags: ArenaFlagKmap, Priority: 0},
		ArenaInfo{Name: "nokmap", Base: 0x100000, Size: pages(32), Priority: 1},
		ArenaInfo{Name: "large", Base: 0x200000, Size: pages(32), Flags: ArenaFlagKmap, Priority: 2},
	)

	// The request does not fit in "small" and "nokmap" is skipped
	physAddr, count, list := alloc.AllocContiguous(8, AllocFlagKmap, 15, nil)
	require.Equal(t, 8, count)
	require.Equal(t, uintptr(0x200000), physAddr)
	require.Len(t, list, 8)

	// Alignment below the page size is clamped to the page size
	physAddr, count, list = alloc.AllocContiguous(2, 0, 0, list)
	require.Equal(t, 2, count)
	require.Equal(t, uintptr(0x0), physAddr)
	require.Len(t, list, 10)

	// No single arena can hold the run
	physAddr, count, _ = alloc.AllocContiguous(33, 0, 12, nil)
	require.Zero(t, count)
	require.Zero(t, physAddr)

	_, count, _ = alloc.AllocContiguous(0, 0, 12, nil)
	require.Zero(t, count)

	total, free := alloc.Stats()
	require.Equal(t, 68, total)
	require.Equal(t, 58, free)

	require.Equal(t, 10, alloc.Free(list))
	checkAllocatorInvariants(t, alloc)
}

func TestFree(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "A", Base: 0x0, Size: pages(4), Priority: 0},
		ArenaInfo{Name: "B", Base: 0x100000, Size: pages(4), Priority: 1},
	)

	_, listA := alloc.AllocPages(4, 0, nil)
	_, listB := alloc.AllocPages(4, 0, nil)

	// Interleave frames from both arenas
	var mixed []Frame
	for i := range listA {
		mixed = append(mixed, listB[i], listA[i])
	}

	require.Equal(t, 8, alloc.Free(mixed))
	for _, a := range alloc.Arenas() {
		require.Equal(t, 4, a.FreeCount())
	}
	checkAllocatorInvariants(t, alloc)

	require.Zero(t, alloc.Free(nil))

	t.Run("double free", func(t *testing.T) {
		require.PanicsWithValue(t, errDoubleFree, func() {
			alloc.FreePage(listA[0])
		})

		// The lock must have been released while unwinding
		require.True(t, alloc.lock.TryToAcquire())
		alloc.lock.Release()
	})

	t.Run("unmanaged frame", func(t *testing.T) {
		for _, f := range []Frame{InvalidFrame, newFrame(2, 0), newFrame(0, 4)} {
			require.PanicsWithValue(t, errFrameNotManaged, func() {
				alloc.FreePage(f)
			})
		}
	})

	t.Run("frees up to the corrupted entry", func(t *testing.T) {
		f, _ := alloc.AllocPage(0)
		require.PanicsWithValue(t, errDoubleFree, func() {
			alloc.Free([]Frame{f, f})
		})
		require.Equal(t, 4, alloc.arenas[0].FreeCount())
		checkAllocatorInvariants(t, alloc)
	})
}

func TestTranslation(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "A", Base: 0x10000, Size: pages(4), Priority: 1},
		ArenaInfo{Name: "B", Base: 0x80000000, Size: pages(4), Priority: 0},
	)

	for _, base := range []uintptr{0x10000, 0x80000000} {
		for physAddr := base; physAddr < base+uintptr(pages(4)); physAddr += uintptr(mem.PageSize) {
			f := alloc.AddressToFrame(physAddr)
			require.True(t, f.Valid(), "phys 0x%x", physAddr)

			gotAddr, ok := alloc.FrameToAddress(f)
			require.True(t, ok)
			require.Equal(t, physAddr, gotAddr)
		}
	}

	for _, physAddr := range []uintptr{0, 0xffff, 0x14000, 0x80004000} {
		require.Equal(t, InvalidFrame, alloc.AddressToFrame(physAddr), "phys 0x%x", physAddr)
	}

	for _, f := range []Frame{InvalidFrame, newFrame(7, 0), newFrame(1, 4)} {
		_, ok := alloc.FrameToAddress(f)
		require.False(t, ok)
	}
}

func TestAllocatorConcurrentAccess(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "A", Base: 0x0, Size: pages(64), Priority: 0},
		ArenaInfo{Name: "B", Base: 0x100000, Size: pages(64), Priority: 1},
	)

	var (
		wg         sync.WaitGroup
		numWorkers = 8
	)

	wg.Add(numWorkers)
	for worker := 0; worker < numWorkers; worker++ {
		go func(worker int) {
			defer wg.Done()

			for iter := 0; iter < 50; iter++ {
				var list []Frame
				if f, _ := alloc.AllocPage(0); f.Valid() {
					list = append(list, f)
				}
				_, list = alloc.AllocPages(3, 0, list)
				_, _, list = alloc.AllocContiguous(2, 0, 13, list)
				alloc.Free(list)
			}
		}(worker)
	}
	wg.Wait()

	total, free := alloc.Stats()
	require.Equal(t, total, free, "expected every page to be free once all workers are done")
	checkAllocatorInvariants(t, alloc)
}

func TestAllocatorDump(t *testing.T) {
	alloc := newTestAllocator(t,
		ArenaInfo{Name: "second", Base: 0x10000, Size: pages(2), Priority: 1},
		ArenaInfo{Name: "first", Base: 0x0, Size: pages(1), Priority: 0},
	)

	var buf bytes.Buffer
	alloc.Dump(&buf, false)

	exp := "arena 'first': base 0x0 size 0x1000 (1 pages) priority 0 flags 0x0\n\tfree pages: 1\n" +
		"arena 'second': base 0x10000 size 0x2000 (2 pages) priority 1 flags 0x0\n\tfree pages: 2\n"
	require.Equal(t, exp, buf.String())
}
