package pmm

import (
	"io"

	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"github.com/rzel/magenta/kernel/mem/bootmem"
	"github.com/rzel/magenta/kernel/sync"
	"golang.org/x/exp/slices"
)

// AllocFlag controls which arenas an allocation request may be served from.
type AllocFlag uint32

const (
	// AllocFlagKmap restricts the allocation to arenas with the
	// ArenaFlagKmap capability.
	AllocFlagKmap AllocFlag = 1 << iota
)

var (
	// FrameAllocator is the system-wide physical page allocator.
	FrameAllocator Allocator

	// bootAllocFn supplies the memory for arena page arrays. It is mocked
	// by tests.
	bootAllocFn = bootmem.Alloc

	// traceEnabled enables logging of allocator activity.
	traceEnabled bool

	errArenaMisaligned = &kernel.Error{Module: "pmm", Message: "arena base and size must be page-aligned"}
	errArenaEmpty      = &kernel.Error{Module: "pmm", Message: "arena size must be greater than zero"}
	errArenaTooLarge   = &kernel.Error{Module: "pmm", Message: "arena contains too many pages"}
	errTooManyArenas   = &kernel.Error{Module: "pmm", Message: "maximum number of arenas reached"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame does not belong to any arena"}
)

// EnableTracing toggles logging of every allocator request.
func EnableTracing(enabled bool) {
	traceEnabled = enabled
}

func trace(format string, args ...interface{}) {
	if traceEnabled {
		kfmt.Printf(format, args...)
	}
}

// Allocator keeps track of the registered physical memory arenas and serves
// page allocation requests from them.
//
// Arenas are searched in priority order for every request. A single lock
// serializes all allocations and frees across every arena. Arena
// registration is a boot-time operation and must complete before any
// allocation request is made; it does not acquire the lock.
type Allocator struct {
	lock sync.Spinlock

	// arenas is sorted by ascending priority. Arenas with equal priority
	// keep their registration order.
	arenas []*Arena

	// arenasByID is indexed by the arena id encoded in Frame handles.
	arenasByID []*Arena
}

// AddArena registers a physical memory region and sets up its page array.
// Invalid arena descriptions indicate a bug in the platform code and cause a
// kernel panic.
func (alloc *Allocator) AddArena(info *ArenaInfo) *Arena {
	switch {
	case !mem.IsPageAligned(info.Base) || !mem.IsPageAligned(uintptr(info.Size)):
		kfmt.Panic(errArenaMisaligned)
		return nil
	case info.Size == 0:
		kfmt.Panic(errArenaEmpty)
		return nil
	case info.Size.Pages() >= noFrame:
		kfmt.Panic(errArenaTooLarge)
		return nil
	case len(alloc.arenasByID) >= maxArenas:
		kfmt.Panic(errTooManyArenas)
		return nil
	}

	arena := newArena(info, uint16(len(alloc.arenasByID)))

	// Insert before the first arena with a strictly greater priority
	pos := slices.IndexFunc(alloc.arenas, func(a *Arena) bool {
		return a.info.Priority > info.Priority
	})
	if pos < 0 {
		pos = len(alloc.arenas)
	}
	alloc.arenas = slices.Insert(alloc.arenas, pos, arena)
	alloc.arenasByID = append(alloc.arenasByID, arena)

	arena.bootAllocArray()

	kfmt.Printf("[pmm] arena '%s': base 0x%x size %s (%d pages) priority %d\n",
		info.Name, info.Base, info.Size.String(), arena.PageCount(), info.Priority)
	return arena
}

// eligible returns true if an allocation with the supplied flags may be
// served by arena a.
func eligible(a *Arena, flags AllocFlag) bool {
	return flags&AllocFlagKmap == 0 || a.info.Flags&ArenaFlagKmap != 0
}

// AllocPage reserves a single page from the first eligible arena that has a
// free page. It returns InvalidFrame if all eligible arenas are exhausted.
func (alloc *Allocator) AllocPage(flags AllocFlag) (Frame, uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		if !eligible(a, flags) {
			continue
		}

		if f, physAddr := a.allocPage(); f.Valid() {
			return f, physAddr
		}
	}

	trace("[pmm] failed to allocate page\n")
	return InvalidFrame, 0
}

// AllocPages reserves up to count pages and appends them to list. The pages
// are taken from the first eligible arena that can supply at least one page;
// AllocPages never combines pages from more than one arena, so callers must
// be prepared to receive fewer pages than requested even when other arenas
// still have free pages. It returns the number of allocated pages and the
// extended list.
func (alloc *Allocator) AllocPages(count int, flags AllocFlag, list []Frame) (int, []Frame) {
	trace("[pmm] alloc pages: count %d\n", count)
	if count <= 0 {
		return 0, list
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		if !eligible(a, flags) {
			continue
		}

		listLen := len(list)
		if list = a.allocPages(count, list); len(list) > listLen {
			return len(list) - listLen, list
		}
	}

	return 0, list
}

// AllocRange reserves the count consecutive pages that start at the page
// containing physAddr and appends them to list. Arenas are visited in
// priority order; when the range runs past the end of an arena it continues
// in the next arena of the list if that arena holds the following page.
// Allocation stops at the first page that is already allocated, not managed
// by the arena being visited or past the top of the address space; the pages
// reserved up to that point are kept. It returns the number of allocated
// pages and the extended list.
func (alloc *Allocator) AllocRange(physAddr uintptr, count int, list []Frame) (int, []Frame) {
	trace("[pmm] alloc range: address 0x%x, count %d\n", physAddr, count)
	if count <= 0 {
		return 0, list
	}

	physAddr = mem.PageAlignDown(physAddr)
	allocated := 0

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		for allocated < count && a.ContainsAddress(physAddr) {
			f := a.allocSpecific(physAddr)
			if !f.Valid() {
				return allocated, list
			}

			list = append(list, f)
			allocated++

			// Wrapped around the end of the address space
			if physAddr += uintptr(mem.PageSize); physAddr == 0 {
				return allocated, list
			}
		}

		if allocated == count {
			break
		}
	}

	return allocated, list
}

// AllocContiguous reserves count physically contiguous pages whose first
// page address is aligned to 1<<alignLog2 bytes. Alignments smaller than a
// page are rounded up to the page size. The run is taken from a single
// eligible arena. On success, AllocContiguous appends the frames to list in
// ascending address order and returns the physical address of the run and
// count; otherwise it returns a zero count.
func (alloc *Allocator) AllocContiguous(count int, flags AllocFlag, alignLog2 uint8, list []Frame) (uintptr, int, []Frame) {
	trace("[pmm] alloc contiguous: count %d, align %d\n", count, alignLog2)
	if count <= 0 {
		return 0, 0, list
	}

	if alignLog2 < mem.PageShift {
		alignLog2 = mem.PageShift
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		if !eligible(a, flags) {
			continue
		}

		var (
			physAddr uintptr
			ok       bool
		)
		if physAddr, list, ok = a.allocContiguous(count, alignLog2, list); ok {
			return physAddr, count, list
		}
	}

	trace("[pmm] couldn't find run\n")
	return 0, 0, list
}

// Free returns every frame in list to its arena and reports the number of
// freed frames. Freeing a frame that is not managed by the allocator or is
// already free indicates memory corruption and causes a kernel panic.
func (alloc *Allocator) Free(list []Frame) int {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	freed := 0
	for _, f := range list {
		a := alloc.arenaForFrame(f)
		if a == nil {
			kfmt.Panic(errFrameNotManaged)
			return freed
		}

		if err := a.freePage(f); err != nil {
			kfmt.Panic(err)
			return freed
		}

		freed++
	}

	trace("[pmm] freed %d pages\n", freed)
	return freed
}

// FreePage returns a single frame to its arena.
func (alloc *Allocator) FreePage(f Frame) int {
	return alloc.Free([]Frame{f})
}

// arenaForFrame returns the arena that owns f or nil if f is not managed by
// the allocator.
func (alloc *Allocator) arenaForFrame(f Frame) *Arena {
	if !f.Valid() || int(f.ArenaID()) >= len(alloc.arenasByID) {
		return nil
	}

	if a := alloc.arenasByID[f.ArenaID()]; a.ownsFrame(f) {
		return a
	}

	return nil
}

// FrameToAddress returns the physical address of the page described by f. It
// returns false if f is not managed by the allocator.
func (alloc *Allocator) FrameToAddress(f Frame) (uintptr, bool) {
	a := alloc.arenaForFrame(f)
	if a == nil {
		return 0, false
	}

	return a.frameAddress(f), true
}

// AddressToFrame returns the frame for the page that contains physAddr or
// InvalidFrame if no arena manages that address.
func (alloc *Allocator) AddressToFrame(physAddr uintptr) Frame {
	if a := alloc.arenaForAddress(physAddr); a != nil {
		return a.addressFrame(physAddr)
	}

	return InvalidFrame
}

func (alloc *Allocator) arenaForAddress(physAddr uintptr) *Arena {
	for _, a := range alloc.arenas {
		if a.ContainsAddress(physAddr) {
			return a
		}
	}

	return nil
}

// Arenas returns the registered arenas in priority order.
func (alloc *Allocator) Arenas() []*Arena {
	return slices.Clone(alloc.arenas)
}

// Stats returns the total and free page counts across all arenas.
func (alloc *Allocator) Stats() (total, free int) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		total += a.PageCount()
		free += a.FreeCount()
	}

	return total, free
}

// Dump writes a description of every arena, in priority order, to w.
func (alloc *Allocator) Dump(w io.Writer, dumpFree bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, a := range alloc.arenas {
		a.Dump(w, dumpFree)
	}
}
