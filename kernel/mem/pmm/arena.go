package pmm

import (
	"io"
	"math"
	"math/bits"
	"unsafe"

	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
)

// ArenaFlag describes a capability of a physical memory arena.
type ArenaFlag uint32

const (
	// ArenaFlagKmap marks arenas whose pages are always reachable through
	// the kernel's direct map.
	ArenaFlagKmap ArenaFlag = 1 << iota
)

// ArenaInfo describes a physical memory region that is registered with the
// allocator. Base and Size must be page-aligned and Size must be non-zero.
type ArenaInfo struct {
	Name     string
	Base     uintptr
	Size     mem.Size
	Flags    ArenaFlag
	Priority uint32
}

type frameState uint8

const (
	frameAllocated frameState = iota
	frameFree
)

// noFrame terminates the free list.
const noFrame = math.MaxUint32

// frameEntry holds the bookkeeping data for a single page. Free pages are
// linked together through their next and prev indices.
type frameEntry struct {
	next, prev uint32
	state      frameState
}

var (
	errFrameNotInArena = &kernel.Error{Module: "pmm", Message: "frame does not belong to this arena"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free (double free)"}
)

// Arena manages the pages of one contiguous physical memory region. All
// mutating methods must be invoked while holding the allocator lock.
type Arena struct {
	info ArenaInfo
	id   uint16

	// frames holds one entry per page; frames[i] describes the page at
	// info.Base + i*PageSize. The array lives in boot memory.
	frames []frameEntry

	// The free list is kept sorted by address.
	freeHead, freeTail uint32
	freeCount          uint32
}

func newArena(info *ArenaInfo, id uint16) *Arena {
	return &Arena{
		info:     *info,
		id:       id,
		freeHead: noFrame,
		freeTail: noFrame,
	}
}

// bootAllocArray sets up the per-page structures using memory from the boot
// allocator and adds every page to the free list.
func (a *Arena) bootAllocArray() {
	pageCount := a.info.Size.Pages()
	buf := bootAllocFn(mem.Size(pageCount) * mem.Size(unsafe.Sizeof(frameEntry{})))
	a.frames = unsafe.Slice((*frameEntry)(unsafe.Pointer(unsafe.SliceData(buf))), pageCount)

	for i := range a.frames {
		a.frames[i] = frameEntry{
			next:  uint32(i + 1),
			prev:  uint32(i - 1),
			state: frameFree,
		}
	}

	a.frames[0].prev = noFrame
	a.frames[pageCount-1].next = noFrame
	a.freeHead, a.freeTail = 0, uint32(pageCount-1)
	a.freeCount = uint32(pageCount)
}

// Name returns the arena name.
func (a *Arena) Name() string { return a.info.Name }

// Base returns the physical address of the first page in the arena.
func (a *Arena) Base() uintptr { return a.info.Base }

// Size returns the arena size in bytes.
func (a *Arena) Size() mem.Size { return a.info.Size }

// Flags returns the arena capability flags.
func (a *Arena) Flags() ArenaFlag { return a.info.Flags }

// Priority returns the arena priority. Lower values are searched first.
func (a *Arena) Priority() uint32 { return a.info.Priority }

// PageCount returns the total number of pages managed by the arena.
func (a *Arena) PageCount() int { return len(a.frames) }

// FreeCount returns the number of free pages in the arena.
func (a *Arena) FreeCount() int { return int(a.freeCount) }

// ContainsAddress returns true if physAddr falls inside the arena.
func (a *Arena) ContainsAddress(physAddr uintptr) bool {
	return physAddr >= a.info.Base && physAddr-a.info.Base < uintptr(a.info.Size)
}

// ownsFrame returns true if the frame handle refers to a page of this arena.
func (a *Arena) ownsFrame(f Frame) bool {
	return f.Valid() && f.ArenaID() == a.id && f.Index() < uint64(len(a.frames))
}

// frameAddress returns the physical address of a frame owned by this arena.
func (a *Arena) frameAddress(f Frame) uintptr {
	return a.info.Base + uintptr(f.Index())<<mem.PageShift
}

// addressFrame returns the frame for a physical address inside the arena.
func (a *Arena) addressFrame(physAddr uintptr) Frame {
	return newFrame(a.id, uint32((physAddr-a.info.Base)>>mem.PageShift))
}

// unlinkFree removes the page at index from the free list and marks it as
// allocated.
func (a *Arena) unlinkFree(index uint32) {
	entry := &a.frames[index]

	if entry.prev == noFrame {
		a.freeHead = entry.next
	} else {
		a.frames[entry.prev].next = entry.next
	}

	if entry.next == noFrame {
		a.freeTail = entry.prev
	} else {
		a.frames[entry.next].prev = entry.prev
	}

	entry.next, entry.prev = noFrame, noFrame
	entry.state = frameAllocated
	a.freeCount--
}

// linkFree marks the page at index as free and inserts it into the free list
// after the closest free page with a lower address.
func (a *Arena) linkFree(index uint32) {
	prev := uint32(noFrame)
	switch {
	case a.freeTail != noFrame && a.freeTail < index:
		prev = a.freeTail
	case a.freeHead == noFrame || a.freeHead > index:
		// new list head
	default:
		for prev = index - 1; a.frames[prev].state != frameFree; prev-- {
		}
	}

	entry := &a.frames[index]
	entry.state = frameFree
	entry.prev = prev

	if prev == noFrame {
		entry.next = a.freeHead
		a.freeHead = index
	} else {
		entry.next = a.frames[prev].next
		a.frames[prev].next = index
	}

	if entry.next == noFrame {
		a.freeTail = index
	} else {
		a.frames[entry.next].prev = index
	}

	a.freeCount++
}

// allocPage removes the first page from the free list. It returns
// InvalidFrame if the arena has no free pages.
func (a *Arena) allocPage() (Frame, uintptr) {
	if a.freeHead == noFrame {
		return InvalidFrame, 0
	}

	index := a.freeHead
	a.unlinkFree(index)

	f := newFrame(a.id, index)
	return f, a.frameAddress(f)
}

// allocSpecific reserves the page at physAddr. It returns InvalidFrame if
// the address is outside the arena or the page is already allocated.
func (a *Arena) allocSpecific(physAddr uintptr) Frame {
	if !a.ContainsAddress(physAddr) {
		return InvalidFrame
	}

	index := uint32((physAddr - a.info.Base) >> mem.PageShift)
	if a.frames[index].state != frameFree {
		return InvalidFrame
	}

	a.unlinkFree(index)
	return newFrame(a.id, index)
}

// allocPages moves up to count pages from the free list to list. The pages
// are not necessarily contiguous. It returns the extended list; the number of
// appended frames may be lower than count or even zero.
func (a *Arena) allocPages(count int, list []Frame) []Frame {
	for ; count > 0 && a.freeHead != noFrame; count-- {
		index := a.freeHead
		a.unlinkFree(index)
		list = append(list, newFrame(a.id, index))
	}

	return list
}

// allocContiguous looks for the first run of count free pages whose first
// page address is a multiple of 1<<alignLog2 and reserves it. On success the
// frames are appended to list in ascending address order and the physical
// address of the run is returned. If no run exists, the arena is left
// untouched and allocContiguous returns false.
func (a *Arena) allocContiguous(count int, alignLog2 uint8, list []Frame) (uintptr, []Frame, bool) {
	if count <= 0 || uint64(count) > uint64(a.freeCount) || int(alignLog2) >= bits.UintSize {
		return 0, list, false
	}

	if alignLog2 < mem.PageShift {
		alignLog2 = mem.PageShift
	}

	alignSize := uintptr(1) << alignLog2
	firstAligned := mem.Align(a.info.Base, alignSize)
	if firstAligned < a.info.Base || !a.ContainsAddress(firstAligned) {
		return 0, list, false
	}

	var (
		pageCount = uint64(len(a.frames))
		runLen    = uint64(count)
		stride    = uint64(alignSize >> mem.PageShift)
	)

	for start := uint64((firstAligned - a.info.Base) >> mem.PageShift); start+runLen <= pageCount; {
		busy, found := a.lastAllocatedInRun(start, runLen)
		if !found {
			for index := start; index < start+runLen; index++ {
				a.unlinkFree(uint32(index))
				list = append(list, newFrame(a.id, uint32(index)))
			}

			return a.info.Base + uintptr(start)<<mem.PageShift, list, true
		}

		// Skip to the first aligned candidate past the allocated page
		start += ((busy-start)/stride + 1) * stride
	}

	return 0, list, false
}

// lastAllocatedInRun returns the index of the highest allocated page inside
// [start, start+count).
func (a *Arena) lastAllocatedInRun(start, count uint64) (uint64, bool) {
	for index := start + count; index > start; index-- {
		if a.frames[index-1].state != frameFree {
			return index - 1, true
		}
	}

	return 0, false
}

// freePage returns a previously allocated frame to the free list. It fails if
// the frame belongs to another arena or is already free.
func (a *Arena) freePage(f Frame) *kernel.Error {
	if !a.ownsFrame(f) {
		return errFrameNotInArena
	}

	index := uint32(f.Index())
	if a.frames[index].state == frameFree {
		return errDoubleFree
	}

	a.linkFree(index)
	return nil
}

// Dump writes a description of the arena to w. If dumpFree is true, Dump also
// lists the address ranges of all free pages.
func (a *Arena) Dump(w io.Writer, dumpFree bool) {
	kfmt.Fprintf(w, "arena '%s': base 0x%x size 0x%x (%d pages) priority %d flags 0x%x\n",
		a.info.Name, a.info.Base, uint64(a.info.Size), len(a.frames), a.info.Priority, uint32(a.info.Flags))
	kfmt.Fprintf(w, "\tfree pages: %d\n", a.freeCount)

	if !dumpFree {
		return
	}

	kfmt.Fprintf(w, "\tfree ranges:\n")
	for index := a.freeHead; index != noFrame; {
		runEnd := index
		for a.frames[runEnd].next == runEnd+1 {
			runEnd++
		}

		kfmt.Fprintf(w, "\t\t0x%x - 0x%x\n",
			a.info.Base+uintptr(index)<<mem.PageShift,
			a.info.Base+uintptr(runEnd+1)<<mem.PageShift-1,
		)
		index = a.frames[runEnd].next
	}
}
