// Package bootmem implements the boot-time memory allocator that supplies the
// raw memory used by kernel bookkeeping structures before the page frame
// allocator is available.
package bootmem

import (
	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"golang.org/x/sys/unix"
)

var (
	// EarlyAllocator is the boot memory allocator instance used by the
	// package-level Init and Alloc helpers.
	EarlyAllocator Allocator

	// The following functions are used by tests to mock the system calls
	// that reserve and release the boot memory region.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errBootAllocReserved    = &kernel.Error{Module: "boot_mem_alloc", Message: "boot memory region already reserved"}
	errBootAllocReserve     = &kernel.Error{Module: "boot_mem_alloc", Message: "unable to reserve boot memory region"}
)

// chunkAlign is the alignment of every chunk returned by Alloc. It is large
// enough for any of the fixed-size types stored in boot memory.
const chunkAlign = 8

// Allocator implements a bump allocator on top of a memory region reserved
// at boot time.
//
// Allocations are tracked via an internal offset that points to the first
// unused byte of the region. Due to the way that the allocator works, it is
// not possible to free allocated chunks; the structures that live in boot
// memory share the lifetime of the kernel.
type Allocator struct {
	region []byte

	// offset tracks the first unused byte in region.
	offset uintptr

	// allocCount tracks the total number of allocated chunks.
	allocCount uint64
}

// Init reserves a region of size bytes that serves all future calls to Alloc.
func (alloc *Allocator) Init(size mem.Size) *kernel.Error {
	if alloc.region != nil {
		return errBootAllocReserved
	}

	regionSize := mem.PageAlignUp(uintptr(size))
	region, err := mmapFn(-1, 0, int(regionSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return errBootAllocReserve
	}

	alloc.region = region
	alloc.offset = 0
	alloc.allocCount = 0

	kfmt.Printf("[boot_mem_alloc] reserved %d bytes (%d pages) for boot allocations\n", uint64(regionSize), mem.Size(regionSize).Pages())
	return nil
}

// Alloc returns a zeroed chunk of size bytes. Boot allocations cannot fail;
// running out of boot memory means that the kernel cannot finish booting so
// Alloc treats it as a fatal error.
func (alloc *Allocator) Alloc(size mem.Size) []byte {
	start := mem.Align(alloc.offset, chunkAlign)
	if start > uintptr(len(alloc.region)) || uintptr(size) > uintptr(len(alloc.region))-start {
		kfmt.Panic(errBootAllocOutOfMemory)
		return nil
	}

	end := start + uintptr(size)
	chunk := alloc.region[start:end:end]
	mem.Memset(chunk, 0)

	alloc.offset = end
	alloc.allocCount++
	return chunk
}

// Used returns the number of bytes handed out so far, including alignment
// padding.
func (alloc *Allocator) Used() mem.Size {
	return mem.Size(alloc.offset)
}

// Available returns the number of bytes left in the boot memory region.
func (alloc *Allocator) Available() mem.Size {
	return mem.Size(uintptr(len(alloc.region)) - alloc.offset)
}

// Release unmaps the boot memory region. It is only used by hosted tools that
// boot more than one kernel instance in the same process; any structure that
// still points into the region must no longer be accessed.
func (alloc *Allocator) Release() *kernel.Error {
	if alloc.region == nil {
		return nil
	}

	err := munmapFn(alloc.region)
	alloc.region, alloc.offset, alloc.allocCount = nil, 0, 0
	if err != nil {
		return errBootAllocReserve
	}

	return nil
}

// Init reserves the region used by the early allocator.
func Init(size mem.Size) *kernel.Error {
	return EarlyAllocator.Init(size)
}

// Alloc allocates a zeroed chunk from the early allocator.
func Alloc(size mem.Size) []byte {
	return EarlyAllocator.Alloc(size)
}
