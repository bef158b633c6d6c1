// Package vmm provides the kernel's direct physical memory map. Physical
// ranges registered with MapDirect become reachable through a fixed kernel
// virtual address for as long as the kernel runs.
package vmm

import (
	"unsafe"

	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to mock the system calls
	// that back the direct map windows.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	// directMap holds the registered windows in registration order. Like
	// physical memory arenas, windows are only added during boot.
	directMap []directMapping

	// ErrInvalidMapping is returned when trying to translate an address that
	// is not covered by the direct map.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not covered by the direct map"}

	errMisalignedMapping  = &kernel.Error{Module: "vmm", Message: "direct map window must be page-aligned"}
	errOverlappingMapping = &kernel.Error{Module: "vmm", Message: "direct map window overlaps an existing window"}
	errMapFailed          = &kernel.Error{Module: "vmm", Message: "unable to back direct map window"}
	errUnmapFailed        = &kernel.Error{Module: "vmm", Message: "unable to release direct map window"}
)

// directMapping describes a physical range and the kernel virtual memory that
// backs it.
type directMapping struct {
	physStart uintptr
	size      mem.Size
	backing   []byte
}

func (m *directMapping) virtStart() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.backing)))
}

func (m *directMapping) containsPhys(physAddr uintptr) bool {
	return physAddr >= m.physStart && physAddr-m.physStart < uintptr(m.size)
}

func (m *directMapping) containsVirt(virtAddr uintptr) bool {
	start := m.virtStart()
	return virtAddr >= start && virtAddr-start < uintptr(m.size)
}

// MapDirect makes the physical range [physStart, physStart+size) reachable
// through the direct map.
func MapDirect(physStart uintptr, size mem.Size) *kernel.Error {
	if !mem.IsPageAligned(physStart) || !mem.IsPageAligned(uintptr(size)) || size == 0 {
		return errMisalignedMapping
	}

	physEnd := physStart + uintptr(size) - 1
	for i := range directMap {
		if directMap[i].containsPhys(physStart) || directMap[i].containsPhys(physEnd) ||
			(physStart < directMap[i].physStart && physEnd >= directMap[i].physStart) {
			return errOverlappingMapping
		}
	}

	backing, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return errMapFailed
	}

	directMap = append(directMap, directMapping{physStart: physStart, size: size, backing: backing})
	kfmt.Printf("[vmm] direct map: phys [0x%x - 0x%x] -> virt 0x%x\n", physStart, physEnd, directMap[len(directMap)-1].virtStart())
	return nil
}

// PhysToKernelVirt returns the kernel virtual address that maps physAddr or
// ErrInvalidMapping if physAddr is not part of the direct map.
func PhysToKernelVirt(physAddr uintptr) (uintptr, *kernel.Error) {
	for i := range directMap {
		if directMap[i].containsPhys(physAddr) {
			return directMap[i].virtStart() + (physAddr - directMap[i].physStart), nil
		}
	}

	return 0, ErrInvalidMapping
}

// Translate returns the physical address that corresponds to the supplied
// direct map virtual address or ErrInvalidMapping if the virtual address does
// not belong to the direct map.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	for i := range directMap {
		if directMap[i].containsVirt(virtAddr) {
			return directMap[i].physStart + (virtAddr - directMap[i].virtStart()), nil
		}
	}

	return 0, ErrInvalidMapping
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & uintptr(mem.PageSize-1)
}

// UnmapAll tears down every direct map window. It is only used by hosted tools
// and tests that boot more than one kernel instance in the same process. All
// windows are removed from the direct map even if some of them could not be
// unmapped; in that case errUnmapFailed is returned.
func UnmapAll() *kernel.Error {
	var err *kernel.Error
	for i := range directMap {
		if munmapFn(directMap[i].backing) != nil {
			kfmt.Printf("[vmm] unable to unmap direct map window for phys 0x%x\n", directMap[i].physStart)
			err = errUnmapFailed
		}
	}
	directMap = nil

	return err
}
