package pmm

import (
	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"github.com/rzel/magenta/kernel/mem/vmm"
)

var (
	// The following functions translate between physical addresses and
	// kernel virtual addresses. They are mocked by tests.
	kernelVirtFn = vmm.PhysToKernelVirt
	kernelPhysFn = vmm.Translate

	errKernelMappingMissing = &kernel.Error{Module: "pmm", Message: "kernel-mapped page has no kernel virtual address"}
)

// kernelVirtAddr translates the physical address of a page allocated from a
// kernel-mapped arena. Such pages are always part of the direct map so a
// failed translation is fatal.
func kernelVirtAddr(physAddr uintptr) uintptr {
	virtAddr, err := kernelVirtFn(physAddr)
	if err != nil {
		kfmt.Panic(errKernelMappingMissing)
		return 0
	}

	return virtAddr
}

// AllocKPages reserves count physically contiguous pages from kernel-mapped
// arenas and returns their kernel virtual address and physical address. The
// allocated frames are appended to list. AllocKPages returns a zero virtual
// address if the request cannot be satisfied.
func (alloc *Allocator) AllocKPages(count int, list []Frame) (uintptr, uintptr, []Frame) {
	var physAddr uintptr

	switch count {
	case 0:
		return 0, 0, list
	case 1:
		var f Frame
		if f, physAddr = alloc.AllocPage(AllocFlagKmap); !f.Valid() {
			return 0, 0, list
		}
		list = append(list, f)
	default:
		var allocated int
		if physAddr, allocated, list = alloc.AllocContiguous(count, AllocFlagKmap, mem.PageShift, list); allocated == 0 {
			return 0, 0, list
		}
	}

	return kernelVirtAddr(physAddr), physAddr, list
}

// AllocKPage reserves a single page from a kernel-mapped arena and returns
// its kernel virtual address, physical address and frame. It returns a zero
// virtual address and InvalidFrame if no page is available.
func (alloc *Allocator) AllocKPage() (uintptr, uintptr, Frame) {
	f, physAddr := alloc.AllocPage(AllocFlagKmap)
	if !f.Valid() {
		return 0, 0, InvalidFrame
	}

	return kernelVirtAddr(physAddr), physAddr, f
}

// FreeKPages releases count pages starting at the kernel virtual address
// virtAddr. Pages whose address cannot be translated back to a managed frame
// are skipped. It returns the number of freed pages.
func (alloc *Allocator) FreeKPages(virtAddr uintptr, count int) int {
	if count <= 0 {
		return 0
	}

	list := make([]Frame, 0, count)
	for ; count > 0; count, virtAddr = count-1, virtAddr+uintptr(mem.PageSize) {
		physAddr, err := kernelPhysFn(virtAddr)
		if err != nil {
			continue
		}

		if f := alloc.AddressToFrame(physAddr); f.Valid() {
			list = append(list, f)
		}
	}

	return alloc.Free(list)
}
