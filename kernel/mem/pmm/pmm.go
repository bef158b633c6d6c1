package pmm

// The following functions operate on the system-wide FrameAllocator.

// AddArena registers a physical memory region with the FrameAllocator.
func AddArena(info *ArenaInfo) *Arena { return FrameAllocator.AddArena(info) }

// AllocPage reserves a single page from the FrameAllocator.
func AllocPage(flags AllocFlag) (Frame, uintptr) { return FrameAllocator.AllocPage(flags) }

// AllocPages reserves up to count pages from the FrameAllocator.
func AllocPages(count int, flags AllocFlag, list []Frame) (int, []Frame) {
	return FrameAllocator.AllocPages(count, flags, list)
}

// AllocRange reserves count pages starting at physAddr from the FrameAllocator.
func AllocRange(physAddr uintptr, count int, list []Frame) (int, []Frame) {
	return FrameAllocator.AllocRange(physAddr, count, list)
}

// AllocContiguous reserves a run of aligned contiguous pages from the
// FrameAllocator.
func AllocContiguous(count int, flags AllocFlag, alignLog2 uint8, list []Frame) (uintptr, int, []Frame) {
	return FrameAllocator.AllocContiguous(count, flags, alignLog2, list)
}

// Free returns a list of frames to the FrameAllocator.
func Free(list []Frame) int { return FrameAllocator.Free(list) }

// FreePage returns a single frame to the FrameAllocator.
func FreePage(f Frame) int { return FrameAllocator.FreePage(f) }

// FrameToAddress returns the physical address for a FrameAllocator frame.
func FrameToAddress(f Frame) (uintptr, bool) { return FrameAllocator.FrameToAddress(f) }

// AddressToFrame returns the FrameAllocator frame for a physical address.
func AddressToFrame(physAddr uintptr) Frame { return FrameAllocator.AddressToFrame(physAddr) }

// AllocKPages reserves contiguous kernel-mapped pages from the FrameAllocator.
func AllocKPages(count int, list []Frame) (uintptr, uintptr, []Frame) {
	return FrameAllocator.AllocKPages(count, list)
}

// AllocKPage reserves a single kernel-mapped page from the FrameAllocator.
func AllocKPage() (uintptr, uintptr, Frame) { return FrameAllocator.AllocKPage() }

// FreeKPages releases kernel-mapped pages back to the FrameAllocator.
func FreeKPages(virtAddr uintptr, count int) int { return FrameAllocator.FreeKPages(virtAddr, count) }
