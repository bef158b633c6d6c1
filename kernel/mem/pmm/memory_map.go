package pmm

import (
	"strconv"

	"github.com/rzel/magenta/kernel/hal/multiboot"
	"github.com/rzel/magenta/kernel/mem"
)

// MemoryMapArenas describes one kernel-mapped arena with the supplied
// priority for every available memory region reported by the bootloader.
// Reported regions may not be page-aligned; their start address is rounded
// up and their end address is rounded down to a page boundary. Regions that
// do not contain a whole page are skipped.
func MemoryMapArenas(priority uint32) []ArenaInfo {
	var infos []ArenaInfo

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStart := mem.PageAlignUp(uintptr(region.PhysAddress))
		regionEnd := mem.PageAlignDown(uintptr(region.PhysAddress + region.Length))
		if regionStart < uintptr(region.PhysAddress) || regionEnd <= regionStart {
			return true
		}

		infos = append(infos, ArenaInfo{
			Name:     "ram" + strconv.Itoa(len(infos)),
			Base:     regionStart,
			Size:     mem.Size(regionEnd - regionStart),
			Flags:    ArenaFlagKmap,
			Priority: priority,
		})
		return true
	})

	return infos
}

// AddMemoryMapArenas registers the arenas returned by MemoryMapArenas and
// returns their number.
func (alloc *Allocator) AddMemoryMapArenas(priority uint32) int {
	infos := MemoryMapArenas(priority)
	for i := range infos {
		alloc.AddArena(&infos[i])
	}

	return len(infos)
}
