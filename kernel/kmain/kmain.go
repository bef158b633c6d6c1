// Package kmain brings up the kernel memory subsystems in the order they
// depend on each other.
package kmain

import (
	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/hal/multiboot"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"github.com/rzel/magenta/kernel/mem/bootmem"
	"github.com/rzel/magenta/kernel/mem/pmm"
	"github.com/rzel/magenta/kernel/mem/vmm"
)

var (
	errNoMemory = &kernel.Error{Module: "kmain", Message: "no physical memory arenas registered"}
)

// Config describes the physical memory of the machine being booted.
type Config struct {
	// BootHeap is the size of the region reserved for the boot memory
	// allocator. It must be large enough for the page arrays of every
	// arena.
	BootHeap mem.Size

	// Arenas are registered in the listed order before any region from the
	// multiboot memory map.
	Arenas []pmm.ArenaInfo

	// MultibootInfo, if not nil, is the info block passed by the
	// bootloader. Every available region in its memory map becomes a
	// kernel-mapped arena with MultibootPriority.
	MultibootInfo     []byte
	MultibootPriority uint32
}

// Boot initializes the boot memory allocator, registers the physical memory
// arenas with alloc and adds every kernel-mapped arena to the direct map.
//
// Invalid arena descriptions are fatal and cause a kernel panic. Boot must
// not be invoked again before Shutdown has been called.
func Boot(alloc *pmm.Allocator, cfg *Config) *kernel.Error {
	if err := bootmem.Init(cfg.BootHeap); err != nil {
		return err
	}

	for i := range cfg.Arenas {
		alloc.AddArena(&cfg.Arenas[i])
	}

	if cfg.MultibootInfo != nil {
		multiboot.SetInfo(cfg.MultibootInfo)
		alloc.AddMemoryMapArenas(cfg.MultibootPriority)
	}

	arenas := alloc.Arenas()
	if len(arenas) == 0 {
		return errNoMemory
	}

	for _, a := range arenas {
		if a.Flags()&pmm.ArenaFlagKmap == 0 {
			continue
		}

		if err := vmm.MapDirect(a.Base(), a.Size()); err != nil {
			return err
		}
	}

	total, free := alloc.Stats()
	kfmt.Printf("[kmain] %d arenas, %d/%d pages free, boot memory used: %s\n",
		len(arenas), free, total, bootmem.EarlyAllocator.Used().String())
	return nil
}

// Shutdown releases the host resources acquired by Boot. Any allocator that
// was passed to Boot must no longer be used. Every resource is released even
// if an earlier step fails; the first error is returned.
func Shutdown() *kernel.Error {
	err := vmm.UnmapAll()
	multiboot.SetInfo(nil)
	if releaseErr := bootmem.EarlyAllocator.Release(); err == nil {
		err = releaseErr
	}
	bootmem.EarlyAllocator = bootmem.Allocator{}

	return err
}
