package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/hal/multiboot"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/kmain"
	"github.com/rzel/magenta/kernel/mem"
	"github.com/rzel/magenta/kernel/mem/pmm"
)

// defaultArenas describes a machine with a small kernel-mapped DRAM bank
// and a bank of high memory that the kernel does not map.
var defaultArenas = []string{
	"name=dram,base=0x100000,size=16M,kmap,prio=0",
	"name=highmem,base=0x100000000,size=16M,prio=1",
}

// machine is a booted simulated machine.
type machine struct {
	alloc *pmm.Allocator
}

// parseArenaSpec parses a comma-separated list of key=value pairs into an
// arena description.
func parseArenaSpec(spec string) (*pmm.ArenaInfo, error) {
	info := &pmm.ArenaInfo{}

	for _, field := range strings.Split(spec, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(field), "=")
		switch key {
		case "name":
			info.Name = value
		case "base":
			base, err := strconv.ParseUint(value, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("arena %q: invalid base %q", spec, value)
			}
			info.Base = uintptr(base)
		case "size":
			size, kerr := mem.ParseSize(value)
			if kerr != nil {
				return nil, fmt.Errorf("arena %q: invalid size %q", spec, value)
			}
			info.Size = size
		case "prio":
			prio, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("arena %q: invalid priority %q", spec, value)
			}
			info.Priority = uint32(prio)
		case "kmap":
			info.Flags |= pmm.ArenaFlagKmap
		default:
			return nil, fmt.Errorf("arena %q: unknown field %q", spec, key)
		}
	}

	switch {
	case info.Name == "":
		return nil, fmt.Errorf("arena %q: missing name", spec)
	case info.Size == 0:
		return nil, fmt.Errorf("arena %q: missing size", spec)
	case !mem.IsPageAligned(info.Base) || !mem.IsPageAligned(uintptr(info.Size)):
		return nil, fmt.Errorf("arena %q: base and size must be multiples of %s", spec, mem.PageSize.String())
	}

	return info, nil
}

// checkOverlaps ensures that no two arenas share a physical page. The
// allocator expects its callers to register disjoint arenas.
func checkOverlaps(infos []*pmm.ArenaInfo) error {
	for i, a := range infos {
		for _, b := range infos[i+1:] {
			if a.Base < b.Base+uintptr(b.Size) && b.Base < a.Base+uintptr(a.Size) {
				return fmt.Errorf("arenas '%s' and '%s' overlap", a.Name, b.Name)
			}
		}
	}

	return nil
}

// bootMachine boots a machine with the arenas described by opts. The
// returned machine must be shut down before another one is booted.
func bootMachine(opts *options, logSink io.Writer) (m *machine, err error) {
	cfg := &kmain.Config{}

	specs := opts.arenas
	if len(specs) == 0 && opts.multiboot == "" {
		specs = defaultArenas
	}

	var infos []*pmm.ArenaInfo
	for _, spec := range specs {
		info, perr := parseArenaSpec(spec)
		if perr != nil {
			return nil, perr
		}
		infos = append(infos, info)
		cfg.Arenas = append(cfg.Arenas, *info)
	}

	var kerr *kernel.Error
	if cfg.BootHeap, kerr = mem.ParseSize(opts.bootHeap); kerr != nil {
		return nil, fmt.Errorf("invalid boot heap size %q", opts.bootHeap)
	}

	if opts.multiboot != "" {
		if cfg.MultibootInfo, err = os.ReadFile(opts.multiboot); err != nil {
			return nil, fmt.Errorf("failed to read multiboot info: %w", err)
		}

		multiboot.SetInfo(cfg.MultibootInfo)
		regions := pmm.MemoryMapArenas(cfg.MultibootPriority)
		multiboot.SetInfo(nil)
		for i := range regions {
			infos = append(infos, &regions[i])
		}
	}

	if err = checkOverlaps(infos); err != nil {
		return nil, err
	}

	if opts.verbose {
		kfmt.SetOutputSink(logSink)
		pmm.EnableTracing(true)
	}

	m = &machine{alloc: &pmm.Allocator{}}

	// Registration problems are fatal kernel errors; report them as a
	// failed boot instead of crashing the tool.
	defer func() {
		if r := recover(); r != nil {
			kerr, ok := r.(*kernel.Error)
			if !ok {
				panic(r)
			}

			m.shutdown()
			m, err = nil, fmt.Errorf("boot: %w", kerr)
		}
	}()

	if kerr = kmain.Boot(m.alloc, cfg); kerr != nil {
		m.shutdown()
		return nil, fmt.Errorf("boot: %w", kerr)
	}

	return m, nil
}

// shutdown releases the host resources that back the machine.
func (m *machine) shutdown() {
	if err := kmain.Shutdown(); err != nil {
		kfmt.Printf("[pmmctl] shutdown: %s\n", err.Error())
	}
	pmm.EnableTracing(false)
	kfmt.SetOutputSink(nil)
}
