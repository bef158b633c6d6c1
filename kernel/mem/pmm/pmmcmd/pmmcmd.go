// Package pmmcmd implements the physical memory manager debug commands. The
// commands allocate pages on behalf of an operator, keep track of them and
// release them on request.
package pmmcmd

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/rzel/magenta/kernel"
	"github.com/rzel/magenta/kernel/kfmt"
	"github.com/rzel/magenta/kernel/mem"
	"github.com/rzel/magenta/kernel/mem/pmm"
)

var (
	errNotEnoughArgs  = &kernel.Error{Module: "pmmcmd", Message: "not enough arguments"}
	errUnknownCommand = &kernel.Error{Module: "pmmcmd", Message: "unknown command"}
	errInvalidNumber  = &kernel.Error{Module: "pmmcmd", Message: "invalid numeric argument"}
)

// Command describes a debug command and the arguments it expects.
type Command struct {
	Name  string
	Args  []string
	Short string

	run func(sh *Shell, args []uint64)
}

// Usage returns the command name followed by its argument placeholders.
func (c *Command) Usage() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " <" + strings.Join(c.Args, "> <") + ">"
}

var commands = []Command{
	{Name: "arenas", Short: "list the registered arenas", run: (*Shell).arenas},
	{Name: "alloc", Args: []string{"count"}, Short: "allocate pages from the first arena with free pages", run: (*Shell).alloc},
	{Name: "alloc_range", Args: []string{"address", "count"}, Short: "allocate the pages of a physical address range", run: (*Shell).allocRange},
	{Name: "alloc_kpages", Args: []string{"count"}, Short: "allocate contiguous kernel-mapped pages", run: (*Shell).allocKPages},
	{Name: "alloc_contig", Args: []string{"count", "alignment"}, Short: "allocate an aligned run of contiguous pages", run: (*Shell).allocContig},
	{Name: "dump_alloced", Short: "list the pages allocated by previous commands", run: (*Shell).dumpAlloced},
	{Name: "free_alloced", Short: "free the pages allocated by previous commands", run: (*Shell).freeAlloced},
}

// Commands returns the supported debug commands.
func Commands() []Command {
	return commands
}

// kpageRun describes a run of pages returned by AllocKPages.
type kpageRun struct {
	virtAddr uintptr
	physAddr uintptr
	count    int
}

// Shell executes debug commands against an allocator. Pages allocated by the
// commands are tracked by the shell until free_alloced is executed.
type Shell struct {
	// Name is printed in front of every command in the usage text. It may
	// be left empty.
	Name string

	allocator *pmm.Allocator
	out       io.Writer
	allocated []pmm.Frame
	kpages    []kpageRun
}

// NewShell returns a shell that runs commands against alloc and writes their
// output to out.
func NewShell(alloc *pmm.Allocator, out io.Writer) *Shell {
	return &Shell{Name: "pmm", allocator: alloc, out: out}
}

// Exec runs the command described by args. The first argument selects the
// command and the remaining arguments are parsed as numbers; both decimal
// and 0x-prefixed hex values are accepted.
func (sh *Shell) Exec(args []string) *kernel.Error {
	if len(args) == 0 {
		kfmt.Fprintf(sh.out, "not enough arguments\n")
		sh.usage()
		return errNotEnoughArgs
	}

	for i := range commands {
		cmd := &commands[i]
		if cmd.Name != args[0] {
			continue
		}

		if len(args)-1 < len(cmd.Args) {
			kfmt.Fprintf(sh.out, "not enough arguments\n")
			sh.usage()
			return errNotEnoughArgs
		}

		values := make([]uint64, len(cmd.Args))
		for argIndex := range values {
			v, err := strconv.ParseUint(args[argIndex+1], 0, 64)
			if err != nil {
				kfmt.Fprintf(sh.out, "invalid %s: %s\n", cmd.Args[argIndex], args[argIndex+1])
				return errInvalidNumber
			}
			values[argIndex] = v
		}

		cmd.run(sh, values)
		return nil
	}

	kfmt.Fprintf(sh.out, "unknown command\n")
	sh.usage()
	return errUnknownCommand
}

// Run executes one command per line read from r until r is exhausted. Blank
// lines and lines starting with '#' are ignored. Failed commands do not stop
// the loop.
func (sh *Shell) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		_ = sh.Exec(strings.Fields(line))
	}

	return scanner.Err()
}

func (sh *Shell) usage() {
	var prefix string
	if sh.Name != "" {
		prefix = sh.Name + " "
	}

	kfmt.Fprintf(sh.out, "usage:\n")
	for i := range commands {
		kfmt.Fprintf(sh.out, "%s%s\n", prefix, commands[i].Usage())
	}
}

func (sh *Shell) arenas(_ []uint64) {
	sh.allocator.Dump(sh.out, false)
}

// track moves a freshly allocated list to the set of frames owned by the
// shell and prints it.
func (sh *Shell) track(list []pmm.Frame) {
	for _, f := range list {
		physAddr, _ := sh.allocator.FrameToAddress(f)
		kfmt.Fprintf(sh.out, "\tframe 0x%x, address 0x%x\n", uint64(f), physAddr)
	}
	sh.allocated = append(sh.allocated, list...)
}

func (sh *Shell) alloc(args []uint64) {
	count, list := sh.allocator.AllocPages(int(args[0]), 0, nil)
	kfmt.Fprintf(sh.out, "alloc returns %d\n", count)
	sh.track(list)
}

func (sh *Shell) allocRange(args []uint64) {
	count, list := sh.allocator.AllocRange(uintptr(args[0]), int(args[1]), nil)
	kfmt.Fprintf(sh.out, "alloc returns %d\n", count)
	sh.track(list)
}

func (sh *Shell) allocKPages(args []uint64) {
	count := int(args[0])
	virtAddr, physAddr, _ := sh.allocator.AllocKPages(count, nil)
	kfmt.Fprintf(sh.out, "alloc_kpages returns 0x%x pa 0x%x\n", virtAddr, physAddr)
	if virtAddr != 0 {
		sh.kpages = append(sh.kpages, kpageRun{virtAddr: virtAddr, physAddr: physAddr, count: count})
	}
}

func (sh *Shell) allocContig(args []uint64) {
	alignLog2 := uint8(args[1])
	if args[1] > 63 {
		alignLog2 = 63
	}

	physAddr, count, list := sh.allocator.AllocContiguous(int(args[0]), 0, alignLog2, nil)
	kfmt.Fprintf(sh.out, "alloc_contiguous returns %d, address 0x%x\n", count, physAddr)
	kfmt.Fprintf(sh.out, "address %% align = 0x%x\n", physAddr&(uintptr(1)<<alignLog2-1))
	sh.allocated = append(sh.allocated, list...)
}

func (sh *Shell) dumpAlloced(_ []uint64) {
	kfmt.Fprintf(sh.out, "allocated pages: %d\n", len(sh.allocated))
	pw := &kfmt.PrefixWriter{Sink: sh.out, Prefix: []byte{'\t'}}
	for _, f := range sh.allocated {
		physAddr, _ := sh.allocator.FrameToAddress(f)
		kfmt.Fprintf(pw, "frame 0x%x: arena %d index %d address 0x%x\n", uint64(f), f.ArenaID(), f.Index(), physAddr)
	}

	kfmt.Fprintf(sh.out, "kernel page runs: %d\n", len(sh.kpages))
	for _, run := range sh.kpages {
		kfmt.Fprintf(pw, "virt 0x%x pa 0x%x: %d pages (%s)\n", run.virtAddr, run.physAddr, run.count, (mem.Size(run.count) * mem.PageSize).String())
	}
}

func (sh *Shell) freeAlloced(_ []uint64) {
	freed := sh.allocator.Free(sh.allocated)
	for _, run := range sh.kpages {
		freed += sh.allocator.FreeKPages(run.virtAddr, run.count)
	}

	sh.allocated, sh.kpages = nil, nil
	kfmt.Fprintf(sh.out, "free returns %d\n", freed)
}
