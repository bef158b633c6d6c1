package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// options holds the global flags that describe the simulated machine.
type options struct {
	arenas    []string
	multiboot string
	bootHeap  string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "pmmctl",
		Short: "Exercise the physical memory manager on a simulated machine",
		Long: `pmmctl boots a simulated machine whose physical memory is described by
--arena flags or a multiboot memory map, registers every region with the
physical memory manager and runs debug commands against it.

Each invocation boots a fresh machine. Use the shell command to run a
sequence of commands against the same machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringArrayVar(&opts.arenas, "arena", nil,
		"Register an arena: name=<name>,base=<addr>,size=<size>[,kmap][,prio=<priority>] (repeatable)")
	rootCmd.PersistentFlags().StringVar(&opts.multiboot, "multiboot", "",
		"Register one arena per available region of a multiboot2 info block file; regions must not overlap --arena flags")
	rootCmd.PersistentFlags().StringVar(&opts.bootHeap, "boot-heap", "4M", "Size of the boot memory heap")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Write the kernel log to stderr")

	addDebugCommands(rootCmd, opts)
	rootCmd.AddCommand(newShellCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
