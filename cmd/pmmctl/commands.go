package main

import (
	"os"

	"github.com/rzel/magenta/kernel/mem/pmm/pmmcmd"
	"github.com/spf13/cobra"
)

// addDebugCommands registers a subcommand for every debug command. Each
// subcommand boots a machine, runs the command and shuts the machine down.
func addDebugCommands(rootCmd *cobra.Command, opts *options) {
	for _, dbgCmd := range pmmcmd.Commands() {
		name := dbgCmd.Name
		rootCmd.AddCommand(&cobra.Command{
			Use:   dbgCmd.Usage(),
			Short: dbgCmd.Short,
			Args:  cobra.ExactArgs(len(dbgCmd.Args)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDebugCommand(cmd, opts, append([]string{name}, args...))
			},
		})
	}
}

func runDebugCommand(cmd *cobra.Command, opts *options, args []string) error {
	m, err := bootMachine(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer m.shutdown()

	if kerr := pmmcmd.NewShell(m.alloc, cmd.OutOrStdout()).Exec(args); kerr != nil {
		return kerr
	}

	return nil
}

func newShellCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shell [script]",
		Short: "Run debug commands read from a script or stdin",
		Long: `The shell command boots a machine and runs one debug command per input
line against it. Pages allocated by earlier lines stay allocated until a
free_alloced line is executed.

Example:
  printf 'alloc 4\ndump_alloced\nfree_alloced\narenas\n' | pmmctl shell
  pmmctl --arena name=ram,base=0x0,size=1M,kmap shell script.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bootMachine(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer m.shutdown()

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			sh := pmmcmd.NewShell(m.alloc, cmd.OutOrStdout())
			sh.Name = ""
			return sh.Run(in)
		},
	}
}
