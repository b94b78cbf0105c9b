// Command plcrash-unwind is the CLI front end for the unwinder: it attaches
// to a running process, primes the image registry and DWARF tables, then
// dumps, interactively steps, or serves a DAP stackTrace view of a
// captured thread's call chain.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "plcrash-unwind",
		Short: "Symbolicate and step native call stacks via compact unwind, DWARF CFI, frame-pointer, and stack-scan heuristics",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	root.AddCommand(newDumpCmd(&cfgPath))
	root.AddCommand(newShellCmd(&cfgPath))
	root.AddCommand(newServeDAPCmd(&cfgPath))
	root.AddCommand(newDemoCmd(&cfgPath))
	return root
}
