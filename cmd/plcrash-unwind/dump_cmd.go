package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bitstadium/plcrash-unwind/internal/config"
	"github.com/bitstadium/plcrash-unwind/internal/dump"
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind"
)

func newDumpCmd(cfgPath *string) *cobra.Command {
	var tryFP bool

	cmd := &cobra.Command{
		Use:   "dump <pid> <tid>",
		Short: "Attach to a process, capture one thread's registers, and print a symbolicated backtrace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			tid, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid tid %q: %w", args[1], err)
			}

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			sess, err := attach(pid, tid, cfg)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, err := threadContext(tid)
			if err != nil {
				return err
			}
			cur := context.InitCursor(ctx)

			var flags unwind.StepFlags
			if tryFP {
				flags |= unwind.TryFramePointer
			}

			frames, err := dump.Walk(sess.cascade, cur, sess.reg, sess.reader, flags)
			if err != nil {
				return err
			}

			out := dump.Writer(os.Stdout, cfg.Color)
			dump.Print(out, frames)
			return nil
		},
	}
	cmd.Flags().BoolVar(&tryFP, "try-frame-pointer", false, "fall back to a frame-pointer chain walk when compact unwind and DWARF CFI both decline")
	return cmd
}
