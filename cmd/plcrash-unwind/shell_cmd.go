package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bitstadium/plcrash-unwind/internal/config"
	"github.com/bitstadium/plcrash-unwind/internal/shell"
	"github.com/bitstadium/plcrash-unwind/pkg/context"
)

func newShellCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell <pid> <tid>",
		Short: "Attach and drop into an interactive stepping REPL",
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

			sh := shell.New(sess.cascade, cur, sess.reg, sess.reader, sess.accel, os.Stdout)
			return sh.Run()
		},
	}
	return cmd
}
