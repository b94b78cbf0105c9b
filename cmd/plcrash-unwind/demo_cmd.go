package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/bitstadium/plcrash-unwind/internal/config"
	"github.com/bitstadium/plcrash-unwind/internal/dump"
	"github.com/bitstadium/plcrash-unwind/internal/triage"
	"github.com/bitstadium/plcrash-unwind/pkg/context"
)

func newDemoCmd(cfgPath *string) *cobra.Command {
	var victimPath string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Spawn a victim binary under a pty, let it fault, and dump+triage its backtrace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			victim := exec.Command(victimPath)
			ptmx, err := pty.Start(victim)
			if err != nil {
				return fmt.Errorf("demo: start victim under pty: %w", err)
			}
			defer ptmx.Close()

			// Give the victim a moment to reach its fault before we attach;
			// a production harness would instead wait on a ptrace
			// PTRACE_EVENT_EXIT or a signal notification.
			time.Sleep(200 * time.Millisecond)

			sess, err := attach(victim.Process.Pid, victim.Process.Pid, cfg)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, err := threadContext(victim.Process.Pid)
			if err != nil {
				return err
			}
			cur := context.InitCursor(ctx)

			frames, err := dump.Walk(sess.cascade, cur, sess.reg, sess.reader, 0)
			if err != nil {
				return err
			}
			dump.Print(dump.Writer(os.Stdout, cfg.Color), frames)

			if cfg.TriageRulePath != "" {
				src, err := os.ReadFile(cfg.TriageRulePath)
				if err != nil {
					return fmt.Errorf("demo: read triage rule: %w", err)
				}
				result, err := triage.Run(cfg.TriageRulePath, src, frames)
				if err != nil {
					return err
				}
				fmt.Printf("triage: %s (%s)\n", result.Severity, result.Reason)
			}

			return victim.Wait()
		},
	}
	cmd.Flags().StringVar(&victimPath, "victim", "", "path to the binary to crash and symbolicate")
	cmd.MarkFlagRequired("victim")
	return cmd
}
