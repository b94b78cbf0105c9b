package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bitstadium/plcrash-unwind/internal/config"
	"github.com/bitstadium/plcrash-unwind/internal/dapserver"
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/logconf"
)

func newServeDAPCmd(cfgPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve-dap <pid> <tid>",
		Short: "Serve a minimal Debug Adapter Protocol stackTrace endpoint over TCP",
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

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("serve-dap: listen on %s: %w", listenAddr, err)
			}
			defer ln.Close()
			logconf.CLI().Infof("serving DAP stackTrace on %s", ln.Addr())

			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("serve-dap: accept: %w", err)
			}
			defer conn.Close()

			srv := dapserver.New(conn, sess.cascade, cur, sess.reg, sess.reader, 0)
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:4711", "address to listen on")
	return cmd
}
