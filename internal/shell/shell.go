// Package shell implements an interactive line-oriented REPL for stepping a
// cursor one frame at a time and inspecting registers/symbols, in the style
// of delve's terminal command loop: line editing via go-delve/liner,
// shell-like command tokenizing via cosiner/argv.
package shell

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/go-delve/liner"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind"
)

// Shell is one interactive stepping session.
type Shell struct {
	cascade *unwind.Cascade
	cur     *context.Cursor
	reg     *registry.Registry
	reader  safemem.Reader
	accel   *symbol.Accelerator
	flags   unwind.StepFlags
	out     io.Writer
}

// New builds a Shell around an already-initialized cursor.
func New(cascade *unwind.Cascade, cur *context.Cursor, reg *registry.Registry, r safemem.Reader, accel *symbol.Accelerator, out io.Writer) *Shell {
	return &Shell{cascade: cascade, cur: cur, reg: reg, reader: r, accel: accel, out: out}
}

// Run drives the REPL until the user quits or input is exhausted.
func (s *Shell) Run() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCompleter(func(partial string) []string {
		if s.accel == nil {
			return nil
		}
		return s.accel.PrefixSearch(partial)
	})

	for {
		input, err := line.Prompt("unwind> ")
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("shell: read input: %w", err)
		}
		line.AppendHistory(input)

		args, err := argv.Argv(input, nil, nil)
		if err != nil {
			fmt.Fprintf(s.out, "parse error: %v\n", err)
			continue
		}
		if len(args) == 0 || len(args[0]) == 0 {
			continue
		}
		cmd := args[0][0]
		rest := args[0][1:]

		switch cmd {
		case "quit", "q":
			return nil
		case "step", "s":
			s.step()
		case "reg":
			s.printRegs()
		case "sym":
			if len(rest) == 0 {
				fmt.Fprintln(s.out, "usage: sym <address-or-name>")
				continue
			}
			s.lookup(rest[0])
		case "flags":
			s.setFlags(rest)
		default:
			fmt.Fprintf(s.out, "unknown command %q\n", cmd)
		}
	}
}

func (s *Shell) step() {
	code := s.cascade.Step(s.cur, s.flags)
	switch code {
	case errcode.Success:
		fmt.Fprintf(s.out, "stepped to rip=%#x rsp=%#x rbp=%#x\n", s.cur.Current.Rip, s.cur.Current.Rsp, s.cur.Current.Rbp)
	case errcode.NoFrame:
		fmt.Fprintln(s.out, "end of stack")
	default:
		fmt.Fprintf(s.out, "step failed: %s\n", code)
	}
}

func (s *Shell) printRegs() {
	c := s.cur.Current
	fmt.Fprintf(s.out, "rip=%#016x rsp=%#016x rbp=%#016x\n", c.Rip, c.Rsp, c.Rbp)
}

func (s *Shell) lookup(name string) {
	if v, err := strconv.ParseUint(name, 0, 64); err == nil {
		addr := uintptr(v)
		if info, ok := symbol.InfoForIP(s.reg, s.reader, addr); ok {
			fmt.Fprintf(s.out, "%#x = %s+%#x\n", addr, info.Name, addr-info.Value)
			return
		}
		fmt.Fprintf(s.out, "no symbol covers %#x\n", addr)
		return
	}
	if s.accel != nil {
		if addr, ok := s.accel.LookupByName(name); ok {
			fmt.Fprintf(s.out, "%s = %#x\n", name, addr)
			return
		}
	}
	fmt.Fprintf(s.out, "no such symbol %q\n", name)
}

func (s *Shell) setFlags(args []string) {
	for _, a := range args {
		switch strings.ToLower(a) {
		case "+fp":
			s.flags |= unwind.TryFramePointer
		case "-fp":
			s.flags &^= unwind.TryFramePointer
		case "-compact":
			s.flags |= unwind.NoCompact
		case "+compact":
			s.flags &^= unwind.NoCompact
		case "-dwarf":
			s.flags |= unwind.NoDWARF
		case "+dwarf":
			s.flags &^= unwind.NoDWARF
		default:
			fmt.Fprintf(s.out, "unknown flag %q\n", a)
		}
	}
}
