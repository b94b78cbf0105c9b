// Package dump symbolicates a captured register context into a
// human-readable, plain-text backtrace.
package dump

import (
	"fmt"
	"io"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind"
)

const maxFrames = 256

// Frame is one symbolicated entry in a dumped backtrace.
type Frame struct {
	Index   int
	PC      uintptr
	Symbol  string
	Offset  uintptr
	ImageID string
}

// Walk drives the cascade to completion (or maxFrames, whichever comes
// first) and symbolicates each frame via reg.
func Walk(c *unwind.Cascade, cur *context.Cursor, reg *registry.Registry, r safemem.Reader, flags unwind.StepFlags) ([]Frame, error) {
	var frames []Frame
	for i := 0; i < maxFrames; i++ {
		pc := uintptr(cur.Current.Rip)
		f := Frame{Index: i, PC: pc}
		if info, ok := symbol.InfoForIP(reg, r, pc); ok {
			f.Symbol = info.Name
			f.Offset = pc - info.Value
			f.ImageID = info.Image.String()
		}
		frames = append(frames, f)

		code := c.Step(cur, flags)
		switch code {
		case errcode.Success:
			continue
		case errcode.NoFrame:
			return frames, nil
		default:
			return frames, errcode.Wrap("dump.Walk", code)
		}
	}
	return frames, fmt.Errorf("dump: exceeded %d frames without reaching end of stack", maxFrames)
}

// Writer returns w unchanged when colorMode is "always", or "auto" and w is
// a terminal; otherwise it wraps w in a writer that strips ANSI escape
// sequences.
func Writer(w io.Writer, colorMode string) io.Writer {
	f, ok := w.(interface{ Fd() uintptr })
	useColor := colorMode == "always" || (colorMode == "auto" && ok && isatty.IsTerminal(f.Fd()))
	if !useColor {
		return colorable.NewNonColorable(w)
	}
	return w
}

// Print writes frames to w, one line per frame, in the delve backtrace
// style: index, program counter, symbol+offset.
func Print(w io.Writer, frames []Frame) {
	for _, f := range frames {
		if f.Symbol != "" {
			fmt.Fprintf(w, "%2d  %#016x  %s+%#x  [%s]\n", f.Index, f.PC, f.Symbol, f.Offset, f.ImageID)
		} else {
			fmt.Fprintf(w, "%2d  %#016x  ??\n", f.Index, f.PC)
		}
	}
}
