// Package unwind implements the stepper cascade: the ordered sequence of
// per-frame strategies tried against a cursor until one succeeds or every
// enabled strategy declines. Grounded on the original's tinyunw_step, which
// tries compact unwind, then DWARF CFI, then (opt-in) frame-pointer chains,
// then heuristic stack scanning, short-circuiting on the first result other
// than "no info for this address".
package unwind

import (
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind/compact"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind/dwarfcfi"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind/fp"
	"github.com/bitstadium/plcrash-unwind/pkg/unwind/stackscan"
)

// StepFlags controls which engines the cascade tries.
type StepFlags uint32

const (
	// NoCompact disables the compact-unwind engine.
	NoCompact StepFlags = 1 << iota
	// NoDWARF disables the DWARF CFI engine.
	NoDWARF
	// TryFramePointer opts into the frame-pointer chain engine. It is
	// opt-in, not opt-out, because a significant fraction of optimized
	// x86_64 code omits frame pointers and a blind rbp chase over garbage
	// data produces misleading frames more often than it helps.
	TryFramePointer
	// NoStackScan disables the heuristic stack-scan engine.
	NoStackScan
)

// Cascade bundles everything Step needs beyond the cursor itself.
type Cascade struct {
	Registry     *registry.Registry
	Reader       safemem.Reader
	DwarfTables  *dwarfcfi.TableCache
	PseudoRanges *symbol.PseudoRanges
}

// Step advances cur by one frame, trying each enabled engine in priority
// order until one returns Success or a hard error. A rip below 4GiB is
// rejected with InvalidIP before any engine runs. When every enabled engine
// declines, the result is InvalidIP if no tracked image covers rip and
// NoInfo otherwise.
func (c *Cascade) Step(cur *context.Cursor, flags StepFlags) errcode.Code {
	if cur.AtEnd {
		return errcode.NoFrame
	}

	rip := uintptr(cur.Current.Rip)
	if rip == 0 {
		cur.AtEnd = true
		return errcode.NoFrame
	}
	if c.PseudoRanges.Contains(rip) {
		cur.AtEnd = true
		return errcode.NoFrame
	}
	if image.LooksInvalidX8664(rip) {
		return errcode.InvalidIP
	}

	c.Registry.BeginRead()
	rec := c.Registry.ImageContaining(rip)
	c.Registry.EndRead()

	code := c.tryEngines(cur, flags, rec, rip)
	switch code {
	case errcode.Success:
		if cur.IsStale() {
			// An engine reported success without moving the stack pointer
			// past the last accepted frame: corrupt or cyclic unwind
			// metadata. Terminate cleanly rather than spin.
			cur.AtEnd = true
			return errcode.NoFrame
		}
		cur.NoteStep()
	case errcode.NoFrame:
		cur.AtEnd = true
	}
	return code
}

// tryEngines tries each enabled engine in priority order. Compact unwind and
// DWARF CFI both require rec (the image covering rip) to look anything up,
// so they are skipped entirely when rec is nil — an unmapped/unregistered
// range (JIT code, the vdso, a corrupted IP). Frame-pointer and stack-scan
// need no image lookup for rip itself; they only classify candidate return
// addresses they find, via the registry, so they still run when rec is nil.
func (c *Cascade) tryEngines(cur *context.Cursor, flags StepFlags, rec *image.Record, rip uintptr) errcode.Code {
	if rec != nil {
		if flags&NoCompact == 0 {
			functionStart, encoding, code := compact.FindInfo(c.Reader, rec, rip)
			if code == errcode.Success {
				if applied := compact.ApplyEncoding(c.Reader, cur, functionStart, encoding); applied != errcode.NoInfo {
					return applied
				}
			} else if code != errcode.NoInfo {
				return code
			}
		}

		if flags&NoDWARF == 0 {
			code := dwarfcfi.Step(c.Reader, cur, rec, c.DwarfTables)
			if code != errcode.NoInfo {
				return code
			}
		}
	}

	if flags&TryFramePointer != 0 {
		code := fp.Step(c.Reader, cur)
		if code != errcode.NoInfo {
			return code
		}
	}

	if flags&NoStackScan == 0 {
		contains := func(addr uintptr) bool {
			c.Registry.BeginRead()
			defer c.Registry.EndRead()
			return c.Registry.ImageContaining(addr) != nil
		}
		if code := stackscan.Step(c.Reader, cur, contains); code != errcode.NoInfo {
			return code
		}
	}

	if rec == nil {
		// No tracked image covers rip, and no heuristic engine could make
		// progress either: the original InvalidIP condition.
		return errcode.InvalidIP
	}
	return errcode.NoInfo
}
