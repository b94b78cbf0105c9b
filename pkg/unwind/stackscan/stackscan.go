// Package stackscan implements the last-resort heuristic engine: a bounded
// forward scan of the stack looking for a word that looks like a return
// address into a loaded image. Grounded exactly on the original's
// tinyunw_try_step_stackscan: a fifty-word window, clean end-of-stack on the
// first unreadable word, and a best-effort rbp guess to prime a later
// frame-pointer attempt.
package stackscan

import (
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

const searchWords = 50
const wordSize = 8

// ImageLookup reports whether addr falls inside some tracked image's text
// range. pkg/unwind supplies registry.Registry.ImageContaining bound to the
// live registry.
type ImageLookup func(addr uintptr) bool

// Step scans forward from cur.LastStackPointer for up to searchWords words.
func Step(r safemem.Reader, cur *context.Cursor, contains ImageLookup) errcode.Code {
	loc := uintptr(cur.LastStackPointer)
	end := loc + searchWords*wordSize

	for ; loc < end; loc += wordSize {
		data, err := safemem.ReadWord(r, loc)
		if err != nil {
			// Ran off the end of the stack; treat it as a clean end.
			return errcode.NoFrame
		}
		if contains(uintptr(data)) {
			cur.LastStackPointer = uint64(loc + wordSize)
			cur.Current.Rip = data
			// Best-effort rbp guess for a later frame-pointer attempt; a
			// failed read here is not itself a failure of the scan.
			if guess, err := safemem.ReadWord(r, loc-wordSize); err == nil {
				cur.Current.Rbp = guess
			}
			return errcode.Success
		}
	}
	return errcode.NoInfo
}
