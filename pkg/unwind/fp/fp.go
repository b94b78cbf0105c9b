// Package fp implements the classical frame-pointer chain walk: the
// fallback engine tried only when a caller opts in, since a significant
// fraction of optimized x86_64 code omits frame pointers entirely.
package fp

import (
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// Step assumes [rbp] holds the caller's saved rbp and [rbp+8] holds the
// return address, the standard x86_64 frame-pointer prologue layout.
func Step(r safemem.Reader, cur *context.Cursor) errcode.Code {
	rbp := uintptr(cur.Current.Rbp)
	if rbp == 0 {
		return errcode.NoFrame
	}

	savedRbp, err := safemem.ReadWord(r, rbp)
	if err != nil {
		return errcode.NoFrame
	}
	retAddr, err := safemem.ReadWord(r, rbp+8)
	if err != nil {
		return errcode.NoFrame
	}

	cur.Current.Rip = retAddr
	cur.Current.Rsp = uint64(rbp) + 16
	cur.Current.Rbp = savedRbp
	cur.LastStackPointer = cur.Current.Rsp
	return errcode.Success
}
