package fp

import (
	"fmt"
	"testing"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
)

// fakeStack is a word-addressed safemem.Reader backed by a map, standing in
// for a constructed stack: every access this engine makes is an 8-byte word
// read at an 8-byte-aligned address.
type fakeStack map[uintptr]uint64

func (f fakeStack) Read(addr uintptr, buf []byte) error {
	if len(buf) != 8 || addr%8 != 0 {
		return fmt.Errorf("fakeStack: unexpected read at %#x len %d", addr, len(buf))
	}
	v, ok := f[addr]
	if !ok {
		return fmt.Errorf("fakeStack: unmapped word at %#x", addr)
	}
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return nil
}

func TestStepFollowsFramePointerChain(t *testing.T) {
	const rbpIn = 0x7F00
	stack := fakeStack{
		rbpIn:     0x6E00, // saved rbp
		rbpIn + 8: 0xCAFE, // return address
	}
	cur := context.InitCursor(context.Context{Rbp: rbpIn, Rsp: rbpIn - 0x10})

	if code := Step(stack, cur); code != errcode.Success {
		t.Fatalf("Step: got %v, want Success", code)
	}
	if cur.Current.Rip != 0xCAFE {
		t.Fatalf("rip = %#x, want 0xCAFE", cur.Current.Rip)
	}
	if cur.Current.Rbp != 0x6E00 {
		t.Fatalf("rbp = %#x, want 0x6E00", cur.Current.Rbp)
	}
	if cur.Current.Rsp != rbpIn+16 {
		t.Fatalf("rsp = %#x, want %#x", cur.Current.Rsp, rbpIn+16)
	}
}

func TestStepZeroRbpIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{Rbp: 0})
	if code := Step(fakeStack{}, cur); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame", code)
	}
}

func TestStepUnreadableMemoryIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{Rbp: 0x7F00})
	if code := Step(fakeStack{}, cur); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame (unmapped saved rbp/return address)", code)
	}
}

// TestTrivialRecursionFramePointerOnly is end-to-end scenario 1: a function
// that calls itself four times then traps. Five successive Step calls using
// only the frame-pointer chain must recover the five return addresses, then
// the sixth must report NoFrame once rbp reaches the root frame's sentinel.
func TestTrivialRecursionFramePointerOnly(t *testing.T) {
	// Five nested frames, each pointing to the next via [rbp] and returning
	// to a distinct address via [rbp+8]. The root frame (frames[0]) has no
	// stack contents of its own, so stepping past it hits unmapped memory
	// and the walk ends cleanly.
	frames := []struct{ rbp, savedRbp, retAddr uint64 }{
		{0x1000, 0, 0}, // root, never stepped into
		{0x2000, 0x1000, 0x100000010},
		{0x3000, 0x2000, 0x100000020},
		{0x4000, 0x3000, 0x100000030},
		{0x5000, 0x4000, 0x100000040},
		{0x6000, 0x5000, 0x100000050},
	}
	stack := fakeStack{}
	for _, fr := range frames[1:] {
		stack[uintptr(fr.rbp)] = fr.savedRbp
		stack[uintptr(fr.rbp)+8] = fr.retAddr
	}

	cur := context.InitCursor(context.Context{Rbp: 0x6000})
	for i := len(frames) - 1; i >= 1; i-- {
		want := frames[i]
		code := Step(stack, cur)
		if code != errcode.Success {
			t.Fatalf("frame %d: got %v, want Success", i, code)
		}
		if cur.Current.Rip != want.retAddr {
			t.Fatalf("frame %d: rip = %#x, want %#x", i, cur.Current.Rip, want.retAddr)
		}
	}
	// rbp now points at the unpopulated root frame: the walk must terminate
	// cleanly rather than erroring.
	if code := Step(stack, cur); code != errcode.NoFrame {
		t.Fatalf("final step: got %v, want NoFrame", code)
	}
}
