package stackscan

import (
	"fmt"
	"testing"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
)

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

func imageRangeLookup(codeAddr uint64) ImageLookup {
	return func(addr uintptr) bool { return addr == uintptr(codeAddr) }
}

// TestStackScanFallback is end-to-end scenario 6: the word at rsp+24 looks
// like a code address inside some registered image while the intervening
// words do not, and the scan must land on it and advance
// LastStackPointer to rsp+32.
func TestStackScanFallback(t *testing.T) {
	const rsp = 0x7FFF1000
	const codeAddr = 0x100004000

	stack := fakeStack{
		rsp + 0:  0x11,
		rsp + 8:  0x22,
		rsp + 16: 0x33,
		rsp + 24: codeAddr,
		// the best-effort rbp guess read from rsp+16 is already mapped above
	}

	cur := context.InitCursor(context.Context{Rsp: rsp})
	cur.LastStackPointer = rsp

	code := Step(stack, cur, imageRangeLookup(codeAddr))
	if code != errcode.Success {
		t.Fatalf("Step: got %v, want Success", code)
	}
	if cur.Current.Rip != codeAddr {
		t.Fatalf("rip = %#x, want %#x", cur.Current.Rip, codeAddr)
	}
	if cur.LastStackPointer != rsp+32 {
		t.Fatalf("last_stack_pointer = %#x, want %#x", cur.LastStackPointer, rsp+32)
	}
}

func TestStackScanNoCodeAddressFound(t *testing.T) {
	const rsp = 0x7FFF2000
	stack := fakeStack{}
	for i := uintptr(0); i <= searchWords; i++ {
		stack[rsp+i*wordSize] = 0x41
	}
	cur := context.InitCursor(context.Context{Rsp: rsp})
	cur.LastStackPointer = rsp

	if code := Step(stack, cur, func(uintptr) bool { return false }); code != errcode.NoInfo {
		t.Fatalf("got %v, want NoInfo", code)
	}
}

func TestStackScanUnmappedStackIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{Rsp: 0x7FFF3000})
	cur.LastStackPointer = 0x7FFF3000

	if code := Step(fakeStack{}, cur, func(uintptr) bool { return false }); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame for an unreadable stack", code)
	}
}
