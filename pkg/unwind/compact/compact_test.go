package compact

import (
	"fmt"
	"testing"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
)

// fakeStack is a word-addressed safemem.Reader backed by a map; every access
// ApplyEncoding makes through safemem.ReadWord is an 8-byte read at an
// 8-byte-aligned address.
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

func TestUnpermuteIdentity(t *testing.T) {
	slots, code := unpermute(3, 0)
	if code != errcode.Success {
		t.Fatalf("unexpected code %v", code)
	}
	if slots[0] != 1 || slots[1] != 2 || slots[2] != 3 {
		t.Fatalf("unexpected slots %v", slots)
	}
}

func TestUnpermuteAllRegs(t *testing.T) {
	// permutation 0 with 6 registers should yield the identity ordering 1..6.
	slots, code := unpermute(6, 0)
	if code != errcode.Success {
		t.Fatalf("unexpected code %v", code)
	}
	for i := 0; i < 6; i++ {
		if slots[i] != uint32(i+1) {
			t.Fatalf("slot %d = %d, want %d", i, slots[i], i+1)
		}
	}
}

func TestUnpermuteInvalidCount(t *testing.T) {
	if _, code := unpermute(7, 0); code != errcode.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", code)
	}
}

func TestStackSizeFromImmediate(t *testing.T) {
	enc := uint32(0x00_12_00_00) // 0x12 * 8 = 144
	if got := stackSizeFromImmediate(enc); got != 0x12*8 {
		t.Fatalf("got %d", got)
	}
}

// TestApplyEncodingRBPFrame is end-to-end scenario 2: a leaf function using
// RBP-mode encoding that saves RBX at [rbp_in-8], with [rbp_in+8] the return
// address and [rbp_in] the caller's saved rbp.
func TestApplyEncodingRBPFrame(t *testing.T) {
	const rbpIn = 0x7F00
	stack := fakeStack{
		rbpIn - 8: 0xBEEF, // saved rbx
		rbpIn:     0x6E00, // saved rbp
		rbpIn + 8: 0xCAFE, // return address
	}
	cur := context.InitCursor(context.Context{Rbp: rbpIn})

	// offset=1 places the one saved register at rbp-1*8; savedRegs packs
	// register id 1 (rbx) into the position-0 slot.
	const offset = 1
	const savedRegs = 1
	encoding := uint32(modeRBPFrame) | uint32(offset<<rbpOffsetShift) | savedRegs

	if code := ApplyEncoding(stack, cur, 0, encoding); code != errcode.Success {
		t.Fatalf("ApplyEncoding: got %v, want Success", code)
	}
	if cur.Current.Rip != 0xCAFE {
		t.Fatalf("rip = %#x, want 0xCAFE", cur.Current.Rip)
	}
	if cur.Current.Rbp != 0x6E00 {
		t.Fatalf("rbp = %#x, want 0x6E00", cur.Current.Rbp)
	}
	if cur.Current.Rsp != rbpIn+16 {
		t.Fatalf("rsp = %#x, want %#x", cur.Current.Rsp, uint64(rbpIn+16))
	}
	if cur.Current.Rbx != 0xBEEF {
		t.Fatalf("rbx = %#x, want 0xBEEF", cur.Current.Rbx)
	}
}

// TestApplyEncodingRBPFrameUnreadableIsNoFrame exercises the review-fixed
// tier classification: a failed read of the saved-register/return-address
// data is a clean end of stack (NoFrame), not a hard error.
func TestApplyEncodingRBPFrameUnreadableIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{Rbp: 0x7F00})
	encoding := uint32(modeRBPFrame) // no saved registers, but [rbp]/[rbp+8] are unmapped
	if code := ApplyEncoding(fakeStack{}, cur, 0, encoding); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame", code)
	}
}

// TestApplyEncodingFrameless is end-to-end scenario 3: a frameless-immediate
// function with permutation index 7 over 3 saved registers, whose saved-
// register and return-address slots this test plants directly below the new
// stack pointer.
func TestApplyEncodingFrameless(t *testing.T) {
	const rsp = 0x8000000
	const retAddr = 0xABCD1234

	// unpermute(3, 7) resolves to {rbx, r13, rbp} in that slot order (see
	// TestUnpermute* above for the same arithmetic); stackSize is chosen so
	// the three saved-register slots land at rsp+0x10, rsp+0x18, rsp+0x20
	// and the return address at rsp+0x28, the layout this scenario names.
	const regCount = 3
	const permutation = 7
	const stackSize = 0x30 // savedBase = rsp + stackSize - (regCount+1)*8 = rsp+0x10

	stack := fakeStack{
		rsp + 0x10: 0x11,
		rsp + 0x18: 0x22,
		rsp + 0x20: 0x33,
		rsp + 0x28: retAddr,
	}
	cur := context.InitCursor(context.Context{Rsp: rsp})

	encoding := uint32(modeStackImm) | uint32(regCount<<stackRegCountShift) | permutation

	if code := applyFrameless(stack, cur, encoding, stackSize); code != errcode.Success {
		t.Fatalf("applyFrameless: got %v, want Success", code)
	}
	if cur.Current.Rip != retAddr {
		t.Fatalf("rip = %#x, want %#x", cur.Current.Rip, uint64(retAddr))
	}
	if cur.Current.Rsp != rsp+stackSize {
		t.Fatalf("rsp = %#x, want %#x", cur.Current.Rsp, uint64(rsp+stackSize))
	}
	if cur.Current.Rbx != 0x11 || cur.Current.R13 != 0x22 || cur.Current.Rbp != 0x33 {
		t.Fatalf("unexpected restored registers: rbx=%#x r13=%#x rbp=%#x", cur.Current.Rbx, cur.Current.R13, cur.Current.Rbp)
	}
}

// TestApplyEncodingFramelessUnreadableIsNoFrame exercises the same
// NoFrame-not-BadFrame tier classification as the RBP-frame case, for the
// frameless decode path.
func TestApplyEncodingFramelessUnreadableIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{Rsp: 0x8000000})
	encoding := uint32(modeStackImm) // zero registers, zero permutation
	if code := applyFrameless(fakeStack{}, cur, encoding, 0x30); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame", code)
	}
}
