package unwind

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/symbol"
)

type zeroReader struct{}

func (zeroReader) Read(addr uintptr, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func TestStepZeroRipIsNoFrame(t *testing.T) {
	cur := context.InitCursor(context.Context{})
	c := &Cascade{Registry: registry.New(), Reader: zeroReader{}, PseudoRanges: &symbol.PseudoRanges{}}
	if code := c.Step(cur, 0); code != errcode.NoFrame {
		t.Fatalf("got %v, want NoFrame", code)
	}
	if !cur.AtEnd {
		t.Fatal("expected cursor to latch AtEnd")
	}
}

func TestStepUnknownIPIsInvalidIP(t *testing.T) {
	cur := context.InitCursor(context.Context{Rip: 0x100000000})
	c := &Cascade{Registry: registry.New(), Reader: zeroReader{}, PseudoRanges: &symbol.PseudoRanges{}}
	if code := c.Step(cur, 0); code != errcode.InvalidIP {
		t.Fatalf("got %v, want InvalidIP", code)
	}
}

func TestStepLowAddressIsInvalidIP(t *testing.T) {
	cur := context.InitCursor(context.Context{Rip: 0x1000})
	c := &Cascade{Registry: registry.New(), Reader: zeroReader{}, PseudoRanges: &symbol.PseudoRanges{}}
	if code := c.Step(cur, 0); code != errcode.InvalidIP {
		t.Fatalf("got %v, want InvalidIP", code)
	}
}

// fakeSymbolImage is a safemem.Reader over a single-symbol nlist table, used
// to resolve the "start" pseudo-symbol the same way normal-mode image
// tracking does.
type fakeSymbolImage struct {
	symBase, strBase uintptr
	sym, str         []byte
}

func (f *fakeSymbolImage) Read(addr uintptr, buf []byte) error {
	switch {
	case addr >= f.symBase && addr+uintptr(len(buf)) <= f.symBase+uintptr(len(f.sym)):
		copy(buf, f.sym[addr-f.symBase:])
		return nil
	case addr >= f.strBase && addr+uintptr(len(buf)) <= f.strBase+uintptr(len(f.str)):
		copy(buf, f.str[addr-f.strBase:])
		return nil
	default:
		return fmt.Errorf("fakeSymbolImage: out of range read at %#x", addr)
	}
}

func buildStartSymbolRegistry() (*registry.Registry, *fakeSymbolImage) {
	const symBase = 0x200000
	const strBase = 0x300000
	const startAddr = 0x100001000

	name := "start"
	str := append([]byte{0}, append([]byte(name), 0)...)

	sym := make([]byte, 16)
	binary.LittleEndian.PutUint32(sym[0:4], 1) // strx, past the leading NUL
	sym[4] = 0x0e                              // N_SECT, defined
	binary.LittleEndian.PutUint64(sym[8:16], startAddr)

	rec := &image.Record{
		HeaderAddr:  0x100000000,
		Is64Bit:     true,
		Text:        image.Range{Base: 0x100000000, End: 0x100002000},
		SymbolTable: image.Range{Base: symBase, End: symBase + uintptr(len(sym))},
		StringTable: image.Range{Base: strBase, End: strBase + uintptr(len(str))},
		SymbolInfo:  image.SymbolTableInfo{GlobalIndex: 0, GlobalCount: 1, NSyms: 1, SymSize: 16},
	}

	reg := registry.New()
	reg.Append(rec)
	return reg, &fakeSymbolImage{symBase: symBase, strBase: strBase, sym: sym, str: str}
}

// TestStepInsideStartSymbolIsNoFrame is end-to-end scenario 5: a cursor
// positioned with rip inside the resolved start-symbol range must return
// no_frame on the very first step regardless of flags.
func TestStepInsideStartSymbolIsNoFrame(t *testing.T) {
	reg, mem := buildStartSymbolRegistry()
	accel := symbol.NewAccelerator(8)
	accel.Build(reg, mem)
	pr := symbol.ResolvePseudoSymbols(reg, mem, accel)

	cur := context.InitCursor(context.Context{Rip: 0x100001050})
	c := &Cascade{Registry: reg, Reader: mem, PseudoRanges: pr}

	for _, flags := range []StepFlags{0, NoCompact | NoDWARF | NoStackScan, TryFramePointer} {
		cur.AtEnd = false
		if code := c.Step(cur, flags); code != errcode.NoFrame {
			t.Fatalf("flags=%v: got %v, want NoFrame", flags, code)
		}
	}
}
