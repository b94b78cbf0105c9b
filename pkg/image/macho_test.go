package image

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
	"testing"
)

const (
	lcSegment64 = 0x19
	lcSymtab    = 0x2
)

// buildImage lays out a minimal mach_header_64 followed by an LC_SEGMENT_64
// for __TEXT (one __text section), an LC_SEGMENT_64 for __LINKEDIT, and an
// LC_SYMTAB, at headerAddr. symoff/stroff are file offsets relative to the
// image, exactly as LC_SYMTAB stores them; linkeditFileoff is the
// __LINKEDIT segment's own file offset, so ParseFromHeader's rebase step has
// something nontrivial to do.
func buildImage(headerAddr uintptr, linkeditVMAddr, linkeditFileoff uint64, symoff, nsyms, stroff, strsize uint32) *fakeImage {
	img := newFakeImage(headerAddr)

	const headerSize = 32
	img.putU32(0, uint32(macho.Magic64))
	img.putU32(16, 3) // ncmds
	img.putU32(20, 0) // sizeofcmds, unused by ParseFromHeader

	// __TEXT segment: header (72 bytes) + one section_64 (80 bytes).
	textCmd := headerSize
	const segHeaderSize = 72
	const sectSize = 80
	img.putU32(textCmd+0, lcSegment64)
	img.putU32(textCmd+4, segHeaderSize+sectSize)
	img.putName16(textCmd+8, "__TEXT")
	img.putU64(textCmd+24, 0x100000000) // vmaddr
	img.putU64(textCmd+32, 0x10000)     // vmsize
	img.putU64(textCmd+40, 0)           // fileoff
	img.putU32(textCmd+64, 1)           // nsects

	sect := textCmd + segHeaderSize
	img.putName16(sect+0, "__text")
	img.putName16(sect+16, "__TEXT")
	img.putU64(sect+32, 0x100001000) // addr
	img.putU64(sect+40, 0x1000)      // size

	// __LINKEDIT segment, no sections.
	linkCmd := textCmd + segHeaderSize + sectSize
	img.putU32(linkCmd+0, lcSegment64)
	img.putU32(linkCmd+4, segHeaderSize)
	img.putName16(linkCmd+8, "__LINKEDIT")
	img.putU64(linkCmd+24, linkeditVMAddr)
	img.putU64(linkCmd+32, 0x4000)
	img.putU64(linkCmd+40, linkeditFileoff)
	img.putU32(linkCmd+64, 0)

	// LC_SYMTAB.
	symCmd := linkCmd + segHeaderSize
	img.putU32(symCmd+0, lcSymtab)
	img.putU32(symCmd+4, 24)
	img.putU32(symCmd+8, symoff)
	img.putU32(symCmd+12, nsyms)
	img.putU32(symCmd+16, stroff)
	img.putU32(symCmd+20, strsize)

	return img
}

func TestParseFromHeaderText(t *testing.T) {
	const headerAddr = 0x100000000
	img := buildImage(headerAddr, 0x100010000, 0x9000, 0x9000, 4, 0x9040, 0x40)

	rec, err := ParseFromHeader(img, headerAddr, 0)
	if err != nil {
		t.Fatalf("ParseFromHeader: %v", err)
	}
	if rec.Text != (Range{Base: 0x100001000, End: 0x100002000}) {
		t.Fatalf("unexpected text range: %+v", rec.Text)
	}
}

// TestParseFromHeaderSymtabRebase exercises the __LINKEDIT rebase: LC_SYMTAB
// stores symoff/stroff as file offsets, not runtime addresses, so
// ParseFromHeader must translate them through the __LINKEDIT segment's
// vmaddr/fileoff before the ranges are usable by the symbol package.
func TestParseFromHeaderSymtabRebase(t *testing.T) {
	const headerAddr = 0x100000000
	const linkeditVMAddr = 0x100010000
	const linkeditFileoff = 0x9000
	// symoff/stroff placed exactly at the start of __LINKEDIT's file range,
	// so the rebased runtime address should land exactly on linkeditVMAddr.
	const symoff = linkeditFileoff
	const nsyms = 4
	const symSize = 16 // 64-bit nlist_64
	const stroff = symoff + nsyms*symSize
	const strsize = 0x40

	img := buildImage(headerAddr, linkeditVMAddr, linkeditFileoff, symoff, nsyms, stroff, strsize)

	rec, err := ParseFromHeader(img, headerAddr, 0)
	if err != nil {
		t.Fatalf("ParseFromHeader: %v", err)
	}

	wantSymBase := uintptr(linkeditVMAddr)
	if rec.SymbolTable.Base != wantSymBase {
		t.Fatalf("symbol table base = %#x, want %#x", rec.SymbolTable.Base, wantSymBase)
	}
	wantSymEnd := wantSymBase + uintptr(nsyms*symSize)
	if rec.SymbolTable.End != wantSymEnd {
		t.Fatalf("symbol table end = %#x, want %#x", rec.SymbolTable.End, wantSymEnd)
	}

	wantStrBase := wantSymBase + uintptr(nsyms*symSize)
	if rec.StringTable.Base != wantStrBase {
		t.Fatalf("string table base = %#x, want %#x", rec.StringTable.Base, wantStrBase)
	}
	if rec.StringTable.End != wantStrBase+strsize {
		t.Fatalf("string table end = %#x, want %#x", rec.StringTable.End, wantStrBase+strsize)
	}
}

// TestParseFromHeaderSymtabRebaseWithSlide exercises the rebase formula with
// a nonzero slide, the normal case for a PIE binary loaded away from its
// link-time address.
func TestParseFromHeaderSymtabRebaseWithSlide(t *testing.T) {
	const headerAddr = 0x100000000
	const linkeditVMAddr = 0x100010000
	const linkeditFileoff = 0x9000
	const symoff = linkeditFileoff
	const nsyms = 2
	const symSize = 16
	const stroff = symoff + nsyms*symSize
	const strsize = 0x20
	const slide = 0x1000

	img := buildImage(headerAddr, linkeditVMAddr, linkeditFileoff, symoff, nsyms, stroff, strsize)

	rec, err := ParseFromHeader(img, headerAddr, slide)
	if err != nil {
		t.Fatalf("ParseFromHeader: %v", err)
	}

	wantSymBase := uintptr(linkeditVMAddr + slide)
	if rec.SymbolTable.Base != wantSymBase {
		t.Fatalf("symbol table base = %#x, want %#x", rec.SymbolTable.Base, wantSymBase)
	}
}

// fakeImage is an in-memory byte buffer addressed starting at base, standing
// in for the target process's mapped image when exercising ParseFromHeader.
type fakeImage struct {
	base uintptr
	buf  []byte
}

func newFakeImage(base uintptr) *fakeImage {
	return &fakeImage{base: base}
}

func (f *fakeImage) Read(addr uintptr, out []byte) error {
	if addr < f.base {
		return fmt.Errorf("fakeImage: address %#x below base %#x", addr, f.base)
	}
	off := addr - f.base
	if off+uintptr(len(out)) > uintptr(len(f.buf)) {
		return fmt.Errorf("fakeImage: read [%#x, %#x) out of range", addr, addr+uintptr(len(out)))
	}
	copy(out, f.buf[off:off+uintptr(len(out))])
	return nil
}

func (f *fakeImage) grow(n int) {
	for len(f.buf) < n {
		f.buf = append(f.buf, 0)
	}
}

func (f *fakeImage) putU32(off int, v uint32) {
	f.grow(off + 4)
	binary.LittleEndian.PutUint32(f.buf[off:off+4], v)
}

func (f *fakeImage) putU64(off int, v uint64) {
	f.grow(off + 8)
	binary.LittleEndian.PutUint64(f.buf[off:off+8], v)
}

func (f *fakeImage) putName16(off int, name string) {
	f.grow(off + 16)
	copy(f.buf[off:off+16], name)
}
