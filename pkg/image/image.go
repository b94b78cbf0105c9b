// Package image parses a loaded binary image into the handful of ranges and
// symbol-table pointers every unwind engine consults: the text section, the
// compact-unwind/eh_frame/debug_frame sections, and the symbol and string
// tables. Parsing happens once, in normal mode, when an image is loaded;
// the hard unwind path only ever reads the resulting Record.
package image

import "fmt"

// Range is a half-open [Base, End) span in the target address space.
type Range struct {
	Base, End uintptr
}

// Length reports the size of the range in bytes.
func (r Range) Length() uintptr {
	if r.End < r.Base {
		return 0
	}
	return r.End - r.Base
}

// Contains reports whether addr falls within the range.
func (r Range) Contains(addr uintptr) bool {
	return r.Length() > 0 && addr >= r.Base && addr < r.End
}

// Empty reports whether the range carries no bytes (section absent).
func (r Range) Empty() bool {
	return r.Length() == 0
}

// SymbolTableInfo partitions a symbol table into the global and local
// regions reported by a Mach-O LC_DYSYMTAB command, mirroring how the
// original's tinyunw_image_t keeps those indices separate so global symbols
// can be searched before local ones.
type SymbolTableInfo struct {
	GlobalIndex, GlobalCount uint32
	LocalIndex, LocalCount   uint32
	NSyms                    uint32
	SymSize                  uint32 // size of one nlist entry: 12 (32-bit) or 16 (64-bit)
	StringTableSize          uint32
}

// Record is the parsed, immutable view of one loaded image.
type Record struct {
	HeaderAddr uintptr
	Slide      int64
	Is64Bit    bool

	Text       Range
	EHFrame    Range
	DebugFrame Range
	UnwindInfo Range

	SymbolTable Range
	StringTable Range
	SymbolInfo  SymbolTableInfo

	Name string
	Path string
}

// LooksInvalidX8664 is the fast pre-reject check the stepper cascade applies
// before ever asking the registry to search: any address whose high 32 bits
// are all zero cannot be a valid image-relative code address on x86_64,
// since every loaded image sits well above the 4GiB mark in a normal process
// layout.
func LooksInvalidX8664(addr uintptr) bool {
	return addr>>32 == 0
}

func (r *Record) String() string {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("image@%#x", r.HeaderAddr)
	}
	return name
}
