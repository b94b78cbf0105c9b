// Package dwarfcfi interprets DWARF Call Frame Information: the CIE/FDE
// table format shared by .eh_frame and .debug_frame, and the CFA bytecode
// program each FDE carries. Grounded on the original's
// libtinyunwind_dwarf.c, which this package follows opcode-for-opcode,
// including the corrected `_sf` scaling behavior documented in SPEC_FULL.md.
package dwarfcfi

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// CIE is a parsed Common Information Entry.
type CIE struct {
	Offset                int // offset of this CIE within the section buffer
	Version               byte
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint8

	HasAugmentationData bool
	FDEEncoding          byte // from augmentation letter 'R'; peAbsPtr if absent
	LSDAEncoding         byte // from augmentation letter 'L'; peOmit if absent
	PersonalityEncoding  byte
	PersonalityRoutine   uint64
	IsSignalFrame        bool // augmentation letter 'S'

	Instructions []byte // initial instruction program
}

// FDE is a parsed Frame Description Entry.
type FDE struct {
	CIE             *CIE
	InitialLocation uint64
	AddressRange    uint64
	Instructions    []byte
}

// Table is the parsed view of one .eh_frame or .debug_frame section,
// indexed for fast lookup by covering address.
type Table struct {
	fdes         []*FDE // sorted by InitialLocation
	isDebugFrame bool
}

// cieIDMarksCIE reports the CIE-id sentinel for the section flavor: zero for
// .eh_frame, all-ones for .debug_frame.
func cieIDMarksCIE(id uint32, isDebugFrame bool) bool {
	if isDebugFrame {
		return id == 0xFFFFFFFF
	}
	return id == 0
}

// BuildTable parses every CIE/FDE in buf, a copy of the section's raw bytes
// read once, in normal mode, via r (used to resolve indirect augmentation
// pointers). sectionAddr is the address buf[0] corresponds to, for
// pc-relative encodings.
func BuildTable(r safemem.Reader, buf []byte, sectionAddr uintptr, isDebugFrame bool) (*Table, error) {
	t := &Table{isDebugFrame: isDebugFrame}
	cies := make(map[int]*CIE)

	off := 0
	for off < len(buf) {
		entryStart := off
		if off+4 > len(buf) {
			break
		}
		length := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		if length == 0 {
			// End-of-table sentinel: the original treats a zero-length
			// entry as the end of the FDE list, not an error.
			break
		}
		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("dwarfcfi: 64-bit DWARF format unsupported")
		}
		entryEnd := off + int(length)
		if entryEnd > len(buf) {
			return nil, fmt.Errorf("dwarfcfi: entry at %#x overruns section", entryStart)
		}

		if off+4 > len(buf) {
			return nil, fmt.Errorf("dwarfcfi: truncated cie-id/offset field")
		}
		idField := binary.LittleEndian.Uint32(buf[off : off+4])

		if cieIDMarksCIE(idField, isDebugFrame) {
			cie, err := parseCIE(buf, entryStart, off+4, entryEnd)
			if err != nil {
				return nil, err
			}
			cies[entryStart] = cie
		} else {
			var cieOffset int
			if isDebugFrame {
				cieOffset = int(idField)
			} else {
				// .eh_frame stores the CIE pointer as "this field's own
				// offset minus idField".
				cieOffset = off - int(idField)
			}
			cie, ok := cies[cieOffset]
			if !ok {
				return nil, fmt.Errorf("dwarfcfi: fde at %#x references unknown cie at %#x", entryStart, cieOffset)
			}
			fde, err := parseFDE(r, buf, off+4, entryEnd, cie, sectionAddr)
			if err != nil {
				return nil, err
			}
			t.fdes = append(t.fdes, fde)
		}

		off = entryEnd
	}

	sort.Slice(t.fdes, func(i, j int) bool { return t.fdes[i].InitialLocation < t.fdes[j].InitialLocation })
	return t, nil
}

func parseCIE(buf []byte, entryStart int, off, end int) (*CIE, error) {
	cie := &CIE{Offset: entryStart}
	if off >= end {
		return nil, fmt.Errorf("dwarfcfi: empty cie")
	}
	cie.Version = buf[off]
	off++

	start := off
	for off < end && buf[off] != 0 {
		off++
	}
	if off >= end {
		return nil, fmt.Errorf("dwarfcfi: unterminated cie augmentation string")
	}
	cie.Augmentation = string(buf[start:off])
	off++

	caf, n, err := uleb(buf, off)
	if err != nil {
		return nil, err
	}
	cie.CodeAlignmentFactor = caf
	off += n

	daf, n, err := sleb(buf, off)
	if err != nil {
		return nil, err
	}
	cie.DataAlignmentFactor = daf
	off += n

	if cie.Version == 1 {
		cie.ReturnAddressRegister = buf[off]
		off++
	} else {
		rar, n, err := uleb(buf, off)
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint8(rar)
		off += n
	}

	cie.FDEEncoding = peAbsPtr
	cie.LSDAEncoding = peOmit
	for i, c := range cie.Augmentation {
		switch c {
		case 'z':
			if i != 0 {
				return nil, fmt.Errorf("dwarfcfi: 'z' must be first augmentation letter")
			}
			cie.HasAugmentationData = true
			augLen, n, err := uleb(buf, off)
			if err != nil {
				return nil, err
			}
			off += n
			augEnd := off + int(augLen)
			if augEnd > end {
				return nil, fmt.Errorf("dwarfcfi: augmentation data overruns cie")
			}
			aoff := off
			for _, ac := range cie.Augmentation[1:] {
				switch ac {
				case 'L':
					cie.LSDAEncoding = buf[aoff]
					aoff++
				case 'R':
					cie.FDEEncoding = buf[aoff]
					aoff++
				case 'P':
					cie.PersonalityEncoding = buf[aoff]
					aoff++
					val, n, err := readEncodedPointer(nil, buf, aoff, cie.PersonalityEncoding, 0)
					if err != nil {
						return nil, err
					}
					cie.PersonalityRoutine = val
					aoff += n
				case 'S':
					cie.IsSignalFrame = true
				default:
					return nil, fmt.Errorf("dwarfcfi: unsupported augmentation letter %q", ac)
				}
			}
			off = augEnd
		case 'e':
			// "eh" augmentation (obsolete gcc personality-in-CIE scheme):
			// not produced by any modern toolchain, rejected explicitly.
			return nil, fmt.Errorf("dwarfcfi: unsupported 'eh' augmentation")
		default:
			if i == 0 {
				return nil, fmt.Errorf("dwarfcfi: unsupported augmentation letter %q", c)
			}
		}
	}

	cie.Instructions = buf[off:end]
	return cie, nil
}

func parseFDE(r safemem.Reader, buf []byte, off, end int, cie *CIE, sectionAddr uintptr) (*FDE, error) {
	pcrelBase := sectionAddr + uintptr(off)
	initLoc, n, err := readEncodedPointer(r, buf, off, cie.FDEEncoding, pcrelBase)
	if err != nil {
		return nil, err
	}
	off += n

	// The address range is encoded with the same format as the initial
	// location but is never itself pc-relative or indirect.
	rangeEncoding := cie.FDEEncoding & peFormatMask
	addrRange, n, err := readEncodedPointer(nil, buf, off, rangeEncoding, 0)
	if err != nil {
		return nil, err
	}
	off += n

	if cie.HasAugmentationData {
		augLen, n, err := uleb(buf, off)
		if err != nil {
			return nil, err
		}
		off += n + int(augLen)
	}

	if off > end {
		return nil, fmt.Errorf("dwarfcfi: fde header overruns entry")
	}

	return &FDE{
		CIE:             cie,
		InitialLocation: initLoc,
		AddressRange:    addrRange,
		Instructions:    buf[off:end],
	}, nil
}

// Find returns the FDE (and its CIE) covering rip, or nil if none does.
func (t *Table) Find(rip uint64) *FDE {
	i := sort.Search(len(t.fdes), func(i int) bool { return t.fdes[i].InitialLocation > rip })
	if i == 0 {
		return nil
	}
	fde := t.fdes[i-1]
	if rip >= fde.InitialLocation && rip < fde.InitialLocation+fde.AddressRange {
		return fde
	}
	return nil
}
