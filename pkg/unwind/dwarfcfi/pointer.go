package dwarfcfi

import (
	"encoding/binary"
	"fmt"

	"github.com/bitstadium/plcrash-unwind/pkg/dwarf/leb128"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// DW_EH_PE_* pointer encoding bits (application-encoding byte prefixing most
// augmentation fields and FDE initial-location/range values).
const (
	peFormatMask = 0x0F
	peAppMask    = 0x70
	peIndirect   = 0x80
	peOmit       = 0xFF

	peAbsPtr = 0x00
	peULEB   = 0x01
	peUData2 = 0x02
	peUData4 = 0x03
	peUData8 = 0x04
	peSigned = 0x08
	peSLEB   = 0x09
	peSData2 = 0x0A
	peSData4 = 0x0B
	peSData8 = 0x0C

	peAbs    = 0x00
	pePCRel  = 0x10
	peDataRel = 0x30
)

// readEncodedPointer decodes one pointer value out of buf at offset off
// according to encoding, returning the value, the number of bytes consumed,
// and any error. pcrelBase is the address buf[off] corresponds to in the
// target address space, used for the pc-relative application.
func readEncodedPointer(r safemem.Reader, buf []byte, off int, encoding byte, pcrelBase uintptr) (uint64, int, error) {
	if encoding == peOmit {
		return 0, 0, nil
	}
	if off >= len(buf) {
		return 0, 0, fmt.Errorf("dwarfcfi: pointer read past end of section")
	}

	var val uint64
	var n int
	switch encoding & peFormatMask {
	case peAbsPtr:
		if off+8 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated absptr")
		}
		val = binary.LittleEndian.Uint64(buf[off : off+8])
		n = 8
	case peULEB:
		v, consumed, err := leb128.Uvarint(buf[off:])
		if err != nil {
			return 0, 0, err
		}
		val, n = v, consumed
	case peSLEB:
		v, consumed, err := leb128.Varint(buf[off:])
		if err != nil {
			return 0, 0, err
		}
		val, n = uint64(v), consumed
	case peUData2:
		if off+2 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated udata2")
		}
		val = uint64(binary.LittleEndian.Uint16(buf[off : off+2]))
		n = 2
	case peUData4:
		if off+4 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated udata4")
		}
		val = uint64(binary.LittleEndian.Uint32(buf[off : off+4]))
		n = 4
	case peUData8:
		if off+8 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated udata8")
		}
		val = binary.LittleEndian.Uint64(buf[off : off+8])
		n = 8
	case peSData2:
		if off+2 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated sdata2")
		}
		val = uint64(int64(int16(binary.LittleEndian.Uint16(buf[off : off+2]))))
		n = 2
	case peSData4:
		if off+4 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated sdata4")
		}
		val = uint64(int64(int32(binary.LittleEndian.Uint32(buf[off : off+4]))))
		n = 4
	case peSData8:
		if off+8 > len(buf) {
			return 0, 0, fmt.Errorf("dwarfcfi: truncated sdata8")
		}
		val = uint64(int64(binary.LittleEndian.Uint64(buf[off : off+8])))
		n = 8
	default:
		return 0, 0, fmt.Errorf("dwarfcfi: unsupported pointer format %#x", encoding&peFormatMask)
	}

	switch encoding & peAppMask {
	case peAbs, peDataRel:
		// Absolute values are used as-is; data-relative is resolved by the
		// caller, which knows the section base.
	case pePCRel:
		val = uint64(pcrelBase) + val
	default:
		return 0, 0, fmt.Errorf("dwarfcfi: unsupported pointer application %#x", encoding&peAppMask)
	}

	if encoding&peIndirect != 0 {
		if r == nil {
			return 0, 0, fmt.Errorf("dwarfcfi: indirect pointer encoding requires a memory reader")
		}
		indirected, err := safemem.ReadWord(r, uintptr(val))
		if err != nil {
			return 0, 0, fmt.Errorf("dwarfcfi: indirect pointer read at %#x: %w", val, err)
		}
		val = indirected
	}

	return val, n, nil
}
