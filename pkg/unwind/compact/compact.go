// Package compact decodes Apple's compact unwind encoding format, the
// fast-path engine tried before falling back to DWARF CFI interpretation.
// Grounded on the original's libtinyunwind_compact.c: the same two-level
// index structure, the same four encoding modes, and the same register
// permutation arithmetic for the stack-frameless modes.
package compact

import (
	"encoding/binary"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
	"golang.org/x/arch/x86/x86asm"
)

// Encoding mode nibbles, from <mach-o/compact_unwind_encoding.h>.
const (
	modeMask     = 0x0F000000
	modeRBPFrame = 0x01000000
	modeStackImm = 0x02000000
	modeStackInd = 0x03000000
	modeDWARF    = 0x04000000
)

const (
	rbpRegistersMask = 0x00007FFF
	rbpOffsetMask    = 0x00FF0000
	rbpOffsetShift   = 16

	stackSizeMask       = 0x00FF0000
	stackSizeShift      = 16
	stackAdjustMask     = 0x0000E000
	stackAdjustShift    = 13
	stackRegCountMask   = 0x00001C00
	stackRegCountShift  = 10
	stackPermutionMask  = 0x000003FF
)

// regmap translates the 3-bit frame register identifiers used by both the
// RBP-frame and stack-immediate/indirect modes into register ids the
// context package understands. Index 0 means "no register".
var regmap = [8]func(c *context.Context) *uint64{
	0: nil,
	1: func(c *context.Context) *uint64 { return &c.Rbx },
	2: func(c *context.Context) *uint64 { return &c.R12 },
	3: func(c *context.Context) *uint64 { return &c.R13 },
	4: func(c *context.Context) *uint64 { return &c.R14 },
	5: func(c *context.Context) *uint64 { return &c.R15 },
	6: func(c *context.Context) *uint64 { return &c.Rbp },
	7: nil,
}

const (
	pageKindRegular    = 2
	pageKindCompressed = 3
)

// FindInfo locates the function-start address and raw encoding covering rip
// within rec's __unwind_info section.
func FindInfo(r safemem.Reader, rec *image.Record, rip uintptr) (functionStart uintptr, encoding uint32, code errcode.Code) {
	if rec.UnwindInfo.Empty() {
		return 0, 0, errcode.NoInfo
	}
	base := rec.UnwindInfo.Base
	funcOffset := uint32(rip - rec.HeaderAddr)

	hdr := make([]byte, 20)
	if err := r.Read(base, hdr); err != nil {
		return 0, 0, errcode.BadFrame
	}
	indexSectionOffset := binary.LittleEndian.Uint32(hdr[12:16])
	indexCount := binary.LittleEndian.Uint32(hdr[16:20])
	if indexCount < 2 {
		return 0, 0, errcode.NoInfo
	}

	commonEncodingsOffset := binary.LittleEndian.Uint32(hdr[4:8])
	commonEncodingsCount := binary.LittleEndian.Uint32(hdr[8:12])

	// Binary search the first-level index (entries: functionOffset u32,
	// secondLevelPagesOffset u32, lsdaIndexOffset u32 = 12 bytes each) for
	// the entry whose range covers funcOffset.
	lo, hi := uint32(0), indexCount-1
	entrySize := uint32(12)
	var thisOff, nextOff, secondLevelOff uint32
	found := false
	for lo < hi {
		mid := lo + (hi-lo)/2
		entry := make([]byte, entrySize)
		if err := r.Read(base+uintptr(indexSectionOffset)+uintptr(mid)*uintptr(entrySize), entry); err != nil {
			return 0, 0, errcode.BadFrame
		}
		thisOff = binary.LittleEndian.Uint32(entry[0:4])
		nextEntry := make([]byte, 4)
		if err := r.Read(base+uintptr(indexSectionOffset)+uintptr(mid+1)*uintptr(entrySize), nextEntry); err != nil {
			return 0, 0, errcode.BadFrame
		}
		nextOff = binary.LittleEndian.Uint32(nextEntry[0:4])
		if funcOffset < thisOff {
			hi = mid
		} else if funcOffset >= nextOff {
			lo = mid + 1
		} else {
			secondLevelOff = binary.LittleEndian.Uint32(entry[4:8])
			found = true
			break
		}
	}
	if !found {
		return 0, 0, errcode.NoInfo
	}
	if secondLevelOff == 0 {
		return 0, 0, errcode.NoInfo
	}

	kindBuf := make([]byte, 4)
	if err := r.Read(base+uintptr(secondLevelOff), kindBuf); err != nil {
		return 0, 0, errcode.BadFrame
	}
	kind := binary.LittleEndian.Uint32(kindBuf)

	switch kind {
	case pageKindRegular:
		pageHdr := make([]byte, 8)
		if err := r.Read(base+uintptr(secondLevelOff)+4, pageHdr); err != nil {
			return 0, 0, errcode.BadFrame
		}
		entryPageOffset := binary.LittleEndian.Uint16(pageHdr[0:2])
		entryCount := binary.LittleEndian.Uint16(pageHdr[2:4])
		elo, ehi := uint16(0), entryCount
		for elo < ehi {
			mid := elo + (ehi-elo)/2
			e := make([]byte, 8)
			if err := r.Read(base+uintptr(secondLevelOff)+uintptr(entryPageOffset)+uintptr(mid)*8, e); err != nil {
				return 0, 0, errcode.BadFrame
			}
			fo := binary.LittleEndian.Uint32(e[0:4])
			var nfo uint32 = ^uint32(0)
			if mid+1 < entryCount {
				ne := make([]byte, 4)
				r.Read(base+uintptr(secondLevelOff)+uintptr(entryPageOffset)+uintptr(mid+1)*8, ne)
				nfo = binary.LittleEndian.Uint32(ne[0:4])
			}
			if funcOffset < fo {
				ehi = mid
			} else if funcOffset >= nfo {
				elo = mid + 1
			} else {
				return rec.HeaderAddr + uintptr(fo), binary.LittleEndian.Uint32(e[4:8]), errcode.Success
			}
		}
		return 0, 0, errcode.NoInfo

	case pageKindCompressed:
		pageHdr := make([]byte, 12)
		if err := r.Read(base+uintptr(secondLevelOff)+4, pageHdr); err != nil {
			return 0, 0, errcode.BadFrame
		}
		entryPageOffset := binary.LittleEndian.Uint16(pageHdr[0:2])
		entryCount := binary.LittleEndian.Uint16(pageHdr[2:4])
		encPageOffset := binary.LittleEndian.Uint16(pageHdr[4:6])

		elo, ehi := uint16(0), entryCount
		var matchIdx uint16
		matched := false
		for elo < ehi {
			mid := elo + (ehi-elo)/2
			e := make([]byte, 4)
			if err := r.Read(base+uintptr(secondLevelOff)+uintptr(entryPageOffset)+uintptr(mid)*4, e); err != nil {
				return 0, 0, errcode.BadFrame
			}
			packed := binary.LittleEndian.Uint32(e)
			fo := packed & 0x00FFFFFF
			var nfo uint32 = ^uint32(0)
			if mid+1 < entryCount {
				ne := make([]byte, 4)
				r.Read(base+uintptr(secondLevelOff)+uintptr(entryPageOffset)+uintptr(mid+1)*4, ne)
				nfo = binary.LittleEndian.Uint32(ne) & 0x00FFFFFF
			}
			if funcOffset < fo {
				ehi = mid
			} else if funcOffset >= nfo {
				elo = mid + 1
			} else {
				matchIdx = mid
				matched = true
				break
			}
		}
		if !matched {
			return 0, 0, errcode.NoInfo
		}
		e := make([]byte, 4)
		if err := r.Read(base+uintptr(secondLevelOff)+uintptr(entryPageOffset)+uintptr(matchIdx)*4, e); err != nil {
			return 0, 0, errcode.BadFrame
		}
		packed := binary.LittleEndian.Uint32(e)
		fo := packed & 0x00FFFFFF
		encIdx := (packed >> 24) & 0xFF

		var enc uint32
		if encIdx < uint32(commonEncodingsCount) {
			eb := make([]byte, 4)
			if err := r.Read(base+uintptr(commonEncodingsOffset)+uintptr(encIdx)*4, eb); err != nil {
				return 0, 0, errcode.BadFrame
			}
			enc = binary.LittleEndian.Uint32(eb)
		} else {
			localIdx := encIdx - uint32(commonEncodingsCount)
			eb := make([]byte, 4)
			if err := r.Read(base+uintptr(secondLevelOff)+uintptr(encPageOffset)+uintptr(localIdx)*4, eb); err != nil {
				return 0, 0, errcode.BadFrame
			}
			enc = binary.LittleEndian.Uint32(eb)
		}
		return rec.HeaderAddr + uintptr(fo), enc, errcode.Success

	default:
		return 0, 0, errcode.BadFrame
	}
}

// ApplyEncoding mutates cur.Current according to encoding, returning NoInfo
// for the DWARF and compatibility modes so the stepper cascade falls
// through to the next engine.
func ApplyEncoding(r safemem.Reader, cur *context.Cursor, functionStart uintptr, encoding uint32) errcode.Code {
	switch encoding & modeMask {
	case modeRBPFrame:
		return applyRBPFrame(r, cur, encoding)
	case modeStackImm:
		return applyFrameless(r, cur, encoding, stackSizeFromImmediate(encoding))
	case modeStackInd:
		size, code := stackSizeFromIndirect(r, functionStart, encoding)
		if code != errcode.Success {
			return code
		}
		return applyFrameless(r, cur, encoding, size)
	case modeDWARF:
		return errcode.NoInfo
	default:
		// Compatibility mode: unsupported, matches Apple's own libunwind.
		return errcode.NoInfo
	}
}

func applyRBPFrame(r safemem.Reader, cur *context.Cursor, encoding uint32) errcode.Code {
	rbp := uintptr(cur.Current.Rbp)
	offset := (encoding & rbpOffsetMask) >> rbpOffsetShift
	savedRegs := encoding & rbpRegistersMask

	for i := 0; i < 5; i++ {
		regID := (savedRegs >> uint(i*3)) & 0x7
		if regID == 0 {
			continue
		}
		acc := regmap[regID]
		if acc == nil {
			return errcode.InvalidArgument
		}
		addr := rbp - uintptr(offset)*8 + uintptr(i)*8
		val, err := safemem.ReadWord(r, addr)
		if err != nil {
			// A read failure here means the memory this frame layout
			// expects to hold the next frame's data is unreadable: a clean
			// end of stack, not a hard error (spec §7 tier 1).
			return errcode.NoFrame
		}
		*acc(&cur.Current) = val
	}

	retAddr, err := safemem.ReadWord(r, rbp+8)
	if err != nil {
		return errcode.NoFrame
	}
	savedRbp, err := safemem.ReadWord(r, rbp)
	if err != nil {
		return errcode.NoFrame
	}

	cur.Current.Rip = retAddr
	cur.Current.Rsp = uint64(rbp) + 16
	cur.Current.Rbp = savedRbp
	cur.LastStackPointer = cur.Current.Rsp
	return errcode.Success
}

func stackSizeFromImmediate(encoding uint32) uint32 {
	return ((encoding & stackSizeMask) >> stackSizeShift) * 8
}

// stackSizeFromIndirect decodes the `sub $imm32, %rsp` prologue instruction
// at functionStart + (the byte offset packed into the stack-size field) to
// recover the true frame size, then adds the small fixed adjustment the
// encoding itself carries. This is the one place the engine needs a real
// x86 instruction decoder rather than a fixed-format table read.
func stackSizeFromIndirect(r safemem.Reader, functionStart uintptr, encoding uint32) (uint32, errcode.Code) {
	subOffset := (encoding & stackSizeMask) >> stackSizeShift
	adjust := ((encoding & stackAdjustMask) >> stackAdjustShift) * 8

	buf := make([]byte, 16)
	if err := r.Read(functionStart+uintptr(subOffset), buf); err != nil {
		return 0, errcode.BadFrame
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return 0, errcode.BadFrame
	}
	if inst.Op != x86asm.SUB {
		return 0, errcode.BadFrame
	}
	imm, ok := inst.Args[1].(x86asm.Imm)
	if !ok {
		return 0, errcode.BadFrame
	}
	return uint32(imm) + adjust, errcode.Success
}

func applyFrameless(r safemem.Reader, cur *context.Cursor, encoding uint32, stackSize uint32) errcode.Code {
	regCount := (encoding & stackRegCountMask) >> stackRegCountShift
	permutation := encoding & stackPermutionMask

	slots, code := unpermute(int(regCount), permutation)
	if code != errcode.Success {
		return code
	}

	rsp := uintptr(cur.Current.Rsp)
	savedBase := rsp + uintptr(stackSize) - uintptr(regCount+1)*8

	for i, regID := range slots {
		if regID == 0 {
			continue
		}
		acc := regmap[regID]
		if acc == nil {
			return errcode.InvalidArgument
		}
		val, err := safemem.ReadWord(r, savedBase+uintptr(i)*8)
		if err != nil {
			// Same reasoning as applyRBPFrame: a clean end of stack, not a
			// hard error.
			return errcode.NoFrame
		}
		*acc(&cur.Current) = val
	}

	retAddr, err := safemem.ReadWord(r, savedBase+uintptr(regCount)*8)
	if err != nil {
		return errcode.NoFrame
	}
	cur.Current.Rip = retAddr
	cur.Current.Rsp = uint64(savedBase) + uint64(regCount+1)*8
	cur.LastStackPointer = cur.Current.Rsp
	return errcode.Success
}

// unpermute unpacks the packed base-arithmetic permutation index into up to
// six positional register slots, following the same factor schedule as the
// original: 120/24/6/2 for 5-6 registers, 60/12/3 for 4, 20/4 for 3, 5 for 2.
func unpermute(regCount int, permutation uint32) ([6]uint32, errcode.Code) {
	var slots [6]uint32
	if regCount == 0 {
		return slots, errcode.Success
	}
	if regCount < 0 || regCount > 6 {
		return slots, errcode.InvalidArgument
	}

	var permunreg [6]uint32
	p := permutation

	switch regCount {
	case 6:
		permunreg[0] = p / 120
		p -= permunreg[0] * 120
		permunreg[1] = p / 24
		p -= permunreg[1] * 24
		permunreg[2] = p / 6
		p -= permunreg[2] * 6
		permunreg[3] = p / 2
		p -= permunreg[3] * 2
		permunreg[4] = p
		permunreg[5] = 0
	case 5:
		permunreg[0] = p / 120
		p -= permunreg[0] * 120
		permunreg[1] = p / 24
		p -= permunreg[1] * 24
		permunreg[2] = p / 6
		p -= permunreg[2] * 6
		permunreg[3] = p / 2
		p -= permunreg[3] * 2
		permunreg[4] = p
	case 4:
		permunreg[0] = p / 60
		p -= permunreg[0] * 60
		permunreg[1] = p / 12
		p -= permunreg[1] * 12
		permunreg[2] = p / 3
		p -= permunreg[2] * 3
		permunreg[3] = p
	case 3:
		permunreg[0] = p / 20
		p -= permunreg[0] * 20
		permunreg[1] = p / 4
		p -= permunreg[1] * 4
		permunreg[2] = p
	case 2:
		permunreg[0] = p / 5
		p -= permunreg[0] * 5
		permunreg[1] = p
	case 1:
		permunreg[0] = p
	}

	// Reconstruct the actual register identifiers (1..6) from the
	// "position among remaining unused registers" indices above, exactly as
	// the original's UNPERMUTE macro does: at each step, pick the
	// permunreg[i]-th not-yet-used register id (1-indexed), then mark it
	// used.
	var used [7]bool
	for i := 0; i < regCount; i++ {
		count := int(permunreg[i])
		regID := uint32(0)
		for r := uint32(1); r <= 6; r++ {
			if used[r] {
				continue
			}
			if count == 0 {
				regID = r
				break
			}
			count--
		}
		if regID == 0 {
			return slots, errcode.InvalidArgument
		}
		used[regID] = true
		slots[i] = regID
	}
	return slots, errcode.Success
}
