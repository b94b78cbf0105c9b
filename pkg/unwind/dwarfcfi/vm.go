package dwarfcfi

import (
	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/context/regnum"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// Primary (two-bit-tagged) opcodes.
const (
	opAdvanceLoc = 0x40
	opOffset     = 0x80
	opRestore    = 0xC0
	opMask       = 0xC0
	operandMask  = 0x3F
)

// Extended opcodes.
const (
	opNop                      = 0x00
	opSetLoc                   = 0x01
	opAdvanceLoc1              = 0x02
	opAdvanceLoc2              = 0x03
	opAdvanceLoc4              = 0x04
	opOffsetExtended           = 0x05
	opRestoreExtended          = 0x06
	opUndefined                = 0x07
	opSameValue                = 0x08
	opRegister                 = 0x09
	opRememberState            = 0x0a
	opRestoreState             = 0x0b
	opDefCFA                   = 0x0c
	opDefCFARegister           = 0x0d
	opDefCFAOffset             = 0x0e
	opDefCFAExpression         = 0x0f
	opExpression               = 0x10
	opOffsetExtendedSF         = 0x11
	opDefCFASF                 = 0x12
	opDefCFAOffsetSF           = 0x13
	opValOffset                = 0x14
	opValOffsetSF              = 0x15
	opValExpression            = 0x16
	opGNUWindowSave            = 0x2d
	opGNUNegativeOffsetExtended = 0x2f
	opGNUArgsSize              = 0x2e
	opLoUser                   = 0x1c
	opHiUser                   = 0x3f
)

// ruleKind enumerates how a RegisterRule's saved value is recovered.
type ruleKind int

const (
	ruleUnused ruleKind = iota
	ruleOffset          // value is at CFA + offset
	ruleValOffset       // value is CFA + offset (not dereferenced)
	ruleRegister        // value is in another register
	ruleExpression      // address is the result of a DWARF expression (unsupported)
	ruleValExpression   // value is the result of a DWARF expression (unsupported)
)

// RegisterRule describes how to recover one register's value at the current
// row of the CFA table.
type RegisterRule struct {
	Kind   ruleKind
	Offset int64
	Reg    uint64
}

const maxDwarfReg = int(regnum.AMD64DwarfMaxRegNum)
const stateStackCap = 16

// State is the CFA table's current row: the CFA expression plus a rule per
// tracked register column, along with a bounded stack for
// remember_state/restore_state.
type State struct {
	CFARegister uint64
	CFAOffset   int64
	CFAIsExpr   bool

	Regs [maxDwarfReg + 1]RegisterRule

	stack []savedRow

	// initial is the row produced by the CIE's initial instructions, the row
	// restore/restore_extended fall back to. nil while those CIE
	// instructions are still running.
	initial *savedRow
}

type savedRow struct {
	cfaRegister uint64
	cfaOffset   int64
	cfaIsExpr   bool
	regs        [maxDwarfReg + 1]RegisterRule
}

// Run interprets cie's initial instructions in full, then fde's instructions
// up to the row whose address covers rip, returning the resulting State.
func Run(cie *CIE, fde *FDE, rip uint64) (*State, errcode.Code) {
	st := &State{}
	if code := st.run(cie, cie.Instructions, ^uint64(0)); code != errcode.Success {
		return nil, code
	}
	// The CIE's program establishes the initial row; save it so restore and
	// restore_extended issued from within the FDE program can reset a
	// register back to it, per DWARF's definition of those two opcodes.
	st.initial = &savedRow{cfaRegister: st.CFARegister, cfaOffset: st.CFAOffset, cfaIsExpr: st.CFAIsExpr, regs: st.Regs}
	if code := st.run(cie, fde.Instructions, rip-fde.InitialLocation); code != errcode.Success {
		return nil, code
	}
	return st, errcode.Success
}

// run interprets prog, advancing a synthetic location counter by
// code_alignment_factor-scaled amounts on every advance_loc* opcode, and
// stopping once the counter would exceed limit (the distance in bytes from
// the FDE's initial location to the target rip; ^uint64(0) means "run the
// whole program", used for the CIE's initial instructions).
func (s *State) run(cie *CIE, prog []byte, limit uint64) errcode.Code {
	var loc uint64
	off := 0
	for off < len(prog) {
		if loc > limit {
			break
		}
		b := prog[off]
		off++

		primary := b & opMask
		operand := uint64(b & operandMask)

		switch primary {
		case opAdvanceLoc:
			loc += operand * cie.CodeAlignmentFactor
			continue
		case opOffset:
			v, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(operand, RegisterRule{Kind: ruleOffset, Offset: int64(v) * cie.DataAlignmentFactor})
			continue
		case opRestore:
			s.restore(operand)
			continue
		}

		switch b {
		case opNop:
		case opSetLoc:
			v, n, err := readEncodedPointer(nil, prog, off, cie.FDEEncoding&peFormatMask, 0)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			loc = v
		case opAdvanceLoc1:
			if off >= len(prog) {
				return errcode.BadFrame
			}
			loc += uint64(prog[off]) * cie.CodeAlignmentFactor
			off++
		case opAdvanceLoc2:
			if off+2 > len(prog) {
				return errcode.BadFrame
			}
			loc += uint64(uint16(prog[off])|uint16(prog[off+1])<<8) * cie.CodeAlignmentFactor
			off += 2
		case opAdvanceLoc4:
			if off+4 > len(prog) {
				return errcode.BadFrame
			}
			d := uint32(prog[off]) | uint32(prog[off+1])<<8 | uint32(prog[off+2])<<16 | uint32(prog[off+3])<<24
			loc += uint64(d) * cie.CodeAlignmentFactor
			off += 4
		case opOffsetExtended:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleOffset, Offset: int64(v) * cie.DataAlignmentFactor})
		case opRestoreExtended:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.restore(reg)
		case opUndefined, opSameValue:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleUnused})
		case opRegister:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			reg2, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleRegister, Reg: reg2})
		case opRememberState:
			if len(s.stack) >= stateStackCap {
				return errcode.OutOfMemory
			}
			s.stack = append(s.stack, savedRow{cfaRegister: s.CFARegister, cfaOffset: s.CFAOffset, cfaIsExpr: s.CFAIsExpr, regs: s.Regs})
		case opRestoreState:
			if len(s.stack) == 0 {
				return errcode.BadFrame
			}
			top := s.stack[len(s.stack)-1]
			s.stack = s.stack[:len(s.stack)-1]
			s.CFARegister, s.CFAOffset, s.CFAIsExpr, s.Regs = top.cfaRegister, top.cfaOffset, top.cfaIsExpr, top.regs
		case opDefCFA:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.CFARegister, s.CFAOffset, s.CFAIsExpr = reg, int64(v), false
		case opDefCFARegister:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.CFARegister = reg
		case opDefCFAOffset:
			v, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.CFAOffset = int64(v)
		case opDefCFAExpression:
			blen, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n + int(blen)
			s.CFAIsExpr = true
		case opExpression:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			blen, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n + int(blen)
			s.setRule(reg, RegisterRule{Kind: ruleExpression})
		case opOffsetExtendedSF:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := sleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleOffset, Offset: v * cie.DataAlignmentFactor})
		case opDefCFASF:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := sleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.CFARegister, s.CFAOffset, s.CFAIsExpr = reg, v*cie.DataAlignmentFactor, false
		case opDefCFAOffsetSF:
			// Corrected per the redesign flag: every `_sf` opcode scales by
			// DataAlignmentFactor unconditionally. The original tests the
			// wrong opcode constant here (a copy-paste of the def_cfa_sf
			// arm above it) and so never applies this scaling in practice;
			// this implementation applies it as the DWARF standard defines.
			v, n, err := sleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.CFAOffset = v * cie.DataAlignmentFactor
		case opValOffset:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleValOffset, Offset: int64(v) * cie.DataAlignmentFactor})
		case opValOffsetSF:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			v, n, err := sleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			s.setRule(reg, RegisterRule{Kind: ruleValOffset, Offset: v * cie.DataAlignmentFactor})
		case opValExpression:
			reg, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
			blen, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n + int(blen)
			s.setRule(reg, RegisterRule{Kind: ruleValExpression})
		case opGNUArgsSize:
			_, n, err := uleb(prog, off)
			if err != nil {
				return errcode.BadFrame
			}
			off += n
		case opGNUNegativeOffsetExtended, opGNUWindowSave:
			return errcode.InvalidArgument
		default:
			if b >= opLoUser && b <= opHiUser {
				return errcode.InvalidArgument
			}
			return errcode.InvalidArgument
		}
	}
	return errcode.Success
}

func (s *State) setRule(reg uint64, rule RegisterRule) {
	if int(reg) > maxDwarfReg {
		return
	}
	s.Regs[reg] = rule
}

// restore resets reg's rule to whatever the CIE's initial instructions
// established, per DW_CFA_restore/DW_CFA_restore_extended. A no-op if
// called before that initial row has been captured (restore appearing
// inside the CIE's own program, which no producer emits) or for an
// out-of-range register.
func (s *State) restore(reg uint64) {
	if s.initial == nil || int(reg) > maxDwarfReg {
		return
	}
	s.Regs[reg] = s.initial.regs[reg]
}

// Apply computes the new context from the interpreted State, reading
// whatever memory the register rules require through r.
func Apply(r safemem.Reader, cur *context.Cursor, st *State, cie *CIE) errcode.Code {
	if st.CFAIsExpr {
		// CFA expression evaluation is out of scope: a frame that relies on
		// one cannot be unwound by this engine.
		return errcode.BadFrame
	}

	cfaRegID := regnum.ID(st.CFARegister)
	cfaRegVal, ok := cur.Current.Get(cfaRegID)
	if !ok {
		return errcode.BadRegister
	}
	cfa := uint64(int64(cfaRegVal) + st.CFAOffset)

	next := cur.Current

	for reg := 0; reg <= maxDwarfReg; reg++ {
		rule := st.Regs[reg]
		switch rule.Kind {
		case ruleUnused:
			continue
		case ruleOffset:
			val, err := safemem.ReadWord(r, uintptr(int64(cfa)+rule.Offset))
			if err != nil {
				return errcode.BadFrame
			}
			next.Set(regnum.ID(reg), val)
		case ruleValOffset:
			next.Set(regnum.ID(reg), uint64(int64(cfa)+rule.Offset))
		case ruleRegister:
			val, ok := cur.Current.Get(regnum.ID(rule.Reg))
			if !ok {
				return errcode.BadRegister
			}
			next.Set(regnum.ID(reg), val)
		case ruleExpression, ruleValExpression:
			return errcode.BadFrame
		default:
			return errcode.Unknown
		}
	}

	retRule := st.Regs[cie.ReturnAddressRegister]
	if retRule.Kind == ruleUnused {
		// Canonical DWARF end-of-stack marker.
		return errcode.NoFrame
	}

	next.Rsp = cfa
	if val, ok := next.Get(regnum.ID(cie.ReturnAddressRegister)); ok {
		next.Rip = val
	} else {
		return errcode.BadRegister
	}

	cur.Current = next
	cur.LastStackPointer = cfa
	return errcode.Success
}
