package image

import (
	"debug/macho"
	"encoding/binary"
	"fmt"

	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// ParseFromHeader walks the Mach-O load commands starting at headerAddr in
// the target address space (reached through r) and builds a Record.
// Grounded on the load-command walk in the original's image parser: classify
// 32/64-bit from the magic, then for LC_SEGMENT(_64) pull out the sections
// this module cares about, for LC_SYMTAB remember the symbol/string table
// location, and for LC_DYSYMTAB remember the global/local symbol
// partitioning used by symbol lookup.
func ParseFromHeader(r safemem.Reader, headerAddr uintptr, slide int64) (*Record, error) {
	var magicBuf [4]byte
	if err := r.Read(headerAddr, magicBuf[:]); err != nil {
		return nil, fmt.Errorf("image: read magic: %w", err)
	}
	magic := binary.LittleEndian.Uint32(magicBuf[:])

	var is64 bool
	switch magic {
	case macho.Magic32:
		is64 = false
	case macho.Magic64:
		is64 = true
	default:
		return nil, fmt.Errorf("image: unrecognized mach-o magic %#x", magic)
	}

	headerSize := uintptr(28) // mach_header: 7 uint32 fields
	if is64 {
		headerSize = 32 // mach_header_64 adds a reserved uint32
	}

	hdr := make([]byte, headerSize)
	if err := r.Read(headerAddr, hdr); err != nil {
		return nil, fmt.Errorf("image: read header: %w", err)
	}
	ncmds := binary.LittleEndian.Uint32(hdr[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(hdr[20:24])
	_ = sizeofcmds

	rec := &Record{HeaderAddr: headerAddr, Slide: slide, Is64Bit: is64}

	// linkeditBase is captured from the __LINKEDIT segment command and added
	// to the symbol/string table ranges once every load command has been
	// seen, converting the file offsets LC_SYMTAB carries into runtime
	// addresses. Computed as vmaddr+slide-fileoff, the same rebasing formula
	// dyld itself applies.
	var linkeditBase int64

	cmdAddr := headerAddr + headerSize
	for i := uint32(0); i < ncmds; i++ {
		var cmdHdr [8]byte
		if err := r.Read(cmdAddr, cmdHdr[:]); err != nil {
			return nil, fmt.Errorf("image: read load command %d: %w", i, err)
		}
		cmd := binary.LittleEndian.Uint32(cmdHdr[0:4])
		cmdsize := binary.LittleEndian.Uint32(cmdHdr[4:8])
		if cmdsize < 8 {
			return nil, fmt.Errorf("image: load command %d has bad size %d", i, cmdsize)
		}

		switch macho.LoadCmd(cmd) {
		case macho.LoadCmdSegment, macho.LoadCmdSegment64:
			if err := parseSegment(r, cmdAddr, is64, slide, rec, &linkeditBase); err != nil {
				return nil, err
			}
		case macho.LoadCmdSymtab:
			if err := parseSymtab(r, cmdAddr, is64, rec); err != nil {
				return nil, err
			}
		case macho.LoadCmdDysymtab:
			if err := parseDysymtab(r, cmdAddr, rec); err != nil {
				return nil, err
			}
		}

		cmdAddr += uintptr(cmdsize)
	}

	// Rebase the symbol/string tables from LC_SYMTAB's file offsets to
	// runtime addresses now that the __LINKEDIT segment (if any) has been
	// seen, regardless of load-command order.
	if !rec.SymbolTable.Empty() {
		rec.SymbolTable.Base = uintptr(int64(rec.SymbolTable.Base) + linkeditBase)
		rec.SymbolTable.End = uintptr(int64(rec.SymbolTable.End) + linkeditBase)
	}
	if !rec.StringTable.Empty() {
		rec.StringTable.Base = uintptr(int64(rec.StringTable.Base) + linkeditBase)
		rec.StringTable.End = uintptr(int64(rec.StringTable.End) + linkeditBase)
	}

	return rec, nil
}

func readCString(r safemem.Reader, addr uintptr, max int) string {
	buf := make([]byte, 0, 16)
	for i := 0; i < max; i++ {
		var b [1]byte
		if err := r.Read(addr+uintptr(i), b[:]); err != nil {
			break
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

func parseSegment(r safemem.Reader, cmdAddr uintptr, is64 bool, slide int64, rec *Record, linkeditBase *int64) error {
	var (
		nameOff, vmaddrOff, vmsizeOff, fileoffOff, nsectsOff uintptr
		sectSize                                             uintptr
		fieldW                                                int
	)
	if is64 {
		nameOff, vmaddrOff, vmsizeOff, fileoffOff, nsectsOff = 8, 24, 32, 40, 64
		sectSize = 80
		fieldW = 8
	} else {
		nameOff, vmaddrOff, vmsizeOff, fileoffOff, nsectsOff = 8, 24, 28, 32, 48
		sectSize = 68
		fieldW = 4
	}

	segName := readCString(r, cmdAddr+nameOff, 16)

	var vmaddrBuf, fileoffBuf [8]byte
	if err := r.Read(cmdAddr+vmaddrOff, vmaddrBuf[:fieldW]); err != nil {
		return fmt.Errorf("image: read vmaddr: %w", err)
	}
	if err := r.Read(cmdAddr+fileoffOff, fileoffBuf[:fieldW]); err != nil {
		return fmt.Errorf("image: read fileoff: %w", err)
	}
	var vmaddr, fileoff uint64
	if is64 {
		vmaddr = binary.LittleEndian.Uint64(vmaddrBuf[:8])
		fileoff = binary.LittleEndian.Uint64(fileoffBuf[:8])
	} else {
		vmaddr = uint64(binary.LittleEndian.Uint32(vmaddrBuf[:4]))
		fileoff = uint64(binary.LittleEndian.Uint32(fileoffBuf[:4]))
	}
	if segName == "__LINKEDIT" {
		*linkeditBase = int64(vmaddr) + slide - int64(fileoff)
	}

	var nsectBuf [4]byte
	if err := r.Read(cmdAddr+nsectsOff, nsectBuf[:]); err != nil {
		return fmt.Errorf("image: read nsects: %w", err)
	}
	nsects := binary.LittleEndian.Uint32(nsectBuf[:])

	var sectBase uintptr
	if is64 {
		sectBase = cmdAddr + 72
	} else {
		sectBase = cmdAddr + 56
	}

	_ = vmsizeOff

	for s := uint32(0); s < nsects; s++ {
		off := sectBase + uintptr(s)*sectSize
		sectName := readCString(r, off, 16)

		var addrBuf, sizeBuf [8]byte
		var addrW, sizeW int
		if is64 {
			addrW, sizeW = 8, 8
		} else {
			addrW, sizeW = 4, 4
		}
		if err := r.Read(off+32, addrBuf[:addrW]); err != nil {
			return fmt.Errorf("image: read section addr: %w", err)
		}
		if err := r.Read(off+32+uintptr(addrW), sizeBuf[:sizeW]); err != nil {
			return fmt.Errorf("image: read section size: %w", err)
		}
		var addr, size uint64
		if is64 {
			addr = binary.LittleEndian.Uint64(addrBuf[:8])
			size = binary.LittleEndian.Uint64(sizeBuf[:8])
		} else {
			addr = uint64(binary.LittleEndian.Uint32(addrBuf[:4]))
			size = uint64(binary.LittleEndian.Uint32(sizeBuf[:4]))
		}

		rng := Range{Base: uintptr(int64(addr) + slide), End: uintptr(int64(addr) + slide + int64(size))}

		switch {
		case segName == "__TEXT" && sectName == "__text":
			rec.Text = rng
		case segName == "__TEXT" && sectName == "__eh_frame":
			rec.EHFrame = rng
		case segName == "__TEXT" && sectName == "__unwind_info":
			rec.UnwindInfo = rng
		case segName == "__DWARF" && sectName == "__debug_frame":
			rec.DebugFrame = rng
		case segName == "__DWARF" && sectName == "__eh_frame":
			if rec.EHFrame.Empty() {
				rec.EHFrame = rng
			}
		}
	}
	return nil
}

// parseSymtab records LC_SYMTAB's symbol/string table location as raw file
// offsets; ParseFromHeader rebases them to runtime addresses by the
// __LINKEDIT segment's base once the whole load-command list has been
// walked, since a file offset is meaningless as an address on its own.
func parseSymtab(r safemem.Reader, cmdAddr uintptr, is64 bool, rec *Record) error {
	var buf [16]byte
	if err := r.Read(cmdAddr+8, buf[:]); err != nil {
		return fmt.Errorf("image: read symtab_command: %w", err)
	}
	symoff := binary.LittleEndian.Uint32(buf[0:4])
	nsyms := binary.LittleEndian.Uint32(buf[4:8])
	stroff := binary.LittleEndian.Uint32(buf[8:12])
	strsize := binary.LittleEndian.Uint32(buf[12:16])

	symSize := uint32(12)
	if is64 {
		symSize = 16
	}

	rec.SymbolTable = Range{Base: uintptr(symoff), End: uintptr(symoff) + uintptr(nsyms)*uintptr(symSize)}
	rec.StringTable = Range{Base: uintptr(stroff), End: uintptr(stroff) + uintptr(strsize)}
	rec.SymbolInfo.NSyms = nsyms
	rec.SymbolInfo.SymSize = symSize
	rec.SymbolInfo.StringTableSize = strsize
	// Until a matching LC_DYSYMTAB is seen, treat the whole table as global
	// so lookups still work against binaries stripped of dynamic symbol
	// info (a static or minimally-linked executable).
	if rec.SymbolInfo.GlobalCount == 0 && rec.SymbolInfo.LocalCount == 0 {
		rec.SymbolInfo.GlobalCount = nsyms
	}
	return nil
}

func parseDysymtab(r safemem.Reader, cmdAddr uintptr, rec *Record) error {
	var buf [20]byte
	if err := r.Read(cmdAddr+8, buf[:]); err != nil {
		return fmt.Errorf("image: read dysymtab_command: %w", err)
	}
	ilocalsym := binary.LittleEndian.Uint32(buf[0:4])
	nlocalsym := binary.LittleEndian.Uint32(buf[4:8])
	iextdefsym := binary.LittleEndian.Uint32(buf[8:12])
	nextdefsym := binary.LittleEndian.Uint32(buf[12:16])

	rec.SymbolInfo.LocalIndex = ilocalsym
	rec.SymbolInfo.LocalCount = nlocalsym
	rec.SymbolInfo.GlobalIndex = iextdefsym
	rec.SymbolInfo.GlobalCount = nextdefsym
	return nil
}
