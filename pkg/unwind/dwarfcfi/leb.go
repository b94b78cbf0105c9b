package dwarfcfi

import "github.com/bitstadium/plcrash-unwind/pkg/dwarf/leb128"

func uleb(buf []byte, off int) (uint64, int, error) {
	if off >= len(buf) {
		return 0, 0, leb128.ErrTruncated
	}
	return leb128.Uvarint(buf[off:])
}

func sleb(buf []byte, off int) (int64, int, error) {
	if off >= len(buf) {
		return 0, 0, leb128.ErrTruncated
	}
	return leb128.Varint(buf[off:])
}
