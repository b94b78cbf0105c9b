// Package symbol resolves addresses to nearest-preceding symbols and names
// to addresses, searching an image's Mach-O nlist symbol table the way
// the original's tinyunw_lookup_symbol/tinyunw_get_symbol_info do: global
// symbols first, then local, matching the highest value not exceeding the
// target and rejecting debug/non-section symbols. Name lookups are
// accelerated, outside of signal-time use, by a prefix trie.
package symbol

import (
	"encoding/binary"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// Mach-O nlist n_type bit masks.
const (
	nStab = 0xe0
	nType = 0x0e
	nSect = 0x0e
	nExt  = 0x01
)

// Info describes the symbol nearest an address.
type Info struct {
	Name  string
	Value uintptr
	Image *image.Record
}

// entry is one decoded nlist record.
type entry struct {
	strx  uint32
	ntype uint8
	value uint64
}

func readSymbol(r safemem.Reader, rec *image.Record, idx uint32) (entry, bool) {
	size := uintptr(rec.SymbolInfo.SymSize)
	addr := rec.SymbolTable.Base + uintptr(idx)*size
	buf := make([]byte, size)
	if err := r.Read(addr, buf); err != nil {
		return entry{}, false
	}
	e := entry{
		strx:  binary.LittleEndian.Uint32(buf[0:4]),
		ntype: buf[4],
	}
	if rec.Is64Bit {
		e.value = binary.LittleEndian.Uint64(buf[8:16])
	} else {
		e.value = uint64(binary.LittleEndian.Uint32(buf[8:12]))
	}
	return e, true
}

func readName(r safemem.Reader, rec *image.Record, strx uint32) string {
	if strx == 0 {
		return ""
	}
	addr := rec.StringTable.Base + uintptr(strx)
	var buf []byte
	for i := 0; i < 256; i++ {
		var b [1]byte
		if err := r.Read(addr+uintptr(i), b[:]); err != nil || b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

func validDefinedSymbol(ntype uint8) bool {
	if ntype&nStab != 0 {
		return false
	}
	return ntype&nType == nSect
}

// InfoForIP returns the nearest-preceding, non-debug, section-defined
// symbol for ip within the image that contains it.
func InfoForIP(reg *registry.Registry, r safemem.Reader, ip uintptr) (Info, bool) {
	rec := reg.ImageContainingSafe(ip)
	if rec == nil {
		return Info{}, false
	}
	target := uint64(int64(ip) - rec.Slide)

	var best entry
	var bestName string
	found := false

	search := func(index, count uint32) {
		for i := uint32(0); i < count; i++ {
			e, ok := readSymbol(r, rec, index+i)
			if !ok || !validDefinedSymbol(e.ntype) {
				continue
			}
			if e.value > target {
				continue
			}
			if !found || e.value > best.value {
				best = e
				found = true
				bestName = readName(r, rec, e.strx)
			}
		}
	}

	search(rec.SymbolInfo.GlobalIndex, rec.SymbolInfo.GlobalCount)
	search(rec.SymbolInfo.LocalIndex, rec.SymbolInfo.LocalCount)

	if !found {
		return Info{}, false
	}
	return Info{Name: bestName, Value: uintptr(int64(best.value) + rec.Slide), Image: rec}, true
}

// Accelerator caches symbol-name-to-address lookups across all tracked
// images, populated by Build in normal mode. It is never touched by the
// signal-time unwind path.
type Accelerator struct {
	names *trie.Trie
	addrs map[string]uintptr
	cache *lru.Cache
}

// NewAccelerator builds an empty accelerator; call Build to populate it from
// a registry's current images.
func NewAccelerator(cacheSize int) *Accelerator {
	c, _ := lru.New(cacheSize)
	return &Accelerator{names: trie.New(), addrs: make(map[string]uintptr), cache: c}
}

// Build walks every image in reg and indexes its defined symbols by name.
func (a *Accelerator) Build(reg *registry.Registry, r safemem.Reader) {
	reg.BeginRead()
	defer reg.EndRead()
	reg.Walk(func(rec *image.Record) bool {
		index := func(idx, count uint32) {
			for i := uint32(0); i < count; i++ {
				e, ok := readSymbol(r, rec, idx+i)
				if !ok || !validDefinedSymbol(e.ntype) {
					continue
				}
				name := readName(r, rec, e.strx)
				if name == "" {
					continue
				}
				a.names.Add(name, nil)
				a.addrs[name] = uintptr(int64(e.value) + rec.Slide)
			}
		}
		index(rec.SymbolInfo.GlobalIndex, rec.SymbolInfo.GlobalCount)
		index(rec.SymbolInfo.LocalIndex, rec.SymbolInfo.LocalCount)
		return true
	})
}

// LookupByName returns the address of the named symbol, consulting an LRU
// cache before falling back to the exact-match trie lookup.
func (a *Accelerator) LookupByName(name string) (uintptr, bool) {
	if v, ok := a.cache.Get(name); ok {
		return v.(uintptr), true
	}
	if _, ok := a.names.Find(name); !ok {
		return 0, false
	}
	addr, ok := a.addrs[name]
	if ok {
		a.cache.Add(name, addr)
	}
	return addr, ok
}

// PrefixSearch returns every indexed symbol name starting with prefix, for
// interactive completion in internal/shell.
func (a *Accelerator) PrefixSearch(prefix string) []string {
	return a.names.PrefixSearch(prefix)
}
