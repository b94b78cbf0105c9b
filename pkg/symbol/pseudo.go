package symbol

import (
	"github.com/bitstadium/plcrash-unwind/pkg/registry"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// pseudoSymbol names the process/thread entry points that mark the top of
// any call chain; a frame whose instruction pointer falls inside one of
// these is the end of the walk, not a frame to step past.
type pseudoSymbol struct {
	name    string
	maxSize uintptr
}

var pseudoSymbols = []pseudoSymbol{
	{name: "start", maxSize: 512},
	{name: "thread_start", maxSize: 256},
}

// PseudoRanges holds the resolved code ranges for the process/thread entry
// pseudo-symbols, computed once when image tracking is enabled.
type PseudoRanges struct {
	ranges []struct {
		base, end uintptr
	}
}

// ResolvePseudoSymbols locates each pseudo-symbol by name and determines its
// extent by scanning forward until the address resolves to a different
// symbol, capped at that pseudo-symbol's maxSize. Grounded on the original's
// tinyunw_lookup_start_symbols.
func ResolvePseudoSymbols(reg *registry.Registry, r safemem.Reader, accel *Accelerator) *PseudoRanges {
	pr := &PseudoRanges{}
	for _, ps := range pseudoSymbols {
		addr, ok := accel.LookupByName(ps.name)
		if !ok {
			continue
		}
		end := addr + ps.maxSize
		for off := uintptr(1); off < ps.maxSize; off++ {
			info, ok := InfoForIP(reg, r, addr+off)
			if ok && info.Value != addr {
				end = addr + off
				break
			}
		}
		pr.ranges = append(pr.ranges, struct{ base, end uintptr }{addr, end})
	}
	return pr
}

// Contains reports whether addr falls within any resolved pseudo-symbol
// range, meaning the stepper cascade should treat it as end-of-stack.
func (pr *PseudoRanges) Contains(addr uintptr) bool {
	if pr == nil {
		return false
	}
	for _, r := range pr.ranges {
		if addr >= r.base && addr < r.end {
			return true
		}
	}
	return false
}
