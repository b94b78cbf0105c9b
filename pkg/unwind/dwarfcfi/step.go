package dwarfcfi

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/bitstadium/plcrash-unwind/pkg/context"
	"github.com/bitstadium/plcrash-unwind/pkg/errcode"
	"github.com/bitstadium/plcrash-unwind/pkg/image"
	"github.com/bitstadium/plcrash-unwind/pkg/safemem"
)

// TableCache memoizes a parsed Table per image, keyed by the image's header
// address, so repeated normal-mode lookups (internal/dump walking an entire
// stack, internal/dapserver answering a stackTrace request) don't re-scan
// .eh_frame on every frame. The signal-time Step path never populates or
// evicts this cache; it only ever reads whatever is already resident from
// an earlier normal-mode priming pass, via Lookup.
type TableCache struct {
	cache *lru.Cache
}

// NewTableCache creates a cache holding up to size parsed tables.
func NewTableCache(size int) *TableCache {
	c, _ := lru.New(size)
	return &TableCache{cache: c}
}

// Prime parses rec's CFI section (preferring __eh_frame, falling back to
// __debug_frame) and stores the result, for normal-mode callers to invoke
// before a signal ever fires.
func (tc *TableCache) Prime(r safemem.Reader, rec *image.Record) error {
	t, err := buildTableForImage(r, rec)
	if err != nil {
		return err
	}
	tc.cache.Add(rec.HeaderAddr, t)
	return nil
}

// Lookup returns the cached table for rec, or nil if it was never primed.
func (tc *TableCache) Lookup(rec *image.Record) *Table {
	v, ok := tc.cache.Get(rec.HeaderAddr)
	if !ok {
		return nil
	}
	return v.(*Table)
}

func buildTableForImage(r safemem.Reader, rec *image.Record) (*Table, error) {
	rng := rec.EHFrame
	isDebugFrame := false
	if rng.Empty() {
		rng = rec.DebugFrame
		isDebugFrame = true
	}
	if rng.Empty() {
		return &Table{isDebugFrame: isDebugFrame}, nil
	}
	buf := make([]byte, rng.Length())
	if err := r.Read(rng.Base, buf); err != nil {
		return nil, err
	}
	return BuildTable(r, buf, rng.Base, isDebugFrame)
}

// Step is the pkg/unwind-facing entry point for the DWARF engine. tc may be
// nil, in which case Step always reports NoInfo (no table was ever primed
// for this process) rather than scanning .eh_frame itself — scanning is a
// normal-mode-only operation.
func Step(r safemem.Reader, cur *context.Cursor, rec *image.Record, tc *TableCache) errcode.Code {
	if tc == nil {
		return errcode.NoInfo
	}
	table := tc.Lookup(rec)
	if table == nil {
		return errcode.NoInfo
	}

	rip := cur.Current.Rip
	fde := table.Find(rip)
	if fde == nil {
		return errcode.NoInfo
	}

	st, code := Run(fde.CIE, fde, rip)
	if code != errcode.Success {
		return code
	}
	return Apply(r, cur, st, fde.CIE)
}
