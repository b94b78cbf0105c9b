// Package registry implements the async-signal-safe image registry: a
// singly-linked list that a signal handler may walk while a normal-mode
// loader concurrently appends or removes entries. It is a direct translation
// of the original's tinyunw_async_list_t, with OSSpinLock/OSAtomic* replaced
// by sync.Mutex and atomic.Pointer/atomic.Int32, and explicit free() replaced
// by simply dropping the last reference and letting the garbage collector
// reclaim it once no reader still holds it.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/bitstadium/plcrash-unwind/pkg/image"
)

type node struct {
	rec  *image.Record
	next atomic.Pointer[node]
}

// Registry is the process-wide (or, in tests, per-instance) image list.
type Registry struct {
	head      atomic.Pointer[node]
	tail      *node // writer-only, guarded by writeLock
	writeLock sync.Mutex
	refcount  atomic.Int32
	tracking  atomic.Bool
}

// New returns an empty registry with image tracking enabled.
func New() *Registry {
	r := &Registry{}
	r.tracking.Store(true)
	return r
}

// SetImageTracking enables or disables Append/Remove, mirroring the
// original's toggle for the dyld image-load/unload callbacks this registry
// is populated from. Idempotent. Not async-safe: called only from
// normal-mode setup/teardown, never from the signal-time read path.
func (r *Registry) SetImageTracking(on bool) {
	r.tracking.Store(on)
}

// Append adds rec to the end of the list. A no-op if image tracking is
// disabled. Not async-safe: called only from normal-mode image-load
// callbacks.
func (r *Registry) Append(rec *image.Record) {
	if !r.tracking.Load() {
		return
	}
	n := &node{rec: rec}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if r.tail == nil {
		r.tail = n
		r.head.Store(n)
		return
	}
	r.tail.next.Store(n)
	r.tail = n
}

// Remove deletes the first record matching headerAddr. Not async-safe.
// Mirrors tinyunw_async_list_remove_image_by_header: matched by header
// address, not pointer identity, since a caller may hold a different Record
// value describing the same loaded image.
func (r *Registry) Remove(headerAddr uintptr) bool {
	if !r.tracking.Load() {
		return false
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	var prev *node
	cur := r.head.Load()
	for cur != nil {
		if cur.rec.HeaderAddr == headerAddr {
			break
		}
		prev = cur
		cur = cur.next.Load()
	}
	if cur == nil {
		return false
	}

	next := cur.next.Load()
	if prev == nil {
		r.head.Store(next)
	} else {
		prev.next.Store(next)
	}
	if next == nil {
		r.tail = prev
	}

	// The node is now unreachable from head; wait for any reader that may
	// already hold a pointer into the chain to finish before returning, so
	// a caller that frees resources the Record references (unlikely here,
	// since Records are plain Go values, but kept for fidelity with the
	// original's invariant) does not race a reader.
	for r.refcount.Load() > 0 {
	}
	return true
}

// BeginRead marks the start of a lockless read pass. Async-safe.
func (r *Registry) BeginRead() {
	r.refcount.Add(1)
}

// EndRead marks the end of a lockless read pass. Async-safe.
func (r *Registry) EndRead() {
	r.refcount.Add(-1)
}

// Walk calls fn for each currently-linked record, stopping early if fn
// returns false. Async-safe: callers must bracket it with BeginRead/EndRead.
func (r *Registry) Walk(fn func(*image.Record) bool) {
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if !fn(n.rec) {
			return
		}
	}
}

// ImageContaining returns the first record whose text range contains addr.
// Async-safe; callers must bracket it with BeginRead/EndRead, or use
// ImageContainingSafe which does so itself for normal-mode callers.
func (r *Registry) ImageContaining(addr uintptr) *image.Record {
	if image.LooksInvalidX8664(addr) {
		return nil
	}
	var found *image.Record
	r.Walk(func(rec *image.Record) bool {
		if rec.Text.Contains(addr) {
			found = rec
			return false
		}
		return true
	})
	return found
}

// ImageContainingSafe is ImageContaining wrapped in BeginRead/EndRead, for
// normal-mode callers (pkg/symbol, internal/dump) that don't already hold a
// read section open.
func (r *Registry) ImageContainingSafe(addr uintptr) *image.Record {
	r.BeginRead()
	defer r.EndRead()
	return r.ImageContaining(addr)
}
