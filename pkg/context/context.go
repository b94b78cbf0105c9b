// Package context holds the x86_64 register snapshot and the cursor state
// threaded through every stepping engine.
package context

import "github.com/bitstadium/plcrash-unwind/pkg/context/regnum"

// Context is a flat x86_64 general-register snapshot, equivalent in role to
// the original's tinyunw_cpu_context_t / a raw x86_thread_state64_t.
type Context struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip                   uint64
	Rflags                uint64
	Cs, Fs, Gs            uint64
}

// Get returns the value of the named register, or (0, false) if id is not a
// register this context tracks.
func (c *Context) Get(id regnum.ID) (uint64, bool) {
	switch id {
	case regnum.Rax:
		return c.Rax, true
	case regnum.Rdx:
		return c.Rdx, true
	case regnum.Rcx:
		return c.Rcx, true
	case regnum.Rbx:
		return c.Rbx, true
	case regnum.Rsi:
		return c.Rsi, true
	case regnum.Rdi:
		return c.Rdi, true
	case regnum.Rbp:
		return c.Rbp, true
	case regnum.Rsp:
		return c.Rsp, true
	case regnum.R8:
		return c.R8, true
	case regnum.R9:
		return c.R9, true
	case regnum.R10:
		return c.R10, true
	case regnum.R11:
		return c.R11, true
	case regnum.R12:
		return c.R12, true
	case regnum.R13:
		return c.R13, true
	case regnum.R14:
		return c.R14, true
	case regnum.R15:
		return c.R15, true
	case regnum.Rip:
		return c.Rip, true
	default:
		return 0, false
	}
}

// Set writes the value of the named register. It reports false for an
// unrecognized id, matching Get.
func (c *Context) Set(id regnum.ID, v uint64) bool {
	switch id {
	case regnum.Rax:
		c.Rax = v
	case regnum.Rdx:
		c.Rdx = v
	case regnum.Rcx:
		c.Rcx = v
	case regnum.Rbx:
		c.Rbx = v
	case regnum.Rsi:
		c.Rsi = v
	case regnum.Rdi:
		c.Rdi = v
	case regnum.Rbp:
		c.Rbp = v
	case regnum.Rsp:
		c.Rsp = v
	case regnum.R8:
		c.R8 = v
	case regnum.R9:
		c.R9 = v
	case regnum.R10:
		c.R10 = v
	case regnum.R11:
		c.R11 = v
	case regnum.R12:
		c.R12 = v
	case regnum.R13:
		c.R13 = v
	case regnum.R14:
		c.R14 = v
	case regnum.R15:
		c.R15 = v
	case regnum.Rip:
		c.Rip = v
	default:
		return false
	}
	return true
}

// Cursor is the per-thread unwind state threaded through repeated Step
// calls. Original holds the initial snapshot untouched for reference (the
// original implementation's tinyunw_cursor_t.init_context); Current is
// mutated in place by each successful step.
type Cursor struct {
	Original Context
	Current  Context

	// LastStackPointer seeds the stack-scan engine and is advanced whenever
	// that engine makes progress.
	LastStackPointer uint64

	// AtEnd latches once a NoFrame termination has been observed, so a
	// caller that keeps calling Step after the chain ends gets a consistent
	// answer instead of re-running the cascade against a stale frame.
	AtEnd bool

	// LastValidFrame holds the register snapshot from the most recently
	// accepted step. A stepping engine that reports Success without
	// actually advancing past this frame (corrupt unwind metadata chasing
	// its own tail) produces a stale frame; IsStale catches it so the
	// cascade terminates cleanly instead of looping.
	LastValidFrame Context

	frameCount int
}

// InitCursor builds a cursor from an initial register snapshot.
func InitCursor(ctx Context) *Cursor {
	return &Cursor{
		Original:         ctx,
		Current:          ctx,
		LastStackPointer: ctx.Rsp,
		LastValidFrame:   ctx,
	}
}

// Register reads a register from the cursor's current frame.
func (c *Cursor) Register(id regnum.ID) (uint64, bool) {
	return c.Current.Get(id)
}

// FrameCount returns the number of successful Step calls so far.
func (c *Cursor) FrameCount() int {
	return c.frameCount
}

// NoteStep records that a step advanced the cursor, for FrameCount bookkeeping,
// and snapshots Current into LastValidFrame for the next step's staleness
// check. Called by pkg/unwind once it has accepted an engine's Success result,
// not by the engines themselves.
func (c *Cursor) NoteStep() {
	c.frameCount++
	c.LastValidFrame = c.Current
}

// IsStale reports whether Current represents no forward progress over the
// last accepted frame: a stack pointer that failed to move past
// LastValidFrame's. The very first step (frameCount == 0) has no prior frame
// to compare against and is never stale.
func (c *Cursor) IsStale() bool {
	return c.frameCount > 0 && c.Current.Rsp <= c.LastValidFrame.Rsp
}
