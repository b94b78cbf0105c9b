//go:build linux

package context

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AttachThread stops tid via PTRACE_ATTACH and waits for the resulting
// SIGSTOP, the precondition GetThreadContext documents. Detach with
// DetachThread once the caller is done reading its state.
func AttachThread(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("context: ptrace attach tid %d: %w", tid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(tid, &status, 0, nil); err != nil {
		return fmt.Errorf("context: wait for attach stop on tid %d: %w", tid, err)
	}
	return nil
}

// DetachThread resumes tid, reversing AttachThread.
func DetachThread(tid int) error {
	if err := unix.PtraceDetach(tid); err != nil {
		return fmt.Errorf("context: ptrace detach tid %d: %w", tid, err)
	}
	return nil
}

// GetThreadContext snapshots another thread's (or, for its own tgid, another
// process's) general registers via ptrace. The caller must already be
// attached (AttachThread, or its own PTRACE_ATTACH/PTRACE_SEIZE) to tid; this
// module only reads the already-stopped state, it does not manage the attach
// lifecycle itself.
func GetThreadContext(tid int) (Context, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return Context{}, fmt.Errorf("context: ptrace getregs tid %d: %w", tid, err)
	}
	return Context{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rbp: regs.Rbp, Rsp: regs.Rsp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Rflags: regs.Eflags,
		Cs: regs.Cs, Fs: regs.Fs, Gs: regs.Gs,
	}, nil
}
