//go:build !linux

package context

import "fmt"

// AttachThread is unsupported on this platform; see GetThreadContext.
func AttachThread(tid int) error {
	return fmt.Errorf("context: AttachThread unsupported on this platform")
}

// DetachThread is unsupported on this platform; see GetThreadContext.
func DetachThread(tid int) error {
	return fmt.Errorf("context: DetachThread unsupported on this platform")
}

// GetThreadContext is unsupported on this platform: there is no local
// syscall path implemented for capturing another thread's register state
// outside of Linux ptrace. Callers on other platforms must supply a Context
// obtained some other way (e.g. a captured core, or a remote debug stub).
func GetThreadContext(tid int) (Context, error) {
	return Context{}, fmt.Errorf("context: GetThreadContext unsupported on this platform")
}
