package safemem

import (
	"errors"
	"runtime/debug"
	"unsafe"
)

// ErrFault is returned when a local read touches unmapped memory. It stands
// in for the original's KERN_INVALID_ADDRESS result from vm_read_overwrite.
var ErrFault = errors.New("safemem: fault reading local memory")

// Local reads the current process's own memory. It is the implementation
// used from signal-handler context: Read never allocates, and it recovers
// from the hardware fault a bad address produces rather than letting it
// crash the process a second time while already handling a crash.
//
// This is the one place in the module where recover() is used to catch
// something other than a programming error: debug.SetPanicOnFault turns an
// invalid-memory access into a panic for the duration of the read, which
// Read immediately converts back into a plain error. It mirrors what the
// original does with sigsetjmp/vm_read_overwrite around a raw pointer
// dereference.
type Local struct{}

// Read copies len(buf) bytes from addr into buf. It never allocates beyond
// what escape analysis already stack-allocates for the defer/recover frame.
func (Local) Read(addr uintptr, buf []byte) (err error) {
	if len(buf) == 0 {
		return nil
	}

	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			err = ErrFault
		}
	}()

	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	copy(buf, src)
	return nil
}
