package safemem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Remote reads another process's memory via /proc/<pid>/mem, for normal-mode
// triage tools (internal/dump, internal/shell) that symbolicate a captured
// context belonging to a different process than the one running the CLI.
// It is never used from the signal-handler path.
type Remote struct {
	f *os.File
}

// OpenRemote opens the memory file for pid. Callers must Close it when done.
func OpenRemote(pid int) (*Remote, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("safemem: open remote pid %d: %w", pid, err)
	}
	return &Remote{f: f}, nil
}

// Close releases the underlying file descriptor.
func (r *Remote) Close() error {
	return r.f.Close()
}

// Read pulls len(buf) bytes from addr in the target process via pread, so
// concurrent reads from multiple goroutines don't race on the file offset.
func (r *Remote) Read(addr uintptr, buf []byte) error {
	n, err := unix.Pread(int(r.f.Fd()), buf, int64(addr))
	if err != nil {
		return fmt.Errorf("safemem: pread at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("safemem: short read at %#x: got %d want %d", addr, n, len(buf))
	}
	return nil
}
