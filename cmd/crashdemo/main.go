// Command crashdemo is the victim half of the end-to-end unwinder demo: a
// small program with a few named call frames that deliberately dereferences
// a nil pointer, giving `plcrash-unwind demo` a real fault to attach to and
// symbolicate.
package main

import (
	"os"
	"time"
	"unsafe"
)

func main() {
	// Hold still long enough for the driver to attach before the fault
	// fires, so the crash happens while a debugger/unwinder is watching
	// rather than before.
	if len(os.Args) > 1 && os.Args[1] == "--wait" {
		time.Sleep(500 * time.Millisecond)
	}
	level1()
}

func level1() { level2() }
func level2() { level3() }

func level3() {
	var p *int
	// #nosec G103 -- deliberate fault for the demo harness
	ptr := (*int)(unsafe.Pointer(p))
	_ = *ptr
}
