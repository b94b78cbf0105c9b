// Package regnum maps between this module's register identifiers and the
// DWARF register column numbering used by the x86_64 System V ABI, mirroring
// the role delve's pkg/dwarf/regnum plays for its own architectures.
package regnum

// ID identifies a general-purpose x86_64 register using the DWARF column
// numbering from the System V AMD64 ABI, so CFI rule tables can be indexed
// directly by ID without a translation step.
type ID uint8

const (
	Rax ID = 0
	Rdx ID = 1
	Rcx ID = 2
	Rbx ID = 3
	Rsi ID = 4
	Rdi ID = 5
	Rbp ID = 6
	Rsp ID = 7
	R8  ID = 8
	R9  ID = 9
	R10 ID = 10
	R11 ID = 11
	R12 ID = 12
	R13 ID = 13
	R14 ID = 14
	R15 ID = 15
	Rip ID = 16

	// AMD64DwarfMaxRegNum bounds the set of columns the CFA state table
	// needs to track; columns beyond this are out of scope.
	AMD64DwarfMaxRegNum = Rip
)

var names = [...]string{
	Rax: "rax", Rdx: "rdx", Rcx: "rcx", Rbx: "rbx",
	Rsi: "rsi", Rdi: "rdi", Rbp: "rbp", Rsp: "rsp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	Rip: "rip",
}

// Name returns the canonical register name, or "" if id is out of range.
func Name(id ID) string {
	if int(id) >= len(names) {
		return ""
	}
	return names[id]
}

// Valid reports whether id names a register this module tracks.
func Valid(id ID) bool {
	return int(id) <= int(AMD64DwarfMaxRegNum)
}
