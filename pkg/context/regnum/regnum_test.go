package regnum

import "testing"

func TestNameTotalOverValidIDs(t *testing.T) {
	for id := Rax; id <= AMD64DwarfMaxRegNum; id++ {
		if Name(id) == "" {
			t.Fatalf("Name(%d) returned empty for a valid register id", id)
		}
		if !Valid(id) {
			t.Fatalf("Valid(%d) = false for a register within range", id)
		}
	}
}

func TestNameOutOfRange(t *testing.T) {
	if got := Name(AMD64DwarfMaxRegNum + 1); got != "" {
		t.Fatalf("Name(out-of-range) = %q, want empty", got)
	}
	if Valid(AMD64DwarfMaxRegNum + 1) {
		t.Fatal("Valid(out-of-range) = true")
	}
}

func TestDwarfColumnNumbering(t *testing.T) {
	// The CFA table's def_cfa/offset opcodes index registers by this exact
	// numbering (System V AMD64 ABI, Figure 3.36); a compact or DWARF rule
	// built against the wrong column silently corrupts a different register.
	cases := map[ID]string{
		Rax: "rax", Rsp: "rsp", Rbp: "rbp", Rip: "rip", R15: "r15",
	}
	for id, want := range cases {
		if got := Name(id); got != want {
			t.Fatalf("Name(%d) = %q, want %q", id, got, want)
		}
	}
}
