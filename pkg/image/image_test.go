package image

import "testing"

func TestRangeContains(t *testing.T) {
	r := Range{Base: 0x1000, End: 0x2000}
	if !r.Contains(0x1000) {
		t.Fatal("expected base to be contained (half-open, inclusive start)")
	}
	if r.Contains(0x2000) {
		t.Fatal("end should be exclusive")
	}
	if r.Contains(0xFFF) {
		t.Fatal("address below base should not be contained")
	}
}

func TestRangeEmpty(t *testing.T) {
	if !(Range{}).Empty() {
		t.Fatal("zero-value range should be empty")
	}
	if (Range{Base: 0x2000, End: 0x1000}).Length() != 0 {
		t.Fatal("an inverted range should report zero length")
	}
	if (Range{Base: 0x1000, End: 0x1010}).Empty() {
		t.Fatal("non-empty range reported empty")
	}
}

func TestLooksInvalidX8664(t *testing.T) {
	if !LooksInvalidX8664(0x1000) {
		t.Fatal("a sub-4GiB address should look invalid on x86_64")
	}
	if LooksInvalidX8664(0x100000000) {
		t.Fatal("an address above the 4GiB mark should not look invalid")
	}
}
