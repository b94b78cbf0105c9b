package registry

import (
	"sync"
	"testing"

	"github.com/bitstadium/plcrash-unwind/pkg/image"
)

func rec(headerAddr, textBase, textEnd uintptr) *image.Record {
	return &image.Record{
		HeaderAddr: headerAddr,
		Text:       image.Range{Base: textBase, End: textEnd},
	}
}

func TestAppendWalk(t *testing.T) {
	r := New()
	r.Append(rec(0x100000000, 0x100001000, 0x100002000))
	r.Append(rec(0x200000000, 0x200001000, 0x200002000))

	var seen []uintptr
	r.BeginRead()
	r.Walk(func(rec *image.Record) bool {
		seen = append(seen, rec.HeaderAddr)
		return true
	})
	r.EndRead()

	if len(seen) != 2 || seen[0] != 0x100000000 || seen[1] != 0x200000000 {
		t.Fatalf("unexpected walk order: %#v", seen)
	}
}

func TestImageContaining(t *testing.T) {
	r := New()
	r.Append(rec(0x100000000, 0x100001000, 0x100002000))

	if got := r.ImageContainingSafe(0x100001500); got == nil || got.HeaderAddr != 0x100000000 {
		t.Fatalf("expected hit, got %#v", got)
	}
	if got := r.ImageContainingSafe(0x100003000); got != nil {
		t.Fatalf("expected miss, got %#v", got)
	}
	if got := r.ImageContainingSafe(0x1500); got != nil {
		t.Fatalf("expected low-address fast reject, got %#v", got)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Append(rec(0x100000000, 0x100001000, 0x100002000))
	r.Append(rec(0x200000000, 0x200001000, 0x200002000))

	if !r.Remove(0x100000000) {
		t.Fatal("expected removal to succeed")
	}
	if r.ImageContainingSafe(0x100001500) != nil {
		t.Fatal("removed image still found")
	}
	if r.ImageContainingSafe(0x200001500) == nil {
		t.Fatal("remaining image not found")
	}
	if r.Remove(0xdeadbeef) {
		t.Fatal("expected removal of unknown header to fail")
	}
}

func TestConcurrentReadDuringMutation(t *testing.T) {
	r := New()
	for i := uintptr(0); i < 8; i++ {
		base := 0x100000000 + i*0x10000
		r.Append(rec(base, base, base+0x1000))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.BeginRead()
				r.Walk(func(*image.Record) bool { return true })
				r.EndRead()
			}
		}
	}()

	for i := uintptr(0); i < 8; i++ {
		r.Remove(0x100000000 + i*0x10000)
	}
	close(stop)
	wg.Wait()
}
