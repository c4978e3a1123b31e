package smc

import "testing"

type fakeInvalidator struct {
	pages []uint64
}

func (f *fakeInvalidator) Invalidate(page uint64) {
	f.pages = append(f.pages, page)
}

func TestPushDrain(t *testing.T) {
	tr := NewTracker()
	if err := tr.Push(0x1000); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := tr.Push(0x2000); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !tr.Pending() {
		t.Fatalf("expected Pending after Push")
	}

	inv := &fakeInvalidator{}
	tr.Drain(inv, nil)

	if tr.Pending() {
		t.Fatalf("expected empty queue after Drain")
	}
	want := []uint64{0x1000, 0x2000}
	if len(inv.pages) != len(want) {
		t.Fatalf("invalidated %v, want %v", inv.pages, want)
	}
	for i := range want {
		if inv.pages[i] != want[i] {
			t.Fatalf("invalidated[%d] = %#x, want %#x", i, inv.pages[i], want[i])
		}
	}
}

func TestOverflow(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < queueSize; i++ {
		if err := tr.Push(uint64(i) * 0x1000); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if err := tr.Push(0xdead000); err != ErrOverflow {
		t.Fatalf("Push on full queue = %v, want ErrOverflow", err)
	}
}
