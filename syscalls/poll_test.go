package syscalls

import "testing"

func TestFDSetBitRoundTrip(t *testing.T) {
	raw := make([]byte, 16) // room for fds 0-127
	setFDBit(raw, 3)
	setFDBit(raw, 70)

	pfs := fdSetToPollfds(raw, 128, 1)
	got := map[int32]bool{}
	for _, pf := range pfs {
		got[pf.Fd] = true
	}
	if !got[3] || !got[70] {
		t.Fatalf("fdSetToPollfds(%v) = %v, want fds 3 and 70 set", raw, pfs)
	}
	if len(pfs) != 2 {
		t.Fatalf("fdSetToPollfds returned %d entries, want 2", len(pfs))
	}
}

func TestClearFDSet(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff}
	clearFDSet(raw)
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestPollTimeoutMS(t *testing.T) {
	if got := pollTimeoutMS(Args{A2: 1500}); got != 1500 {
		t.Fatalf("pollTimeoutMS = %d, want 1500", got)
	}
}
