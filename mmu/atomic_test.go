package mmu

import (
	"errors"
	"testing"
)

func TestAtomicRMWWidths(t *testing.T) {
	m := New(1 << 20)
	const base = 0x10000
	if err := m.Reserve(base, PageSize, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	cases := []struct {
		name  string
		addr  uint64
		width int
		seed  uint64
		want  uint64
	}{
		{"u8", base + 3, 1, 0x41, 0x42},
		{"u16", base + 6, 2, 0x1234, 0x1235},
		{"u32", base + 8, 4, 0xfffffffe, 0xffffffff},
		{"u64", base + 16, 8, 1 << 40, 1<<40 + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, 8)
			for i := 0; i < tc.width; i++ {
				buf[i] = byte(tc.seed >> uint(8*i))
			}
			if n := m.CopyToGuest(tc.addr, buf[:tc.width]); n != tc.width {
				t.Fatalf("seed: copied %d", n)
			}
			old, err := m.AtomicRMW(tc.addr, tc.width, func(v uint64) uint64 { return v + 1 })
			if err != nil {
				t.Fatalf("AtomicRMW: %v", err)
			}
			if old != tc.seed {
				t.Fatalf("old = %#x, want %#x", old, tc.seed)
			}
			got := make([]byte, tc.width)
			m.CopyFromGuest(got, tc.addr)
			var v uint64
			for i := tc.width - 1; i >= 0; i-- {
				v = v<<8 | uint64(got[i])
			}
			if v != tc.want {
				t.Fatalf("value = %#x, want %#x", v, tc.want)
			}
		})
	}
}

func TestAtomicRMWNarrowLeavesNeighbors(t *testing.T) {
	m := New(1 << 20)
	const base = 0x10000
	if err := m.Reserve(base, PageSize, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	m.CopyToGuest(base, []byte{0x11, 0x22, 0x33, 0x44})

	if _, err := m.AtomicRMW(base+1, 1, func(v uint64) uint64 { return 0xAA }); err != nil {
		t.Fatalf("AtomicRMW: %v", err)
	}
	got := make([]byte, 4)
	m.CopyFromGuest(got, base)
	want := []byte{0x11, 0xAA, 0x33, 0x44}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestAtomicRMWMisaligned(t *testing.T) {
	m := New(1 << 20)
	const base = 0x10000
	if err := m.Reserve(base, PageSize, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.AtomicRMW(base+2, 4, func(v uint64) uint64 { return v }); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
	if _, err := m.AtomicRMW(base+4, 8, func(v uint64) uint64 { return v }); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}

func TestAtomicRMWUnmappedFaults(t *testing.T) {
	m := New(1 << 20)
	if _, err := m.AtomicRMW(0x50000, 8, func(v uint64) uint64 { return v }); !errors.Is(err, ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}
}
