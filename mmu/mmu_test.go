package mmu

import "testing"

func TestReserveCopyRoundTrip(t *testing.T) {
	m := New(1 << 20)
	virt := uint64(0x400000)
	size := uint64(4096 * 3)
	if err := m.Reserve(virt, size, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i)
	}
	if n := m.CopyToGuest(virt, src); n != len(src) {
		t.Fatalf("CopyToGuest copied %d, want %d", n, len(src))
	}

	dst := make([]byte, size)
	if n := m.CopyFromGuest(dst, virt); n != len(dst) {
		t.Fatalf("CopyFromGuest copied %d, want %d", n, len(dst))
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, dst[i], src[i])
		}
	}
}

func TestReserveClash(t *testing.T) {
	m := New(1 << 20)
	if err := m.Reserve(0x1000, 0x1000, Prot{Read: true}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Reserve(0x1000, 0x1000, Prot{Read: true}, false); err == nil {
		t.Fatalf("expected clash error on second non-fixed reserve")
	}
	if err := m.Reserve(0x1000, 0x1000, Prot{Read: true, Write: true}, true); err != nil {
		t.Fatalf("fixed Reserve should overwrite: %v", err)
	}
}

func TestLookupUnmapped(t *testing.T) {
	m := New(1 << 20)
	if got := m.Lookup(0x8000); got != nil {
		t.Fatalf("Lookup of unmapped page = %v, want nil", got)
	}
}

func TestFindUnmapped(t *testing.T) {
	m := New(1 << 20)
	if err := m.Reserve(0x10000, 0x2000, Prot{Read: true}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	v := m.FindUnmapped(0x10000, 0x1000)
	if v < 0x12000 {
		t.Fatalf("FindUnmapped returned %#x inside the reserved range", v)
	}
}

func TestProtectChangesWritable(t *testing.T) {
	m := New(1 << 20)
	virt := uint64(0x20000)
	if err := m.Reserve(virt, PageSize, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !m.Writable(virt) {
		t.Fatalf("expected page writable after reserve")
	}
	if err := m.Protect(virt, PageSize, Prot{Read: true}); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if m.Writable(virt) {
		t.Fatalf("expected page read-only after protect")
	}
}

func TestStackGrowsDownToLimit(t *testing.T) {
	m := New(4 << 20)
	const top = uint64(0x7ffffff00000)
	const initial = top - 0x4000
	const limit = top - 0x10000
	if err := m.Reserve(initial, top-initial, Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	m.StackLimit = limit
	m.SetStackRegion(initial)

	fault := initial - 0x2000
	if !m.InStackRedzone(fault) {
		t.Fatalf("expected %#x inside the redzone", fault)
	}
	if err := m.GrowStackDown(fault); err != nil {
		t.Fatalf("GrowStackDown: %v", err)
	}
	if !m.Writable(fault) {
		t.Fatalf("expected grown stack page writable")
	}
	if m.InStackRedzone(fault) {
		t.Fatalf("grown page should no longer be redzone")
	}

	below := limit - PageSize
	if m.InStackRedzone(below) {
		t.Fatalf("address below the limit must not be redzone")
	}
	if err := m.GrowStackDown(below); err == nil {
		t.Fatalf("expected redzone-overflow error below StackLimit")
	}
}

func TestBrkGrowShrink(t *testing.T) {
	m := New(4 << 20)
	base := uint64(0x500000)
	m.SetBrk(base, base+0x100000)
	if _, err := m.SetBrkTo(base + 0x3000); err != nil {
		t.Fatalf("grow brk: %v", err)
	}
	if !m.Writable(base) {
		t.Fatalf("expected brk-backed page writable")
	}
	if _, err := m.SetBrkTo(base); err != nil {
		t.Fatalf("shrink brk: %v", err)
	}
	if m.Lookup(base) != nil {
		t.Fatalf("expected brk page freed after shrink")
	}
}
