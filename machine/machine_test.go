package machine

import "testing"

func TestSubRegisterViews(t *testing.T) {
	m := NewMachine(NewSystem(1<<20), 1)
	m.SetReg64(RAX, 0x1122334455667788)
	if got := m.Reg32(RAX); got != 0x55667788 {
		t.Fatalf("Reg32 = %#x, want 0x55667788", got)
	}
	if got := m.Reg16(RAX); got != 0x7788 {
		t.Fatalf("Reg16 = %#x, want 0x7788", got)
	}
	if got := m.Reg8(RAX, false); got != 0x88 {
		t.Fatalf("Reg8(low) = %#x, want 0x88", got)
	}
	if got := m.Reg8(RAX, true); got != 0x77 {
		t.Fatalf("Reg8(high) = %#x, want 0x77", got)
	}
}

func TestSetReg32ZeroExtends(t *testing.T) {
	m := NewMachine(NewSystem(1<<20), 1)
	m.SetReg64(RBX, 0xffffffffffffffff)
	m.SetReg32(RBX, 0x1)
	if m.Reg64(RBX) != 1 {
		t.Fatalf("expected 32-bit write to zero-extend, got %#x", m.Reg64(RBX))
	}
}

func TestSetReg8HighByteOnlyForLegacyRegs(t *testing.T) {
	m := NewMachine(NewSystem(1<<20), 1)
	m.SetReg64(RSI, 0xff)
	m.SetReg8(RSI, true, 0xAB) // RSI has no AH-style high-byte form
	if m.Reg64(RSI) != 0xAB {
		t.Fatalf("expected the low byte written and bits 8-15 untouched for a non-legacy register, got RSI=%#x", m.Reg64(RSI))
	}
}

func TestFlags(t *testing.T) {
	m := NewMachine(NewSystem(1<<20), 1)
	m.SetFlag(FlagZF, true)
	if !m.Flag(FlagZF) {
		t.Fatalf("expected ZF set")
	}
	m.SetFlag(FlagZF, false)
	if m.Flag(FlagZF) {
		t.Fatalf("expected ZF cleared")
	}
}

func TestSystemHistogram(t *testing.T) {
	sys := NewSystem(1 << 20)
	sys.RecordFetch(0x400000)
	sys.RecordFetch(0x400000)
	if sys.Hist[(uint64(0x400000)>>20)&63] != 2 {
		t.Fatalf("expected histogram bucket to count two fetches")
	}
}
