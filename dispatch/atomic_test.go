package dispatch

import (
	"testing"

	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
)

func putGuest32(t *testing.T, m *machine.Machine, addr uint64, v uint32) {
	t.Helper()
	buf := make([]byte, 4)
	endian.Store32(buf, 0, v)
	if n := m.Sys.Arena.CopyToGuest(addr, buf); n != 4 {
		t.Fatalf("seed guest word at %#x", addr)
	}
}

func getGuest32(t *testing.T, m *machine.Machine, addr uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != 4 {
		t.Fatalf("read guest word at %#x", addr)
	}
	return endian.Load32(buf, 0)
}

func TestCmpxchgMatchStores(t *testing.T) {
	code := []byte{0xF0, 0x0F, 0xB1, 0x0E} // lock cmpxchg [rsi], ecx
	m := newTestMachine(t, code)
	d := New()

	putGuest32(t, m, strBuf, 5)
	m.SetReg64(machine.RAX, 5)
	m.SetReg64(machine.RCX, 9)
	m.SetReg64(machine.RSI, strBuf)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if got := getGuest32(t, m, strBuf); got != 9 {
		t.Fatalf("memory = %d, want 9 after successful cmpxchg", got)
	}
	if !m.Flag(machine.FlagZF) {
		t.Fatalf("expected ZF set on match")
	}
	if m.Reg32(machine.RAX) != 5 {
		t.Fatalf("RAX = %d, want untouched accumulator on match", m.Reg32(machine.RAX))
	}
}

func TestCmpxchgMismatchLoadsAccumulator(t *testing.T) {
	code := []byte{0xF0, 0x0F, 0xB1, 0x0E} // lock cmpxchg [rsi], ecx
	m := newTestMachine(t, code)
	d := New()

	putGuest32(t, m, strBuf, 7)
	m.SetReg64(machine.RAX, 5)
	m.SetReg64(machine.RCX, 9)
	m.SetReg64(machine.RSI, strBuf)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if got := getGuest32(t, m, strBuf); got != 7 {
		t.Fatalf("memory = %d, want unchanged on mismatch", got)
	}
	if m.Flag(machine.FlagZF) {
		t.Fatalf("expected ZF clear on mismatch")
	}
	if m.Reg32(machine.RAX) != 7 {
		t.Fatalf("RAX = %d, want loaded with the observed value", m.Reg32(machine.RAX))
	}
}

func TestXaddExchangesAndAdds(t *testing.T) {
	code := []byte{0xF0, 0x0F, 0xC1, 0x06} // lock xadd [rsi], eax
	m := newTestMachine(t, code)
	d := New()

	putGuest32(t, m, strBuf, 10)
	m.SetReg64(machine.RAX, 3)
	m.SetReg64(machine.RSI, strBuf)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if got := getGuest32(t, m, strBuf); got != 13 {
		t.Fatalf("memory = %d, want 13", got)
	}
	if m.Reg32(machine.RAX) != 10 {
		t.Fatalf("RAX = %d, want the old memory value", m.Reg32(machine.RAX))
	}
}

func TestLockAddMemory(t *testing.T) {
	code := []byte{0xF0, 0x83, 0x06, 0x01} // lock add dword [rsi], 1
	m := newTestMachine(t, code)
	d := New()

	putGuest32(t, m, strBuf, 0xffffffff)
	m.SetReg64(machine.RSI, strBuf)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if got := getGuest32(t, m, strBuf); got != 0 {
		t.Fatalf("memory = %d, want wrapped to 0", got)
	}
	if !m.Flag(machine.FlagZF) || !m.Flag(machine.FlagCF) {
		t.Fatalf("expected ZF and CF after 0xffffffff + 1")
	}
}

func TestXchgMemorySwaps(t *testing.T) {
	code := []byte{0x87, 0x06} // xchg [rsi], eax (implicitly locked)
	m := newTestMachine(t, code)
	d := New()

	putGuest32(t, m, strBuf, 0x1111)
	m.SetReg64(machine.RAX, 0x2222)
	m.SetReg64(machine.RSI, strBuf)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if got := getGuest32(t, m, strBuf); got != 0x2222 {
		t.Fatalf("memory = %#x, want 0x2222", got)
	}
	if m.Reg32(machine.RAX) != 0x1111 {
		t.Fatalf("RAX = %#x, want 0x1111", m.Reg32(machine.RAX))
	}
}

func TestMisalignedLockedAccessFaults(t *testing.T) {
	code := []byte{0xF0, 0x83, 0x06, 0x01} // lock add dword [rsi], 1
	m := newTestMachine(t, code)
	d := New()

	m.SetReg64(machine.RSI, strBuf+1)

	tr := d.Step(m)
	if tr.Kind != machine.TrapSignal || tr.Signal != machine.SIGSEGV {
		t.Fatalf("expected SIGSEGV for misaligned locked access, got %+v", tr)
	}
	if tr.Addr != strBuf+1 {
		t.Fatalf("faulting address = %#x, want %#x", tr.Addr, strBuf+1)
	}
}
