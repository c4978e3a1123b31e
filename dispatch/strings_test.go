package dispatch

import (
	"bytes"
	"testing"

	"github.com/blinkvm/blink/machine"
)

const strBuf = 0x400800 // scratch area inside the page newTestMachine maps

func TestRepStosbFills(t *testing.T) {
	code := []byte{0xF3, 0xAA} // rep stosb
	m := newTestMachine(t, code)
	d := New()

	m.SetReg64(machine.RAX, 'A')
	m.SetReg64(machine.RDI, strBuf)
	m.SetReg64(machine.RCX, 5)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	got := make([]byte, 5)
	m.Sys.Arena.CopyFromGuest(got, strBuf)
	if !bytes.Equal(got, []byte("AAAAA")) {
		t.Fatalf("buffer = %q, want AAAAA", got)
	}
	if m.Reg64(machine.RCX) != 0 {
		t.Fatalf("RCX = %d, want 0", m.Reg64(machine.RCX))
	}
	if m.Reg64(machine.RDI) != strBuf+5 {
		t.Fatalf("RDI = %#x, want %#x", m.Reg64(machine.RDI), strBuf+5)
	}
	if m.RIP != 0x400000+2 {
		t.Fatalf("RIP = %#x, want past the rep stosb", m.RIP)
	}
}

func TestMovsbCopiesOneByte(t *testing.T) {
	code := []byte{0xA4} // movsb
	m := newTestMachine(t, code)
	d := New()

	m.Sys.Arena.CopyToGuest(strBuf, []byte{0x5A})
	m.SetReg64(machine.RSI, strBuf)
	m.SetReg64(machine.RDI, strBuf+0x40)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	got := make([]byte, 1)
	m.Sys.Arena.CopyFromGuest(got, strBuf+0x40)
	if got[0] != 0x5A {
		t.Fatalf("dest byte = %#x, want 0x5a", got[0])
	}
	if m.Reg64(machine.RSI) != strBuf+1 || m.Reg64(machine.RDI) != strBuf+0x41 {
		t.Fatalf("RSI/RDI = %#x/%#x, want both advanced by 1",
			m.Reg64(machine.RSI), m.Reg64(machine.RDI))
	}
}

func TestRepneScasbFindsByte(t *testing.T) {
	code := []byte{0xF2, 0xAE} // repne scasb
	m := newTestMachine(t, code)
	d := New()

	m.Sys.Arena.CopyToGuest(strBuf, []byte("abcXefgh"))
	m.SetReg64(machine.RAX, 'X')
	m.SetReg64(machine.RDI, strBuf)
	m.SetReg64(machine.RCX, 8)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	// Four iterations consumed (a, b, c, X); the match sets ZF and stops.
	if m.Reg64(machine.RCX) != 4 {
		t.Fatalf("RCX = %d, want 4", m.Reg64(machine.RCX))
	}
	if m.Reg64(machine.RDI) != strBuf+4 {
		t.Fatalf("RDI = %#x, want %#x (one past the match)", m.Reg64(machine.RDI), strBuf+4)
	}
	if !m.Flag(machine.FlagZF) {
		t.Fatalf("expected ZF set on the matching byte")
	}
}

func TestStosbHonorsDirectionFlag(t *testing.T) {
	code := []byte{0xAA} // stosb
	m := newTestMachine(t, code)
	d := New()

	m.SetFlag(machine.FlagDF, true)
	m.SetReg64(machine.RAX, 0x77)
	m.SetReg64(machine.RDI, strBuf+8)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if m.Reg64(machine.RDI) != strBuf+7 {
		t.Fatalf("RDI = %#x, want decremented to %#x", m.Reg64(machine.RDI), strBuf+7)
	}
}

func TestRepCmpsbEqualRunsOut(t *testing.T) {
	code := []byte{0xF3, 0xA6} // repe cmpsb
	m := newTestMachine(t, code)
	d := New()

	m.Sys.Arena.CopyToGuest(strBuf, []byte("same"))
	m.Sys.Arena.CopyToGuest(strBuf+0x40, []byte("same"))
	m.SetReg64(machine.RSI, strBuf)
	m.SetReg64(machine.RDI, strBuf+0x40)
	m.SetReg64(machine.RCX, 4)

	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if m.Reg64(machine.RCX) != 0 {
		t.Fatalf("RCX = %d, want 0 (all bytes equal)", m.Reg64(machine.RCX))
	}
	if !m.Flag(machine.FlagZF) {
		t.Fatalf("expected ZF set after comparing equal strings")
	}
}

func TestRepInterruptedByAttentionRestarts(t *testing.T) {
	code := []byte{0xF3, 0xAA} // rep stosb
	m := newTestMachine(t, code)
	d := New()

	m.SetReg64(machine.RAX, 'B')
	m.SetReg64(machine.RDI, strBuf)
	m.SetReg64(machine.RCX, 100)
	m.Pending |= 1 << uint(machine.SIGALRM)
	m.Attention.Store(true)

	tr := d.Step(m)
	if tr.Kind != machine.TrapSignal {
		t.Fatalf("expected the pending signal to surface, got %+v", tr)
	}
	// The loop stopped with count remaining and RIP still on the rep
	// stosb, so the instruction resumes after delivery.
	if m.Reg64(machine.RCX) == 100 || m.Reg64(machine.RCX) == 0 {
		t.Fatalf("RCX = %d, want partially consumed", m.Reg64(machine.RCX))
	}
	if m.RIP != 0x400000 {
		t.Fatalf("RIP = %#x, want still on the interrupted instruction", m.RIP)
	}
}
