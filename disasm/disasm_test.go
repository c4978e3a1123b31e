package disasm

import (
	"testing"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
)

func newTestMachine(t *testing.T, code []byte) *machine.Machine {
	t.Helper()
	sys := machine.NewSystem(1 << 20)
	m := machine.NewMachine(sys, 1)
	const base = 0x401000
	if err := sys.Arena.Reserve(base, 4096, mmu.Prot{Read: true, Write: true, Exec: true}, true); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n := sys.Arena.CopyToGuest(base, code); n != len(code) {
		t.Fatalf("CopyToGuest copied %d, want %d", n, len(code))
	}
	m.RIP = base
	return m
}

func TestLineNoOperand(t *testing.T) {
	m := newTestMachine(t, []byte{0x90}) // nop
	text, err := Line(m, m.RIP)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if text != "nop" {
		t.Fatalf("Line = %q, want %q", text, "nop")
	}
}

func TestLineMovImmediate(t *testing.T) {
	m := newTestMachine(t, []byte{0xB8, 0x2a, 0x00, 0x00, 0x00}) // mov eax, 0x2a
	text, err := Line(m, m.RIP)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if text != "mov    $0x2a,%eax" {
		t.Fatalf("Line = %q", text)
	}
	n, err := Len(m, m.RIP)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 5 {
		t.Fatalf("Len = %d, want 5", n)
	}
}

func TestLineUndefinedFallsBackToRawBytes(t *testing.T) {
	m := newTestMachine(t, []byte{0x0f, 0xff}) // not in twoByteOps
	text, err := Line(m, m.RIP)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if text == "" {
		t.Fatalf("expected a raw-byte fallback rendering, got empty string")
	}
}

func TestLineUnmappedAddress(t *testing.T) {
	m := newTestMachine(t, []byte{0x90})
	if _, err := Line(m, 0xdeadbeef); err == nil {
		t.Fatalf("expected an error decoding an unmapped address")
	}
}

// TestLineByteRegisterOperandLongMode is the long-mode half of spec.md
// §8 scenario 6: 8a 1e 0c 32 is "mov bl, [rsi]" — the Gb operand must
// render as the 8-bit %bl, not the 32-bit %ebx a size-4 promotion
// would produce.
func TestLineByteRegisterOperandLongMode(t *testing.T) {
	m := newTestMachine(t, []byte{0x8a, 0x1e, 0x0c, 0x32})
	text, err := Line(m, m.RIP)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if want := "mov    (%rsi),%bl"; text != want {
		t.Fatalf("Line = %q, want %q", text, want)
	}
}

// TestLineByteRegisterOperandRealModeDirectAddress is the real-mode
// half of the same scenario: the identical bytes decode as a direct
// disp16 address with no base register, still against the 8-bit %bl.
func TestLineByteRegisterOperandRealModeDirectAddress(t *testing.T) {
	m := newTestMachine(t, []byte{0x8a, 0x1e, 0x0c, 0x32})
	m.Mode = decoder.ModeReal
	text, err := Line(m, m.RIP)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if want := "mov    0x320c,%bl"; text != want {
		t.Fatalf("Line = %q, want %q", text, want)
	}
}

func TestRegNameByteSizeWithAndWithoutRex(t *testing.T) {
	if got := regName(4, 1, false); got != "%ah" {
		t.Fatalf("regName(4,1,false) = %q, want %%ah", got)
	}
	if got := regName(4, 1, true); got != "%spl" {
		t.Fatalf("regName(4,1,true) = %q, want %%spl", got)
	}
	if got := regName(3, 1, false); got != "%bl" {
		t.Fatalf("regName(3,1,false) = %q, want %%bl", got)
	}
	if got := regName(9, 1, true); got != "%r9b" {
		t.Fatalf("regName(9,1,true) = %q, want %%r9b", got)
	}
}
