package dispatch

import (
	"math"
	"testing"

	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
)

func TestX87PushPopRing(t *testing.T) {
	m := newTestMachine(t, []byte{0x90})

	if tr := fpuPush(m, 1.5); tr.Kind != machine.TrapNone {
		t.Fatalf("push: %+v", tr)
	}
	if tr := fpuPush(m, 2.5); tr.Kind != machine.TrapNone {
		t.Fatalf("push: %+v", tr)
	}
	if m.FPU.Top != 6 {
		t.Fatalf("Top = %d, want 6 after two pushes", m.FPU.Top)
	}
	if got := (m.FPU.Status >> 11) & 7; got != 6 {
		t.Fatalf("status-word top field = %d, want 6", got)
	}

	v, tr := fpuPop(m)
	if tr.Kind != machine.TrapNone || v != 2.5 {
		t.Fatalf("pop = %v/%+v, want 2.5", v, tr)
	}
	v, tr = fpuPop(m)
	if tr.Kind != machine.TrapNone || v != 1.5 {
		t.Fatalf("pop = %v/%+v, want 1.5", v, tr)
	}
	if m.FPU.Tag != 0xffff {
		t.Fatalf("tag word = %#x, want all-empty after draining", m.FPU.Tag)
	}
}

func TestX87TagTracksValueClass(t *testing.T) {
	m := newTestMachine(t, []byte{0x90})

	fpuPush(m, 0)
	if tag := x87Tag(&m.FPU, int(m.FPU.Top)); tag != tagZero {
		t.Fatalf("tag of 0.0 = %d, want zero", tag)
	}
	fpuPush(m, math.Inf(1))
	if tag := x87Tag(&m.FPU, int(m.FPU.Top)); tag != tagSpecial {
		t.Fatalf("tag of +Inf = %d, want special", tag)
	}
	fpuPush(m, 3.25)
	if tag := x87Tag(&m.FPU, int(m.FPU.Top)); tag != tagValid {
		t.Fatalf("tag of 3.25 = %d, want valid", tag)
	}
}

func TestX87StackOverflowSetsC1AndIE(t *testing.T) {
	m := newTestMachine(t, []byte{0x90})

	for i := 0; i < 8; i++ {
		if tr := fpuPush(m, float64(i)); tr.Kind != machine.TrapNone {
			t.Fatalf("push %d: %+v", i, tr)
		}
	}
	// Ninth push overflows. IE is masked by the FNINIT control word, so
	// no trap fires, but the status word records the fault.
	if tr := fpuPush(m, 99); tr.Kind != machine.TrapNone {
		t.Fatalf("masked overflow should not trap, got %+v", tr)
	}
	if m.FPU.Status&x87SWIE == 0 {
		t.Fatalf("expected IE set in status word")
	}
	if m.FPU.Status&x87SWC1 == 0 {
		t.Fatalf("expected C1 set for stack overflow")
	}
}

func TestX87UnmaskedOverflowRaisesSIGFPE(t *testing.T) {
	m := newTestMachine(t, []byte{0x90})
	m.FPU.Control &^= x87CWIM // unmask invalid-operation

	for i := 0; i < 8; i++ {
		fpuPush(m, float64(i))
	}
	tr := fpuPush(m, 99)
	if tr.Kind != machine.TrapSignal || tr.Signal != machine.SIGFPE {
		t.Fatalf("expected SIGFPE on unmasked overflow, got %+v", tr)
	}
}

func TestFld1FldzFaddp(t *testing.T) {
	code := []byte{
		0xD9, 0xE8, // fld1
		0xD9, 0xEE, // fldz
		0xDE, 0xC1, // faddp st(1),st(0)
	}
	m := newTestMachine(t, code)
	d := New()
	for i := 0; i < 3; i++ {
		if tr := d.Step(m); tr.Kind != machine.TrapNone {
			t.Fatalf("step %d: unexpected trap %+v", i, tr)
		}
	}
	if m.FPU.Top != 7 {
		t.Fatalf("Top = %d, want 7 (one value left)", m.FPU.Top)
	}
	if got := m.FPU.ST[m.FPU.Top]; got != 1.0 {
		t.Fatalf("st(0) = %v, want 1.0", got)
	}
}

func TestFxchSwapsTopTwo(t *testing.T) {
	code := []byte{
		0xD9, 0xE8, // fld1
		0xD9, 0xEE, // fldz
		0xD9, 0xC9, // fxch st(1)
	}
	m := newTestMachine(t, code)
	d := New()
	for i := 0; i < 3; i++ {
		if tr := d.Step(m); tr.Kind != machine.TrapNone {
			t.Fatalf("step %d: unexpected trap %+v", i, tr)
		}
	}
	if got := m.FPU.ST[m.FPU.Top]; got != 1.0 {
		t.Fatalf("st(0) = %v, want 1.0 after fxch", got)
	}
}

func TestFldFstpMemoryRoundTrip(t *testing.T) {
	code := []byte{
		0xDD, 0x06, // fld qword [rsi]
		0xDD, 0x1F, // fstp qword [rdi]
	}
	m := newTestMachine(t, code)
	d := New()

	src := make([]byte, 8)
	endian.Store64(src, 0, math.Float64bits(6.75))
	m.Sys.Arena.CopyToGuest(strBuf, src)
	m.SetReg64(machine.RSI, strBuf)
	m.SetReg64(machine.RDI, strBuf+0x40)

	for i := 0; i < 2; i++ {
		if tr := d.Step(m); tr.Kind != machine.TrapNone {
			t.Fatalf("step %d: unexpected trap %+v", i, tr)
		}
	}
	out := make([]byte, 8)
	m.Sys.Arena.CopyFromGuest(out, strBuf+0x40)
	if got := math.Float64frombits(endian.Load64(out, 0)); got != 6.75 {
		t.Fatalf("stored value = %v, want 6.75", got)
	}
	if m.FPU.Tag != 0xffff {
		t.Fatalf("tag word = %#x, want all-empty after fstp", m.FPU.Tag)
	}
}

func TestFnstswAX(t *testing.T) {
	code := []byte{0xDF, 0xE0} // fnstsw %ax
	m := newTestMachine(t, code)
	d := New()
	m.FPU.Status = 0x3841
	if tr := d.Step(m); tr.Kind != machine.TrapNone {
		t.Fatalf("unexpected trap %+v", tr)
	}
	if m.Reg16(machine.RAX) != 0x3841 {
		t.Fatalf("AX = %#x, want the status word", m.Reg16(machine.RAX))
	}
}
