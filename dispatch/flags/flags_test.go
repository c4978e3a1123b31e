package flags

import "testing"

func TestAddCarryNoOverflow(t *testing.T) {
	// 0xff + 1 (8-bit): wraps to 0, CF set, signed -1+1=0 so no OF.
	got := Add(0, 0xff, 1, 1)
	if got&CF == 0 {
		t.Fatalf("Add(0xff,1,w=1): CF not set, rflags=%#x", got)
	}
	if got&OF != 0 {
		t.Fatalf("Add(0xff,1,w=1): OF set, want clear, rflags=%#x", got)
	}
	if got&ZF == 0 {
		t.Fatalf("Add(0xff,1,w=1): ZF not set, rflags=%#x", got)
	}
}

func TestAddSignedOverflow(t *testing.T) {
	// 0x7f + 1 (8-bit): 127+1 overflows a signed byte, no carry out.
	got := Add(0, 0x7f, 1, 1)
	if got&CF != 0 {
		t.Fatalf("Add(0x7f,1,w=1): CF set, want clear, rflags=%#x", got)
	}
	if got&OF == 0 {
		t.Fatalf("Add(0x7f,1,w=1): OF not set, rflags=%#x", got)
	}
	if got&SF == 0 {
		t.Fatalf("Add(0x7f,1,w=1): SF not set, rflags=%#x", got)
	}
}

func TestSubBorrow(t *testing.T) {
	got := Sub(0, 0, 1, 1)
	if got&CF == 0 {
		t.Fatalf("Sub(0,1,w=1): CF (borrow) not set, rflags=%#x", got)
	}
	if got&AF == 0 {
		t.Fatalf("Sub(0,1,w=1): AF not set, rflags=%#x", got)
	}
	if got&ZF != 0 {
		t.Fatalf("Sub(0,1,w=1): ZF set, want clear, rflags=%#x", got)
	}
	if got&SF == 0 {
		t.Fatalf("Sub(0,1,w=1): SF not set, rflags=%#x", got)
	}
}

func TestLogicClearsArithmeticCarryBits(t *testing.T) {
	seed := CF | OF | AF
	got := Logic(seed, 0, 1)
	if got&(CF|OF|AF) != 0 {
		t.Fatalf("Logic did not clear CF/OF/AF, rflags=%#x", got)
	}
	if got&ZF == 0 {
		t.Fatalf("Logic(result=0): ZF not set, rflags=%#x", got)
	}
}

func TestShiftLeftByZeroPreservesFlags(t *testing.T) {
	seed := CF | ZF
	if got := ShiftLeft(seed, 1, 1, 0, 1); got != seed {
		t.Fatalf("ShiftLeft count=0 = %#x, want unchanged %#x", got, seed)
	}
}

func TestShiftLeftSetsCarryAndOverflow(t *testing.T) {
	// 0x80 << 1 (8-bit) = 0x00: the bit shifted out was the MSB (1),
	// and the new MSB (0) differs from CF, so OF is set at count==1.
	got := ShiftLeft(0, 0x80, 0x00, 1, 1)
	if got&CF == 0 {
		t.Fatalf("ShiftLeft(0x80,count=1): CF not set, rflags=%#x", got)
	}
	if got&OF == 0 {
		t.Fatalf("ShiftLeft(0x80,count=1): OF not set, rflags=%#x", got)
	}
	if got&ZF == 0 {
		t.Fatalf("ShiftLeft(0x80,count=1): ZF not set, rflags=%#x", got)
	}
}

func TestShiftRightByZeroPreservesFlags(t *testing.T) {
	seed := CF | SF
	if got := ShiftRight(seed, 1, 1, 0, 1, false); got != seed {
		t.Fatalf("ShiftRight count=0 = %#x, want unchanged %#x", got, seed)
	}
}

func TestShiftRightLogicalSetsCarryNoOverflow(t *testing.T) {
	got := ShiftRight(0, 0x01, 0x00, 1, 1, false)
	if got&CF == 0 {
		t.Fatalf("ShiftRight(0x01,count=1): CF not set, rflags=%#x", got)
	}
	if got&OF != 0 {
		t.Fatalf("ShiftRight(0x01,count=1): OF set, want clear, rflags=%#x", got)
	}
}

func TestShiftRightArithmeticNeverSetsOverflow(t *testing.T) {
	got := ShiftRight(0, 0x81, 0xc0, 1, 1, true)
	if got&OF != 0 {
		t.Fatalf("arithmetic ShiftRight set OF, rflags=%#x", got)
	}
}

func TestIncLeavesCarryUntouched(t *testing.T) {
	seed := CF
	got := Inc(seed, 0xff, 1)
	if got&CF == 0 {
		t.Fatalf("Inc cleared CF, want it left as the caller set it, rflags=%#x", got)
	}
	if got&AF == 0 {
		t.Fatalf("Inc(0xff): AF not set, rflags=%#x", got)
	}
	if got&ZF == 0 {
		t.Fatalf("Inc(0xff): ZF not set (wraps to 0), rflags=%#x", got)
	}
}

func TestDecLeavesCarryUntouchedAndSetsOverflowAtSignBit(t *testing.T) {
	seed := CF
	got := Dec(seed, 0x80, 1)
	if got&CF == 0 {
		t.Fatalf("Dec cleared CF, want it left as the caller set it, rflags=%#x", got)
	}
	if got&OF == 0 {
		t.Fatalf("Dec(0x80): OF not set (128-1 signed overflow), rflags=%#x", got)
	}
	if got&AF == 0 {
		t.Fatalf("Dec(0x80): AF not set, rflags=%#x", got)
	}
}

func TestTest(t *testing.T) {
	if !Test(CF, CF) {
		t.Fatalf("Test(CF,CF) = false, want true")
	}
	if Test(ZF, CF) {
		t.Fatalf("Test(ZF,CF) = true, want false")
	}
}
