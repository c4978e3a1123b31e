package decoder

import "testing"

func TestDecodeMovImmediate(t *testing.T) {
	// mov eax, 0xe7 (b8 e7 00 00 00)
	code := []byte{0xb8, 0xe7, 0x00, 0x00, 0x00}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 5 {
		t.Fatalf("Len = %d, want 5", ins.Len)
	}
	if ins.Imm != 0xe7 {
		t.Fatalf("Imm = %#x, want 0xe7", ins.Imm)
	}
}

func TestDecodeSyscall(t *testing.T) {
	code := []byte{0x0f, 0x05}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 2 || ins.Map != Map0F || ins.Opcode != 0x05 {
		t.Fatalf("unexpected decode: %+v", ins)
	}
}

// TestDecodeRIPRelativeLongMode exercises the long-mode RIP-relative
// ModRM special case.
func TestDecodeRIPRelativeLongMode(t *testing.T) {
	// lea rax, [rip+0x10]: 48 8d 05 10 00 00 00
	code := []byte{0x48, 0x8d, 0x05, 0x10, 0x00, 0x00, 0x00}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ins.IsRIPRelative {
		t.Fatalf("expected IsRIPRelative")
	}
	if ins.Disp != 0x10 {
		t.Fatalf("Disp = %#x, want 0x10", ins.Disp)
	}
	if !ins.REXW || ins.OperandSize != 8 {
		t.Fatalf("expected REX.W 64-bit operand size, got %+v", ins)
	}
}

// TestDecodeSIBNoBase exercises the "mod=00, SIB base=101" no-base
// disp32-only addressing form used by e.g. mov rax, [0].
func TestDecodeSIBNoBase(t *testing.T) {
	// mov rax, [0x0]: 48 8b 04 25 00 00 00 00
	code := []byte{0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 8 {
		t.Fatalf("Len = %d, want 8", ins.Len)
	}
	if ins.MemBase != -1 || ins.MemIndex != -1 {
		t.Fatalf("expected no base/index, got base=%d index=%d", ins.MemBase, ins.MemIndex)
	}
	if ins.Disp != 0 {
		t.Fatalf("Disp = %#x, want 0", ins.Disp)
	}
}

// TestDecodeLongModeMemoryOperand is the long-mode half of spec.md §8
// scenario 6: 8a 1e 0c 32 decodes as "mov bl, [rsi]" with no
// displacement and no SIB byte.
func TestDecodeLongModeMemoryOperand(t *testing.T) {
	code := []byte{0x8a, 0x1e, 0x0c, 0x32}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 2 {
		t.Fatalf("Len = %d, want 2 (disasm consumes only the opcode+ModRM)", ins.Len)
	}
	if ins.MemBase != regSI || ins.MemIndex != -1 {
		t.Fatalf("expected base=RSI, no index; got base=%d index=%d", ins.MemBase, ins.MemIndex)
	}
	if ins.DispBytes != 0 {
		t.Fatalf("expected no displacement, got %d bytes", ins.DispBytes)
	}
	if ins.Reg != 3 {
		t.Fatalf("Reg = %d, want 3 (BL)", ins.Reg)
	}
}

// TestDecodeRealModeDirectAddress is the real-mode half of spec.md §8
// scenario 6: the same bytes decode via the 16-bit ModRM table, where
// mod=00,rm=110 means "disp16 direct address", not "use SI/DI base".
func TestDecodeRealModeDirectAddress(t *testing.T) {
	code := []byte{0x8a, 0x1e, 0x0c, 0x32}
	ins, err := Decode(code, ModeReal)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ins.IsDirectDisp {
		t.Fatalf("expected IsDirectDisp in real mode")
	}
	if ins.MemBase != -1 || ins.MemIndex != -1 {
		t.Fatalf("expected no base/index register, got base=%d index=%d", ins.MemBase, ins.MemIndex)
	}
	if ins.Disp != 0x320c {
		t.Fatalf("Disp = %#x, want 0x320c", ins.Disp)
	}
	if ins.Len != 4 {
		t.Fatalf("Len = %d, want 4", ins.Len)
	}
}

func TestDecodeGroup1ImmByte(t *testing.T) {
	// cmp byte [rax], 0x5: 80 38 05
	code := []byte{0x80, 0x38, 0x05}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 3 || ins.ImmBytes != 1 || ins.Imm != 5 {
		t.Fatalf("unexpected decode: %+v", ins)
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	// mov eax, imm32 missing its immediate bytes.
	code := []byte{0xb8, 0x01}
	if _, err := Decode(code, ModeLong); err != ErrBufferTooShort {
		t.Fatalf("err = %v, want ErrBufferTooShort", err)
	}
}

func TestDecodeInvalidOpcode(t *testing.T) {
	// 0x0F 0xFF is not an assigned two-byte opcode in this table.
	code := []byte{0x0f, 0xff}
	if _, err := Decode(code, ModeLong); err == nil {
		t.Fatalf("expected error for unassigned opcode")
	}
}

func TestDecodePushPopRegisterOpcode(t *testing.T) {
	// push rax ; pop rax
	code := []byte{0x50, 0x58}
	ins, err := Decode(code, ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Len != 1 || ins.Opcode != 0x50 {
		t.Fatalf("unexpected decode: %+v", ins)
	}
	ins2, err := Decode(code[1:], ModeLong)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins2.Len != 1 || ins2.Opcode != 0x58 {
		t.Fatalf("unexpected decode: %+v", ins2)
	}
}
