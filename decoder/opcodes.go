package decoder

// immClass is the symbolic immediate-size class an opcode table entry
// carries; resolveImmSize turns it into a concrete byte count once the
// instruction's effective operand size is known.
type immClass int

const (
	immNone immClass = iota
	imm8
	imm16
	imm32
	imm64
	immZ // 16 if operand size is 2, else 32
	immV // equals operand size
)

// opcodeInfo is one row of the length-decoder's opcode table: just
// enough to know how many more bytes the instruction consumes, never
// what it means semantically (that is dispatch's job).
type opcodeInfo struct {
	hasModRM     bool
	immSize      immClass
	forceOpSize8 bool // the opcode always operates on a byte regardless of prefixes/REX.W
}

// oneByteTable and the escape-map tables below are deliberately a flat
// const-like data block, the same shape as the teacher's opcode map:
// one row per opcode, extended by adding rows rather than branches.
var oneByteTable = buildOneByteTable()
var twoByteTable = buildTwoByteTable()

func buildOneByteTable() map[byte]opcodeInfo {
	t := make(map[byte]opcodeInfo, 256)

	// ADD/OR/ADC/SBB/AND/SUB/XOR/CMP: Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev /
	// AL,Ib / rAX,Iz, for each of the 8 groups at base+0x00.
	for _, base := range []byte{0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38} {
		t[base+0x00] = opcodeInfo{hasModRM: true, forceOpSize8: true}
		t[base+0x01] = opcodeInfo{hasModRM: true}
		t[base+0x02] = opcodeInfo{hasModRM: true, forceOpSize8: true}
		t[base+0x03] = opcodeInfo{hasModRM: true}
		t[base+0x04] = opcodeInfo{immSize: imm8, forceOpSize8: true}
		t[base+0x05] = opcodeInfo{immSize: immZ}
	}

	// PUSH/POP rXX (0x50-0x5F): register encoded in the opcode byte,
	// no ModRM.
	for i := byte(0); i < 8; i++ {
		t[0x50+i] = opcodeInfo{}
		t[0x58+i] = opcodeInfo{}
	}

	// MOV r8, imm8 / MOV rXX, imm(z/v) (0xB0-0xBF).
	for i := byte(0); i < 8; i++ {
		t[0xB0+i] = opcodeInfo{immSize: imm8, forceOpSize8: true}
		t[0xB8+i] = opcodeInfo{immSize: immV}
	}

	// INC/DEC rXX (0x40-0x47 are REX in long mode; kept for legacy/real
	// decode only — Decode() never reaches here in long mode because
	// those bytes are consumed as REX first).
	for i := byte(0); i < 8; i++ {
		t[0x40+i] = opcodeInfo{}
		t[0x48+i] = opcodeInfo{}
	}

	t[0x68] = opcodeInfo{immSize: immZ}       // PUSH Iz
	t[0x6A] = opcodeInfo{immSize: imm8}       // PUSH Ib

	t[0x69] = opcodeInfo{hasModRM: true, immSize: immZ} // IMUL Gv,Ev,Iz
	t[0x6B] = opcodeInfo{hasModRM: true, immSize: imm8} // IMUL Gv,Ev,Ib

	// Jcc rel8 (0x70-0x7F).
	for i := byte(0); i < 16; i++ {
		t[0x70+i] = opcodeInfo{immSize: imm8}
	}

	t[0x80] = opcodeInfo{hasModRM: true, immSize: imm8, forceOpSize8: true} // group1 Eb,Ib
	t[0x81] = opcodeInfo{hasModRM: true, immSize: immZ}                     // group1 Ev,Iz
	t[0x83] = opcodeInfo{hasModRM: true, immSize: imm8}                     // group1 Ev,Ib

	t[0x84] = opcodeInfo{hasModRM: true, forceOpSize8: true} // TEST Eb,Gb
	t[0x85] = opcodeInfo{hasModRM: true}                      // TEST Ev,Gv
	t[0x86] = opcodeInfo{hasModRM: true, forceOpSize8: true}  // XCHG Eb,Gb
	t[0x87] = opcodeInfo{hasModRM: true}                      // XCHG Ev,Gv
	t[0x88] = opcodeInfo{hasModRM: true, forceOpSize8: true}  // MOV Eb,Gb
	t[0x89] = opcodeInfo{hasModRM: true}                      // MOV Ev,Gv
	t[0x8A] = opcodeInfo{hasModRM: true, forceOpSize8: true}  // MOV Gb,Eb
	t[0x8B] = opcodeInfo{hasModRM: true}                      // MOV Gv,Ev
	t[0x8D] = opcodeInfo{hasModRM: true}                      // LEA Gv,M
	t[0x8F] = opcodeInfo{hasModRM: true}                      // POP Ev (group 1A)

	t[0x90] = opcodeInfo{} // NOP / XCHG eAX,eAX
	t[0x98] = opcodeInfo{} // CBW/CWDE/CDQE
	t[0x99] = opcodeInfo{} // CWD/CDQ/CQO
	t[0x9C] = opcodeInfo{} // PUSHF
	t[0x9D] = opcodeInfo{} // POPF

	// String ops (MOVS/CMPS/STOS/LODS/SCAS): no ModRM, no immediate;
	// the REP/REPE/REPNE loop lives in the dispatcher (spec §4.5).
	t[0xA4] = opcodeInfo{forceOpSize8: true} // MOVSB
	t[0xA5] = opcodeInfo{}                   // MOVSW/D/Q
	t[0xA6] = opcodeInfo{forceOpSize8: true} // CMPSB
	t[0xA7] = opcodeInfo{}                   // CMPSW/D/Q
	t[0xAA] = opcodeInfo{forceOpSize8: true} // STOSB
	t[0xAB] = opcodeInfo{}                   // STOSW/D/Q
	t[0xAC] = opcodeInfo{forceOpSize8: true} // LODSB
	t[0xAD] = opcodeInfo{}                   // LODSW/D/Q
	t[0xAE] = opcodeInfo{forceOpSize8: true} // SCASB
	t[0xAF] = opcodeInfo{}                   // SCASW/D/Q

	t[0xA8] = opcodeInfo{immSize: imm8, forceOpSize8: true} // TEST AL,Ib
	t[0xA9] = opcodeInfo{immSize: immZ}                     // TEST eAX,Iz

	t[0xC2] = opcodeInfo{immSize: imm16} // RET Iw (near)
	t[0xC3] = opcodeInfo{}               // RET
	t[0xC6] = opcodeInfo{hasModRM: true, immSize: imm8, forceOpSize8: true} // MOV Eb,Ib (group 11)
	t[0xC7] = opcodeInfo{hasModRM: true, immSize: immZ}                    // MOV Ev,Iz (group 11)
	t[0xC9] = opcodeInfo{}                                                 // LEAVE
	t[0xCB] = opcodeInfo{}                                                 // RETF
	t[0xCC] = opcodeInfo{}                                                 // INT3
	t[0xCD] = opcodeInfo{immSize: imm8} // INT Ib
	t[0xCE] = opcodeInfo{}              // INTO
	t[0xCF] = opcodeInfo{}              // IRET

	t[0xD0] = opcodeInfo{hasModRM: true, forceOpSize8: true} // group2 Eb,1
	t[0xD1] = opcodeInfo{hasModRM: true}                     // group2 Ev,1
	t[0xD2] = opcodeInfo{hasModRM: true, forceOpSize8: true} // group2 Eb,CL
	t[0xD3] = opcodeInfo{hasModRM: true}                     // group2 Ev,CL

	// x87 escape bytes: the ModRM byte doubles as the FPU sub-opcode
	// (mod=11 selects the register form, /reg selects the operation).
	for i := byte(0); i < 8; i++ {
		t[0xD8+i] = opcodeInfo{hasModRM: true}
	}

	t[0xE8] = opcodeInfo{immSize: immZ} // CALL rel32/16
	t[0xE9] = opcodeInfo{immSize: immZ} // JMP rel32/16
	t[0xEB] = opcodeInfo{immSize: imm8} // JMP rel8

	t[0xF1] = opcodeInfo{} // ICEBP/INT1
	t[0xF4] = opcodeInfo{} // HLT

	t[0xF6] = opcodeInfo{hasModRM: true, forceOpSize8: true} // group3 Eb (immediate only for /0,/1, handled loosely)
	t[0xF7] = opcodeInfo{hasModRM: true}                      // group3 Ev
	t[0xFE] = opcodeInfo{hasModRM: true, forceOpSize8: true}  // INC/DEC Eb (group 4)
	t[0xFF] = opcodeInfo{hasModRM: true}                      // INC/DEC/CALL/JMP/PUSH Ev (group 5)

	return t
}

func buildTwoByteTable() map[byte]opcodeInfo {
	t := make(map[byte]opcodeInfo, 256)

	t[0x05] = opcodeInfo{} // SYSCALL
	t[0x06] = opcodeInfo{} // CLTS
	t[0x07] = opcodeInfo{} // SYSRET
	t[0x0B] = opcodeInfo{} // UD2
	t[0x1E] = opcodeInfo{hasModRM: true} // NOP / ENDBR variants (ModRM-form NOP Ev)
	t[0x1F] = opcodeInfo{hasModRM: true} // multi-byte NOP Ev

	t[0x31] = opcodeInfo{} // RDTSC

	// Jcc rel32/16 (0F 80-0F 8F).
	for i := byte(0); i < 16; i++ {
		t[0x80+i] = opcodeInfo{immSize: immZ}
	}
	// SETcc Eb (0F 90-0F 9F).
	for i := byte(0); i < 16; i++ {
		t[0x90+i] = opcodeInfo{hasModRM: true, forceOpSize8: true}
	}

	t[0xA2] = opcodeInfo{} // CPUID
	t[0xA3] = opcodeInfo{hasModRM: true} // BT Ev,Gv
	t[0xAF] = opcodeInfo{hasModRM: true} // IMUL Gv,Ev

	t[0xB0] = opcodeInfo{hasModRM: true, forceOpSize8: true} // CMPXCHG Eb,Gb
	t[0xB1] = opcodeInfo{hasModRM: true}                     // CMPXCHG Ev,Gv

	t[0xB6] = opcodeInfo{hasModRM: true} // MOVZX Gv,Eb
	t[0xB7] = opcodeInfo{hasModRM: true} // MOVZX Gv,Ew
	t[0xBE] = opcodeInfo{hasModRM: true} // MOVSX Gv,Eb
	t[0xBF] = opcodeInfo{hasModRM: true} // MOVSX Gv,Ew

	t[0xC0] = opcodeInfo{hasModRM: true, forceOpSize8: true} // XADD Eb,Gb
	t[0xC1] = opcodeInfo{hasModRM: true}                      // XADD Ev,Gv

	return t
}

func lookupOpcodeInfo(m OpcodeMap, op byte) (opcodeInfo, bool) {
	switch m {
	case MapOneByte:
		info, ok := oneByteTable[op]
		return info, ok
	case Map0F:
		info, ok := twoByteTable[op]
		return info, ok
	case Map0F38, Map0F3A:
		// Only SSE/AVX-era opcodes live in these maps; Blink's scope
		// (spec.md Non-goals) never executes them, but the decoder
		// still needs to measure their length so it can step over one
		// inside a larger guest program without faulting the fetch.
		// Every row in these two maps takes a ModRM byte and no
		// immediate, which covers the common SSSE3/SSE4 forms.
		return opcodeInfo{hasModRM: true}, true
	}
	return opcodeInfo{}, false
}
