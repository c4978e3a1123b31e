// Package decoder implements the x86 instruction length decoder
// described in spec.md §4.4: it turns up to 15 bytes at the current
// guest instruction pointer into an immutable Instruction record,
// without ever advancing the instruction pointer itself (that is the
// dispatcher's job, spec.md §3 invariant (c)).
package decoder

import (
	"errors"
	"fmt"
)

// Mode is the CPU operating mode the decoder is asked to decode in.
type Mode int

const (
	ModeLong   Mode = iota // 64-bit long mode
	ModeLegacy             // 32-bit protected/compatibility mode
	ModeReal               // 16-bit real mode
)

// OpcodeMap distinguishes the one-byte opcode space from the 0F
// two-byte and 0F 38 / 0F 3A three-byte escape maps.
type OpcodeMap int

const (
	MapOneByte OpcodeMap = iota
	Map0F
	Map0F38
	Map0F3A
)

// Seg identifies a segment-override prefix.
type Seg int

const (
	SegNone Seg = iota
	SegES
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// ErrInvalidEncoding is returned for a byte sequence matching no known
// opcode form.
var ErrInvalidEncoding = errors.New("decoder: invalid encoding")

// ErrBufferTooShort is returned when fewer than 15 bytes are available
// and the decoder needs more to finish (spec.md §4.4 (a): no valid
// instruction is ever longer than 15 bytes, so the decoder never asks
// for a 16th).
var ErrBufferTooShort = errors.New("decoder: buffer too short")

// Instruction is the immutable decoded form of one x86 opcode. It is
// owned by the Machine's per-instruction scratch slot and is
// overwritten on each fetch (spec.md §3).
type Instruction struct {
	Raw [15]byte
	Len int

	Mode Mode

	OperandSize int // bytes: 2, 4, or 8
	AddressSize int // bytes: 2, 4, or 8

	PrefixLock   bool
	PrefixRep    bool // 0xF3
	PrefixRepne  bool // 0xF2
	Prefix66     bool
	Prefix67     bool
	SegOverride  Seg
	REXPresent   bool
	REXW, REXR, REXX, REXB bool

	Map    OpcodeMap
	Opcode byte // opcode byte within its map (after any escape bytes)

	HasModRM bool
	ModRM    byte
	Mod      byte
	Reg      byte // register field, already widened by REX.R during decode
	RM       byte

	HasSIB bool
	SIB    byte
	Scale  byte
	Index  byte // 4 == no index ("riz"/"eiz")
	Base   byte

	RMIsReg       bool   // ModRM encodes a register operand, not memory
	IsRIPRelative bool   // long-mode mod=00,rm=101 form
	IsDirectDisp  bool   // real-mode mod=00,rm=110 "disp16 only" form; the 32-bit mod=00,rm=101 disp32 form leaves it false and sets MemBase=-1
	MemBase       int    // decoded base register index, -1 if none
	MemIndex      int    // decoded index register index, -1 if none

	Disp      int64
	DispBytes int

	Imm      uint64
	ImmBytes int

	// RDE is a compact bitmask dispatchers can query without
	// re-parsing ModRM/REX/prefixes, matching the design note's
	// "tagged-variant decoded form" intent.
	RDE uint64
}

// regNum widens a 3-bit register field with a REX/VEX extension bit.
func regNum(field byte, ext bool) byte {
	n := field & 0x7
	if ext {
		n |= 0x8
	}
	return n
}

// Decode parses one instruction from code (the guest bytes starting at
// the current IP; the caller must supply up to 15 bytes, fewer only at
// the tail of a mapped page) in the given mode.
func Decode(code []byte, mode Mode) (Instruction, error) {
	var ins Instruction
	ins.Mode = mode

	if len(code) > 15 {
		code = code[:15]
	}
	pos := 0

	defaultOpSize, defaultAddrSize := 4, 4
	if mode == ModeLong {
		defaultOpSize, defaultAddrSize = 4, 8
	} else if mode == ModeReal {
		defaultOpSize, defaultAddrSize = 2, 2
	}

	// Legacy prefixes: 0x66, 0x67, 0xF0, 0xF2, 0xF3, segment overrides,
	// in any order, without limit other than the 15-byte instruction cap.
	// Redundant repeats of the same prefix do not toggle anything twice
	// (spec §4.4 (b)): booleans, not counters.
prefixLoop:
	for pos < len(code) {
		switch code[pos] {
		case 0x66:
			ins.Prefix66 = true
		case 0x67:
			ins.Prefix67 = true
		case 0xF0:
			ins.PrefixLock = true
		case 0xF2:
			ins.PrefixRepne = true
		case 0xF3:
			ins.PrefixRep = true
		case 0x2E:
			ins.SegOverride = SegCS
		case 0x36:
			ins.SegOverride = SegSS
		case 0x3E:
			ins.SegOverride = SegDS
		case 0x26:
			ins.SegOverride = SegES
		case 0x64:
			ins.SegOverride = SegFS
		case 0x65:
			ins.SegOverride = SegGS
		default:
			break prefixLoop
		}
		pos++
		if pos > 14 {
			return ins, ErrInvalidEncoding
		}
	}

	if ins.Prefix66 {
		if mode == ModeReal {
			defaultOpSize = 4
		} else {
			defaultOpSize = 2
		}
	}
	if ins.Prefix67 {
		if mode == ModeReal {
			defaultAddrSize = 4
		} else if mode == ModeLong {
			defaultAddrSize = 4
		} else {
			defaultAddrSize = 2
		}
	}

	// REX prefix: only recognized in long mode, and only immediately
	// before the opcode (spec §4.4).
	if mode == ModeLong && pos < len(code) && code[pos] >= 0x40 && code[pos] <= 0x4F {
		rex := code[pos]
		ins.REXPresent = true
		ins.REXW = rex&0x8 != 0
		ins.REXR = rex&0x4 != 0
		ins.REXX = rex&0x2 != 0
		ins.REXB = rex&0x1 != 0
		pos++
	}

	if pos >= len(code) {
		return ins, ErrBufferTooShort
	}

	// Opcode, possibly through the 0F / 0F38 / 0F3A escape maps.
	if code[pos] == 0x0F {
		pos++
		if pos >= len(code) {
			return ins, ErrBufferTooShort
		}
		switch code[pos] {
		case 0x38:
			ins.Map = Map0F38
			pos++
		case 0x3A:
			ins.Map = Map0F3A
			pos++
		default:
			ins.Map = Map0F
		}
	} else {
		ins.Map = MapOneByte
	}
	if pos >= len(code) {
		return ins, ErrBufferTooShort
	}
	ins.Opcode = code[pos]
	pos++

	info, ok := lookupOpcodeInfo(ins.Map, ins.Opcode)
	if !ok {
		return ins, fmt.Errorf("%w: map=%d opcode=%#x", ErrInvalidEncoding, ins.Map, ins.Opcode)
	}

	ins.OperandSize = defaultOpSize
	if ins.REXW {
		ins.OperandSize = 8
	}
	if info.forceOpSize8 {
		ins.OperandSize = 1
	}
	ins.AddressSize = defaultAddrSize

	if info.hasModRM {
		if pos >= len(code) {
			return ins, ErrBufferTooShort
		}
		ins.HasModRM = true
		ins.ModRM = code[pos]
		pos++
		ins.Mod = (ins.ModRM >> 6) & 0x3
		regField := (ins.ModRM >> 3) & 0x7
		rmField := ins.ModRM & 0x7
		ins.Reg = regNum(regField, ins.REXR)
		ins.RM = rmField // widened below once we know it's a register

		if ins.Mod == 3 {
			ins.RMIsReg = true
			ins.RM = regNum(rmField, ins.REXB)
		} else {
			var err error
			pos, err = decodeMemoryOperand(&ins, code, pos, rmField)
			if err != nil {
				return ins, err
			}
		}
	}

	immSize := resolveImmSize(info.immSize, ins.OperandSize)
	if immSize > 0 {
		if pos+immSize > len(code) {
			return ins, ErrBufferTooShort
		}
		ins.ImmBytes = immSize
		ins.Imm = readImm(code[pos:pos+immSize], immSize)
		pos += immSize
	}

	if pos > 15 {
		return ins, ErrInvalidEncoding
	}
	ins.Len = pos
	copy(ins.Raw[:], code[:pos])
	ins.RDE = packRDE(&ins)
	return ins, nil
}

// decodeMemoryOperand decodes the ModRM memory-operand forms, including
// the long-mode RIP-relative special case, the SIB byte, and the
// real-mode 16-bit addressing table's own "disp16 only" special case
// (spec §4.4).
func decodeMemoryOperand(ins *Instruction, code []byte, pos int, rmField byte) (int, error) {
	ins.MemBase, ins.MemIndex = -1, -1

	if ins.Mode == ModeReal && ins.AddressSize == 2 {
		return decodeModRM16(ins, code, pos, rmField)
	}

	if rmField == 4 { // SIB byte follows
		if pos >= len(code) {
			return pos, ErrBufferTooShort
		}
		ins.HasSIB = true
		ins.SIB = code[pos]
		pos++
		ins.Scale = (ins.SIB >> 6) & 0x3
		indexField := (ins.SIB >> 3) & 0x7
		baseField := ins.SIB & 0x7

		if indexField == 4 && !ins.REXX {
			ins.Index = 4 // %riz / %eiz: no index
			ins.MemIndex = -1
		} else {
			ins.Index = regNum(indexField, ins.REXX)
			ins.MemIndex = int(ins.Index)
		}

		if baseField == 5 && ins.Mod == 0 {
			// "no base" SIB form: disp32 only.
			ins.MemBase = -1
			return readDisp(ins, code, pos, 4)
		}
		ins.Base = regNum(baseField, ins.REXB)
		ins.MemBase = int(ins.Base)
		return readDispForMod(ins, code, pos)
	}

	if rmField == 5 && ins.Mod == 0 {
		if ins.Mode == ModeLong {
			ins.IsRIPRelative = true
			ins.MemBase = -1
			return readDisp(ins, code, pos, 4)
		}
		// 32-bit legacy mode: mod=00,rm=101 means disp32, no base.
		ins.MemBase = -1
		return readDisp(ins, code, pos, 4)
	}

	ins.Base = regNum(rmField, ins.REXB)
	ins.MemBase = int(ins.Base)
	return readDispForMod(ins, code, pos)
}

func readDispForMod(ins *Instruction, code []byte, pos int) (int, error) {
	switch ins.Mod {
	case 0:
		return pos, nil
	case 1:
		return readDisp(ins, code, pos, 1)
	case 2:
		return readDisp(ins, code, pos, 4)
	default:
		return pos, nil
	}
}

func readDisp(ins *Instruction, code []byte, pos, n int) (int, error) {
	if pos+n > len(code) {
		return pos, ErrBufferTooShort
	}
	ins.DispBytes = n
	switch n {
	case 1:
		ins.Disp = int64(int8(code[pos]))
	case 2:
		ins.Disp = int64(int16(uint16(code[pos]) | uint16(code[pos+1])<<8))
	case 4:
		v := uint32(code[pos]) | uint32(code[pos+1])<<8 | uint32(code[pos+2])<<16 | uint32(code[pos+3])<<24
		ins.Disp = int64(int32(v))
	}
	return pos + n, nil
}

// decodeModRM16 implements the classic 8086 16-bit ModRM table, where
// rm selects a fixed base+index pair rather than a single register,
// and mod=00,rm=110 is the "direct address" disp16-only special case
// (scenario 6 of spec.md §8 depends on exactly this).
func decodeModRM16(ins *Instruction, code []byte, pos int, rmField byte) (int, error) {
	bases := [8][2]int{
		{regBX, regSI}, {regBX, regDI}, {regBP, regSI}, {regBP, regDI},
		{regSI, -1}, {regDI, -1}, {regBP, -1}, {regBX, -1},
	}

	if ins.Mod == 0 && rmField == 6 {
		ins.IsDirectDisp = true
		ins.MemBase, ins.MemIndex = -1, -1
		return readDisp(ins, code, pos, 2)
	}

	pair := bases[rmField]
	ins.MemBase, ins.MemIndex = pair[0], pair[1]

	switch ins.Mod {
	case 0:
		return pos, nil
	case 1:
		return readDisp(ins, code, pos, 1)
	case 2:
		return readDisp(ins, code, pos, 2)
	default:
		return pos, nil
	}
}

// 16-bit addressing-mode register numbers (indices into the same
// register-file numbering the rest of the decoder uses).
const (
	regAX = 0
	regCX = 1
	regDX = 2
	regBX = 3
	regSP = 4
	regBP = 5
	regSI = 6
	regDI = 7
)

func readImm(b []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// resolveImmSize turns the opcode table's symbolic immediate-size class
// into a concrete byte count for the instruction's effective operand
// size.
func resolveImmSize(class immClass, opSize int) int {
	switch class {
	case immNone:
		return 0
	case imm8:
		return 1
	case imm16:
		return 2
	case imm32:
		return 4
	case imm64:
		return 8
	case immZ: // 16 if opSize==2, else 32
		if opSize == 2 {
			return 2
		}
		return 4
	case immV: // equals operand size (imm64 for REX.W B8+r)
		return opSize
	default:
		return 0
	}
}

// packRDE packs a handful of frequently-queried fields into one
// bitmask so dispatch routines can branch without re-inspecting the
// full Instruction struct.
func packRDE(ins *Instruction) uint64 {
	var rde uint64
	rde |= uint64(ins.Opcode)
	rde |= uint64(ins.Map) << 8
	rde |= uint64(ins.Mod) << 10
	rde |= uint64(ins.Reg) << 12
	rde |= uint64(ins.RM) << 16
	if ins.REXW {
		rde |= 1 << 20
	}
	if ins.PrefixRep {
		rde |= 1 << 21
	}
	if ins.PrefixRepne {
		rde |= 1 << 22
	}
	if ins.PrefixLock {
		rde |= 1 << 23
	}
	if ins.RMIsReg {
		rde |= 1 << 24
	}
	return rde
}
