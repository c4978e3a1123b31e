// Package disasm renders one decoded x86-64 instruction as an AT&T
// syntax text line, grounded on the teacher's
// emu/disassemble/disassemble.go: a map keyed by opcode carrying
// {name, operand-shape}, driving a switch that formats operands,
// with a raw-byte fallback for anything the table does not cover
// (SPEC_FULL.md §6.11).
package disasm

import (
	"fmt"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/machine"
)

// operand shape constants, the same role as the teacher's tyRR/tyRX/...
const (
	shapeNone  = iota
	shapeMR        // ModRM reg, ModRM r/m
	shapeRM        // ModRM r/m, ModRM reg (reverse direction bit already resolved by caller)
	shapeMI        // ModRM r/m, immediate
	shapeM         // ModRM r/m only (e.g. inc/dec/push/pop group)
	shapeR         // single register encoded in the opcode's low 3 bits (not used by ModRM form)
	shapeI         // immediate only (e.g. push imm32)
	shapeRel       // rel8/rel32 branch displacement
	shapeNoOperand
)

type opInfo struct {
	name  string
	shape int
}

// oneByteOps covers the common one-byte-opcode-map instructions a
// userland x86-64 binary actually emits; anything else falls back to
// raw-byte rendering the way the teacher's undefined() does for
// opcodes outside its own table.
var oneByteOps = map[byte]opInfo{
	0x00: {"add", shapeMR}, 0x01: {"add", shapeMR}, 0x02: {"add", shapeRM}, 0x03: {"add", shapeRM},
	0x05: {"add", shapeI},
	0x08: {"or", shapeMR}, 0x09: {"or", shapeMR}, 0x0A: {"or", shapeRM}, 0x0B: {"or", shapeRM},
	0x20: {"and", shapeMR}, 0x21: {"and", shapeMR}, 0x22: {"and", shapeRM}, 0x23: {"and", shapeRM},
	0x28: {"sub", shapeMR}, 0x29: {"sub", shapeMR}, 0x2A: {"sub", shapeRM}, 0x2B: {"sub", shapeRM},
	0x2D: {"sub", shapeI},
	0x30: {"xor", shapeMR}, 0x31: {"xor", shapeMR}, 0x32: {"xor", shapeRM}, 0x33: {"xor", shapeRM},
	0x38: {"cmp", shapeMR}, 0x39: {"cmp", shapeMR}, 0x3A: {"cmp", shapeRM}, 0x3B: {"cmp", shapeRM},
	0x3D: {"cmp", shapeI},
	0x68: {"push", shapeI}, 0x6A: {"push", shapeI},
	0x69: {"imul", shapeMI}, 0x6B: {"imul", shapeMI},
	0x70: {"jo", shapeRel}, 0x71: {"jno", shapeRel}, 0x72: {"jb", shapeRel}, 0x73: {"jae", shapeRel},
	0x74: {"je", shapeRel}, 0x75: {"jne", shapeRel}, 0x76: {"jbe", shapeRel}, 0x77: {"ja", shapeRel},
	0x78: {"js", shapeRel}, 0x79: {"jns", shapeRel}, 0x7C: {"jl", shapeRel}, 0x7D: {"jge", shapeRel},
	0x7E: {"jle", shapeRel}, 0x7F: {"jg", shapeRel},
	0x80: {"grp1b", shapeMI}, 0x81: {"grp1", shapeMI}, 0x83: {"grp1", shapeMI},
	0x84: {"test", shapeMR}, 0x85: {"test", shapeMR},
	0x86: {"xchg", shapeMR}, 0x87: {"xchg", shapeMR},
	0x88: {"mov", shapeMR}, 0x89: {"mov", shapeMR}, 0x8A: {"mov", shapeRM}, 0x8B: {"mov", shapeRM},
	0x8D: {"lea", shapeRM},
	0x8F: {"pop", shapeM},
	0x90: {"nop", shapeNoOperand},
	0x98: {"cwde", shapeNoOperand}, 0x99: {"cdq", shapeNoOperand},
	0xA8: {"test", shapeI},
	0xB8: {"mov", shapeI}, // +reg encoded in low bits, handled specially
	0xC2: {"ret", shapeI}, 0xC3: {"ret", shapeNoOperand},
	0xC6: {"mov", shapeMI}, 0xC7: {"mov", shapeMI},
	0xC9: {"leave", shapeNoOperand},
	0xCC: {"int3", shapeNoOperand}, 0xCD: {"int", shapeI},
	0xE8: {"call", shapeRel}, 0xE9: {"jmp", shapeRel}, 0xEB: {"jmp", shapeRel},
	0xF4: {"hlt", shapeNoOperand},
	0xF6: {"grp3b", shapeM}, 0xF7: {"grp3", shapeM},
	0xFE: {"grp4", shapeM}, 0xFF: {"grp5", shapeM},
}

// twoByteOps covers the 0F-escape instructions in common use.
var twoByteOps = map[byte]opInfo{
	0x05: {"syscall", shapeNoOperand},
	0x1F: {"nop", shapeM},
	0x80: {"jo", shapeRel}, 0x84: {"je", shapeRel}, 0x85: {"jne", shapeRel},
	0x8C: {"jl", shapeRel}, 0x8D: {"jge", shapeRel}, 0x8E: {"jle", shapeRel}, 0x8F: {"jg", shapeRel},
	0xAF: {"imul", shapeRM},
	0xB6: {"movzbl", shapeRM}, 0xB7: {"movzwl", shapeRM},
	0xBE: {"movsbl", shapeRM}, 0xBF: {"movswl", shapeRM},
}

var reg64Names = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}
var reg32Names = [16]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}

// reg8NamesRex is indexed 0-15 and used whenever a REX prefix was
// present (it also covers the r8b..r15b extended registers, which only
// exist with a REX.B/R bit set to begin with); reg8NamesNoRex is the
// legacy encoding for indices 0-7 without a REX prefix, where 4-7 name
// the high-byte-of-word registers instead of the low-byte extensions.
var reg8NamesRex = [16]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}
var reg8NamesNoRex = [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}

func regName(idx byte, size int, rexPresent bool) string {
	idx &= 0xf
	switch size {
	case 1:
		if !rexPresent && idx < 8 {
			return "%" + reg8NamesNoRex[idx]
		}
		return "%" + reg8NamesRex[idx]
	case 8:
		return "%" + reg64Names[idx]
	default:
		return "%" + reg32Names[idx]
	}
}

// Line decodes one instruction at guest virtual address ip and renders
// it as AT&T syntax text (spec.md external-interface signature).
func Line(m *machine.Machine, ip uint64) (string, error) {
	text, _, err := decodeLine(m, ip)
	return text, err
}

// Len reports the byte length of the instruction at ip, without
// re-rendering it.
func Len(m *machine.Machine, ip uint64) (int, error) {
	_, n, err := decodeLine(m, ip)
	return n, err
}

func decodeLine(m *machine.Machine, ip uint64) (string, int, error) {
	buf := make([]byte, 15)
	n := m.Sys.Arena.CopyFromGuest(buf, ip)
	if n == 0 {
		return "", 0, fmt.Errorf("disasm: unmapped address %#x", ip)
	}
	ins, err := decoder.Decode(buf[:n], m.Mode)
	if err != nil {
		return rawBytes(buf[:n]), 1, nil
	}

	var info opInfo
	var ok bool
	switch ins.Map {
	case decoder.MapOneByte:
		info, ok = oneByteOps[ins.Opcode]
	case decoder.Map0F:
		info, ok = twoByteOps[ins.Opcode]
	}
	if !ok {
		return rawBytes(ins.Raw[:ins.Len]), ins.Len, nil
	}

	text := render(&ins, info)
	return text, ins.Len, nil
}

func render(ins *decoder.Instruction, info opInfo) string {
	mnemonic := info.name
	size := ins.OperandSize
	rex := ins.REXPresent

	switch info.shape {
	case shapeNoOperand:
		return mnemonic

	case shapeMR:
		return fmt.Sprintf("%-6s %s,%s", mnemonic, regName(ins.Reg, size, rex), rmOperand(ins, size, rex))

	case shapeRM:
		return fmt.Sprintf("%-6s %s,%s", mnemonic, rmOperand(ins, size, rex), regName(ins.Reg, size, rex))

	case shapeMI:
		return fmt.Sprintf("%-6s $%#x,%s", mnemonic, ins.Imm, rmOperand(ins, size, rex))

	case shapeM:
		return fmt.Sprintf("%-6s %s", mnemonic, rmOperand(ins, size, rex))

	case shapeI:
		if ins.Opcode == 0xB8 { // mov +reg, imm
			return fmt.Sprintf("mov    $%#x,%s", ins.Imm, regName(ins.RM, size, rex))
		}
		return fmt.Sprintf("%-6s $%#x", mnemonic, ins.Imm)

	case shapeRel:
		target := int64(ins.Disp) + int64(ins.Len)
		return fmt.Sprintf("%-6s .%+d", mnemonic, target)

	default:
		return mnemonic
	}
}

// rmOperand renders the ModRM r/m field as either a register (mod==3)
// or a memory reference, reproducing the address() helper's bracketed
// base(,index,scale) convention from the teacher in AT&T dress. Base/
// index registers inside a memory operand are always rendered at
// pointer width (8) regardless of the instruction's own operand size.
func rmOperand(ins *decoder.Instruction, size int, rexPresent bool) string {
	if ins.RMIsReg {
		return regName(ins.RM, size, rexPresent)
	}
	if ins.IsRIPRelative {
		return fmt.Sprintf("%#x(%%rip)", ins.Disp)
	}
	var out string
	if ins.Disp != 0 || ins.MemBase < 0 {
		out += fmt.Sprintf("%#x", ins.Disp)
	}
	if ins.MemBase >= 0 || ins.MemIndex >= 0 {
		out += "("
		if ins.MemBase >= 0 {
			out += regName(byte(ins.MemBase), 8, rexPresent)
		}
		if ins.MemIndex >= 0 {
			out += fmt.Sprintf(",%s,%d", regName(byte(ins.MemIndex), 8, rexPresent), 1<<ins.Scale)
		}
		out += ")"
	}
	return out
}

func rawBytes(b []byte) string {
	out := "(bad)"
	for _, c := range b {
		out += fmt.Sprintf(" %02x", c)
	}
	return out
}
