package dispatch

import (
	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
)

// effectiveAddr computes the guest virtual address a ModRM memory
// operand refers to, including the long-mode RIP-relative special case
// (spec.md §4.4): the displacement there is relative to the address of
// the byte following the whole instruction, not the opcode byte.
func effectiveAddr(m *machine.Machine, ins *decoder.Instruction) uint64 {
	if ins.IsRIPRelative {
		return m.RIP + uint64(ins.Len) + uint64(ins.Disp)
	}

	var addr uint64
	if ins.MemBase >= 0 {
		addr += m.Reg64(ins.MemBase)
	}
	if ins.MemIndex >= 0 {
		addr += m.Reg64(ins.MemIndex) << ins.Scale
	}
	addr += uint64(ins.Disp)

	switch ins.AddressSize {
	case 2:
		addr &= 0xffff
	case 4:
		addr &= 0xffffffff
	}
	return addr
}

// memAddr is the resolved address of a decoded instruction's memory
// operand (valid only when !ins.RMIsReg). It is recomputed on every
// call; readRM and writeRM record Machine.LastAddr/LastSize themselves.
func memAddr(m *machine.Machine, ins *decoder.Instruction) uint64 {
	return effectiveAddr(m, ins)
}

// readRM reads the ModRM r/m operand (register or memory) at the
// instruction's operand width, faulting via Trap if the memory access
// is unmapped.
func (d *Dispatcher) readRM(m *machine.Machine, ins *decoder.Instruction, width int) (uint64, machine.Trap) {
	if ins.RMIsReg {
		return readRegWidth(m, int(ins.RM), width, regIsLegacyHigh(ins)), noTrap
	}
	addr := memAddr(m, ins)
	buf := make([]byte, width)
	if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != width {
		return 0, pageFault(addr)
	}
	m.LastAddr, m.LastSize = addr, width
	return endian.LoadWidth(buf, 0, width), noTrap
}

// writeRM writes the ModRM r/m operand.
func (d *Dispatcher) writeRM(m *machine.Machine, ins *decoder.Instruction, width int, v uint64) machine.Trap {
	if ins.RMIsReg {
		writeRegWidth(m, int(ins.RM), width, v, regIsLegacyHigh(ins))
		return noTrap
	}
	addr := memAddr(m, ins)
	buf := make([]byte, width)
	endian.StoreWidth(buf, 0, width, v)
	if !m.Sys.Arena.Writable(addr) {
		return pageFault(addr)
	}
	if n := m.Sys.Arena.CopyToGuest(addr, buf); n != width {
		return pageFault(addr)
	}
	m.LastAddr, m.LastSize = addr, width
	return noTrap
}

// regIsLegacyHigh reports whether ins's ModRM register fields should use
// the legacy AH/CH/DH/BH encoding (byte operand, no REX prefix).
func regIsLegacyHigh(ins *decoder.Instruction) bool {
	return ins.OperandSize == 1 && !ins.REXPresent
}

func readRegWidth(m *machine.Machine, idx, width int, highByte bool) uint64 {
	switch width {
	case 1:
		return uint64(m.Reg8(idx, highByte && idx < 4))
	case 2:
		return uint64(m.Reg16(idx))
	case 4:
		return uint64(m.Reg32(idx))
	default:
		return m.Reg64(idx)
	}
}

func writeRegWidth(m *machine.Machine, idx, width int, v uint64, highByte bool) {
	switch width {
	case 1:
		m.SetReg8(idx, highByte && idx < 4, uint8(v))
	case 2:
		m.SetReg16(idx, uint16(v))
	case 4:
		m.SetReg32(idx, uint32(v))
	default:
		m.SetReg64(idx, v)
	}
}

// readReg reads the ModRM reg-field operand (always a register).
func readReg(m *machine.Machine, ins *decoder.Instruction, width int) uint64 {
	return readRegWidth(m, int(ins.Reg), width, regIsLegacyHigh(ins))
}

func writeReg(m *machine.Machine, ins *decoder.Instruction, width int, v uint64) {
	writeRegWidth(m, int(ins.Reg), width, v, regIsLegacyHigh(ins))
}

// width returns the instruction's effective general-purpose operand
// width in bytes, honoring the forced-byte opcodes the decoder flags
// via OperandSize==1.
func width(ins *decoder.Instruction) int { return ins.OperandSize }

func pageFault(addr uint64) machine.Trap {
	return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGSEGV, Addr: addr}
}
