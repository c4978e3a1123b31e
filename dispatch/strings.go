package dispatch

import (
	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/dispatch/flags"
	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
)

// String-op state machine (spec.md §4.5): MOVS/CMPS/STOS/LODS/SCAS step
// RSI/RDI by the operand width in the direction DF selects. With a
// REP/REPE/REPNE prefix the op loops on the count register the address
// size selects, and may be interrupted by a pending signal between
// iterations — the loop stops with RIP unadvanced so the instruction
// resumes after delivery, which is exactly how hardware restarts an
// interrupted REP.

// strWidth is the element width of a string op: the decoder forces
// OperandSize to 1 for the byte forms.
func strWidth(ins *decoder.Instruction) int { return ins.OperandSize }

// strDelta is the per-iteration pointer step: +width or -width per DF.
func strDelta(m *machine.Machine, w int) uint64 {
	if m.Flag(machine.FlagDF) {
		return uint64(-int64(w))
	}
	return uint64(w)
}

// countMask clips the count and index registers to the address size.
func countMask(ins *decoder.Instruction) uint64 {
	switch ins.AddressSize {
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

func strCount(m *machine.Machine, ins *decoder.Instruction) uint64 {
	return m.Reg64(machine.RCX) & countMask(ins)
}

func setStrCount(m *machine.Machine, ins *decoder.Instruction, v uint64) {
	mask := countMask(ins)
	m.SetReg64(machine.RCX, (m.Reg64(machine.RCX)&^mask)|(v&mask))
}

func advanceIndex(m *machine.Machine, ins *decoder.Instruction, reg int, delta uint64) {
	mask := countMask(ins)
	v := (m.Reg64(reg) + delta) & mask
	m.SetReg64(reg, (m.Reg64(reg)&^mask)|v)
}

// strIter is one element's worth of a string op. It reports whether a
// REPE/REPNE loop should stop early (the ZF termination rule), and any
// memory fault.
type strIter func(m *machine.Machine, w int, delta uint64) (stop bool, trap machine.Trap)

// runString drives one string opcode, with or without a REP prefix.
// Returns branched=true when the loop was interrupted by attention with
// count remaining, leaving RIP on the instruction so it restarts.
func runString(m *machine.Machine, ins *decoder.Instruction, iter strIter) (bool, machine.Trap) {
	w := strWidth(ins)
	delta := strDelta(m, w)

	if !ins.PrefixRep && !ins.PrefixRepne {
		_, tr := iter(m, w, delta)
		return false, tr
	}

	for {
		n := strCount(m, ins)
		if n == 0 {
			return false, noTrap
		}
		stop, tr := iter(m, w, delta)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		setStrCount(m, ins, n-1)
		if stop {
			return false, noTrap
		}
		if m.Attention.Load() && strCount(m, ins) > 0 {
			// Signal pending between iterations: restart here after
			// delivery rather than finishing the whole count first.
			return true, noTrap
		}
	}
}

// repTerminates applies the REPE/REPNE termination rule to a
// flag-producing iteration (CMPS/SCAS): REPE stops when ZF clears,
// REPNE stops when ZF sets. Plain REP on these behaves as REPE.
func repTerminates(m *machine.Machine, ins *decoder.Instruction) bool {
	zf := m.Flag(machine.FlagZF)
	if ins.PrefixRepne {
		return zf
	}
	return !zf
}

func readGuest(m *machine.Machine, addr uint64, w int) (uint64, machine.Trap) {
	buf := make([]byte, w)
	if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != w {
		return 0, pageFault(addr)
	}
	return endian.LoadWidth(buf, 0, w), noTrap
}

func writeGuest(m *machine.Machine, addr uint64, w int, v uint64) machine.Trap {
	buf := make([]byte, w)
	endian.StoreWidth(buf, 0, w, v)
	if !m.Sys.Arena.Writable(addr) {
		return pageFault(addr)
	}
	if n := m.Sys.Arena.CopyToGuest(addr, buf); n != w {
		return pageFault(addr)
	}
	return noTrap
}

func opMovs(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return runString(m, ins, func(m *machine.Machine, w int, delta uint64) (bool, machine.Trap) {
		src := m.Reg64(machine.RSI) & countMask(ins)
		dst := m.Reg64(machine.RDI) & countMask(ins)
		v, tr := readGuest(m, src, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		if tr := writeGuest(m, dst, w, v); tr.Kind != machine.TrapNone {
			return false, tr
		}
		advanceIndex(m, ins, machine.RSI, delta)
		advanceIndex(m, ins, machine.RDI, delta)
		return false, noTrap
	})
}

func opStos(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return runString(m, ins, func(m *machine.Machine, w int, delta uint64) (bool, machine.Trap) {
		dst := m.Reg64(machine.RDI) & countMask(ins)
		if tr := writeGuest(m, dst, w, readRegWidth(m, machine.RAX, w, false)); tr.Kind != machine.TrapNone {
			return false, tr
		}
		advanceIndex(m, ins, machine.RDI, delta)
		return false, noTrap
	})
}

func opLods(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return runString(m, ins, func(m *machine.Machine, w int, delta uint64) (bool, machine.Trap) {
		src := m.Reg64(machine.RSI) & countMask(ins)
		v, tr := readGuest(m, src, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		writeRegWidth(m, machine.RAX, w, v, false)
		advanceIndex(m, ins, machine.RSI, delta)
		return false, noTrap
	})
}

func opScas(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return runString(m, ins, func(m *machine.Machine, w int, delta uint64) (bool, machine.Trap) {
		dst := m.Reg64(machine.RDI) & countMask(ins)
		v, tr := readGuest(m, dst, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		a := readRegWidth(m, machine.RAX, w, false)
		m.RFlags = flags.Sub(m.RFlags, a, v, w)
		advanceIndex(m, ins, machine.RDI, delta)
		return repTerminates(m, ins), noTrap
	})
}

func opCmps(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return runString(m, ins, func(m *machine.Machine, w int, delta uint64) (bool, machine.Trap) {
		src := m.Reg64(machine.RSI) & countMask(ins)
		dst := m.Reg64(machine.RDI) & countMask(ins)
		a, tr := readGuest(m, src, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		b, tr := readGuest(m, dst, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.RFlags = flags.Sub(m.RFlags, a, b, w)
		advanceIndex(m, ins, machine.RSI, delta)
		advanceIndex(m, ins, machine.RDI, delta)
		return repTerminates(m, ins), noTrap
	})
}
