package dispatch

import (
	"errors"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
)

// LOCK-prefixed instructions, XCHG with a memory operand, and CMPXCHG
// are implemented with an equivalent host atomic operation so the x86
// total-store-order contract holds across guest threads (spec.md §5).
// The actual compare-and-swap lives behind mmu.AtomicRMW, the only
// unsafe-pointer path into the arena.

// lockedRMW runs fn atomically over the instruction's memory operand,
// mapping mmu's fault sentinels to guest traps: a misaligned locked
// access is a memory fault just like an unmapped one (spec.md §7).
func lockedRMW(m *machine.Machine, ins *decoder.Instruction, w int, fn func(old uint64) uint64) (uint64, machine.Trap) {
	addr := memAddr(m, ins)
	old, err := m.Sys.Arena.AtomicRMW(addr, w, fn)
	if err != nil {
		if errors.Is(err, mmu.ErrMisaligned) || errors.Is(err, mmu.ErrFault) {
			return 0, pageFault(addr)
		}
		return 0, machine.Trap{Kind: machine.TrapFatal, Err: err}
	}
	m.LastAddr, m.LastSize = addr, w
	return old, noTrap
}

// lockedALU is the LOCK-prefixed path through the ALU group: the
// read-modify-write is a single host atomic, and flags are recomputed
// from the value the atomic actually observed.
func lockedALU(m *machine.Machine, ins *decoder.Instruction, op aluOp, b uint64, w int) machine.Trap {
	mask := widthMaskLocal(w)
	old, tr := lockedRMW(m, ins, w, func(a uint64) uint64 {
		r, _ := aluCompute(op, m.RFlags, a, b, w)
		return r & mask
	})
	if tr.Kind != machine.TrapNone {
		return tr
	}
	_, f := aluCompute(op, m.RFlags, old, b, w)
	m.RFlags = f
	return noTrap
}

// lockedXchg swaps the memory operand with v atomically and returns the
// old memory value. XCHG with memory asserts LOCK implicitly whether or
// not the prefix is present.
func lockedXchg(m *machine.Machine, ins *decoder.Instruction, w int, v uint64) (uint64, machine.Trap) {
	mask := widthMaskLocal(w)
	return lockedRMW(m, ins, w, func(uint64) uint64 { return v & mask })
}

// opCmpxchg implements CMPXCHG Eb,Gb / Ev,Gv (0F B0 / 0F B1): compare
// the accumulator with the destination; on match store the source and
// set ZF, otherwise load the destination into the accumulator.
func opCmpxchg(width0 int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.OperandSize == 1 || width0 == 1 {
			w = 1
		}
		acc := readRegWidth(m, machine.RAX, w, false)
		src := readReg(m, ins, w)
		mask := widthMaskLocal(w)

		var old uint64
		var tr machine.Trap
		if ins.RMIsReg {
			old = readRegWidth(m, int(ins.RM), w, regIsLegacyHigh(ins))
			if old&mask == acc&mask {
				writeRegWidth(m, int(ins.RM), w, src, regIsLegacyHigh(ins))
			}
		} else {
			old, tr = lockedRMW(m, ins, w, func(cur uint64) uint64 {
				if cur&mask == acc&mask {
					return src & mask
				}
				return cur
			})
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
		}

		m.RFlags = flagsSubInto(m.RFlags, acc, old, w)
		if old&mask != acc&mask {
			writeRegWidth(m, machine.RAX, w, old, false)
		}
		return false, noTrap
	}
}

// opXadd implements XADD Eb,Gb / Ev,Gv (0F C0 / 0F C1): exchange-and-add,
// atomically when the destination is memory.
func opXadd(width0 int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.OperandSize == 1 || width0 == 1 {
			w = 1
		}
		src := readReg(m, ins, w)
		mask := widthMaskLocal(w)

		var old uint64
		if ins.RMIsReg {
			old = readRegWidth(m, int(ins.RM), w, regIsLegacyHigh(ins))
			writeRegWidth(m, int(ins.RM), w, (old+src)&mask, regIsLegacyHigh(ins))
		} else {
			var tr machine.Trap
			old, tr = lockedRMW(m, ins, w, func(cur uint64) uint64 {
				return (cur + src) & mask
			})
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
		}

		_, f := aluCompute(aluAdd, m.RFlags, old, src, w)
		m.RFlags = f
		writeReg(m, ins, w, old)
		return false, noTrap
	}
}

// flagsSubInto recomputes the arithmetic flags for the CMPXCHG compare
// (acc - dest), identical to what a CMP would have produced.
func flagsSubInto(rflags, a, b uint64, w int) uint64 {
	_, f := aluCompute(aluCmp, rflags, a, b, w)
	return f
}
