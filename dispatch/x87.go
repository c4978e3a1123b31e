package dispatch

import (
	"math"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
)

// x87 stack state machine (spec.md §4.5): the register stack is a ring
// of 8 with a 3-bit top pointer in the status word; push, pop, and
// exchange each adjust top and rewrite the tag word. Stack overflow or
// underflow sets SW.C1 and the IE bit and, when IE is unmasked in the
// control word, raises a #MF that becomes a guest SIGFPE.

const (
	x87SWIE = 1 << 0  // invalid-operation exception
	x87SWC1 = 1 << 9  // condition bit 1: overflow(1)/underflow(0) on stack fault
	x87SWES = 1 << 7  // exception summary
	x87CWIM = 1 << 0  // invalid-operation mask
)

// tag values per slot: 00 valid, 01 zero, 10 special, 11 empty.
const (
	tagValid   = 0
	tagZero    = 1
	tagSpecial = 2
	tagEmpty   = 3
)

func x87Tag(fpu *machine.X87State, phys int) uint16 {
	return (fpu.Tag >> uint(phys*2)) & 3
}

func setX87Tag(fpu *machine.X87State, phys int, tag uint16) {
	fpu.Tag = (fpu.Tag &^ (3 << uint(phys*2))) | (tag << uint(phys*2))
}

func tagFor(v float64) uint16 {
	switch {
	case v == 0:
		return tagZero
	case math.IsNaN(v) || math.IsInf(v, 0):
		return tagSpecial
	default:
		return tagValid
	}
}

// physSlot maps stack-relative st(i) to a physical slot index.
func physSlot(fpu *machine.X87State, i int) int {
	return int(fpu.Top+uint8(i)) & 7
}

// x87Fault records a stack fault in the status word and, when the
// invalid-operation exception is unmasked, reports the #MF as a guest
// SIGFPE. overflow selects the C1 polarity.
func x87Fault(m *machine.Machine, overflow bool) machine.Trap {
	m.FPU.Status |= x87SWIE | x87SWES
	if overflow {
		m.FPU.Status |= x87SWC1
	} else {
		m.FPU.Status &^= x87SWC1
	}
	if m.FPU.Control&x87CWIM == 0 {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGFPE, Addr: m.RIP}
	}
	return noTrap
}

// fpuPush decrements top and fills the new st(0), faulting on overflow
// (pushing onto a non-empty slot).
func fpuPush(m *machine.Machine, v float64) machine.Trap {
	fpu := &m.FPU
	newTop := (fpu.Top - 1) & 7
	if x87Tag(fpu, int(newTop)) != tagEmpty {
		return x87Fault(m, true)
	}
	fpu.Top = newTop
	fpu.ST[newTop] = v
	setX87Tag(fpu, int(newTop), tagFor(v))
	syncTopToStatus(fpu)
	return noTrap
}

// fpuPop marks st(0) empty and increments top, faulting on underflow.
func fpuPop(m *machine.Machine) (float64, machine.Trap) {
	fpu := &m.FPU
	phys := int(fpu.Top)
	if x87Tag(fpu, phys) == tagEmpty {
		return 0, x87Fault(m, false)
	}
	v := fpu.ST[phys]
	setX87Tag(fpu, phys, tagEmpty)
	fpu.Top = (fpu.Top + 1) & 7
	syncTopToStatus(fpu)
	return v, noTrap
}

// fpuLoad reads st(i) without popping, faulting on an empty slot.
func fpuLoad(m *machine.Machine, i int) (float64, machine.Trap) {
	phys := physSlot(&m.FPU, i)
	if x87Tag(&m.FPU, phys) == tagEmpty {
		return 0, x87Fault(m, false)
	}
	return m.FPU.ST[phys], noTrap
}

func fpuStore(m *machine.Machine, i int, v float64) {
	phys := physSlot(&m.FPU, i)
	m.FPU.ST[phys] = v
	setX87Tag(&m.FPU, phys, tagFor(v))
}

// fpuExchange swaps st(0) and st(i) and their tags.
func fpuExchange(m *machine.Machine, i int) machine.Trap {
	fpu := &m.FPU
	a, b := int(fpu.Top), physSlot(fpu, i)
	if x87Tag(fpu, a) == tagEmpty || x87Tag(fpu, b) == tagEmpty {
		return x87Fault(m, false)
	}
	fpu.ST[a], fpu.ST[b] = fpu.ST[b], fpu.ST[a]
	ta, tb := x87Tag(fpu, a), x87Tag(fpu, b)
	setX87Tag(fpu, a, tb)
	setX87Tag(fpu, b, ta)
	return noTrap
}

// syncTopToStatus keeps bits 11-13 of the status word equal to Top.
func syncTopToStatus(fpu *machine.X87State) {
	fpu.Status = (fpu.Status &^ (7 << 11)) | (uint16(fpu.Top&7) << 11)
}

type fpuArith int

const (
	fpuAdd fpuArith = iota
	fpuMul
	fpuSub
	fpuSubR
	fpuDiv
	fpuDivR
)

func fpuCompute(op fpuArith, a, b float64) float64 {
	switch op {
	case fpuAdd:
		return a + b
	case fpuMul:
		return a * b
	case fpuSub:
		return a - b
	case fpuSubR:
		return b - a
	case fpuDiv:
		return a / b
	default:
		return b / a
	}
}

// memFloat reads a float of width 4 or 8 from the instruction's memory
// operand, widened to float64.
func memFloat(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction, w int) (float64, machine.Trap) {
	addr := memAddr(m, ins)
	buf := make([]byte, w)
	if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != w {
		return 0, pageFault(addr)
	}
	if w == 4 {
		return float64(math.Float32frombits(endian.Load32(buf, 0))), noTrap
	}
	return math.Float64frombits(endian.Load64(buf, 0)), noTrap
}

func storeFloat(m *machine.Machine, ins *decoder.Instruction, w int, v float64) machine.Trap {
	addr := memAddr(m, ins)
	buf := make([]byte, w)
	if w == 4 {
		endian.Store32(buf, 0, math.Float32bits(float32(v)))
	} else {
		endian.Store64(buf, 0, math.Float64bits(v))
	}
	if !m.Sys.Arena.Writable(addr) {
		return pageFault(addr)
	}
	if n := m.Sys.Arena.CopyToGuest(addr, buf); n != w {
		return pageFault(addr)
	}
	return noTrap
}

// opD8: FADD/FMUL/FCOM/FCOMP/FSUB/FSUBR/FDIV/FDIVR with a float32
// memory operand, or the st(0),st(i) register forms.
func opD8(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return fpuArithOp(d, m, ins, 4, false)
}

// opDC is opD8's float64 twin; the register form targets st(i) instead.
func opDC(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return fpuArithOp(d, m, ins, 8, true)
}

func fpuArithOp(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction, memW int, dstIsSTI bool) (bool, machine.Trap) {
	var b float64
	var tr machine.Trap
	sti := 0
	if ins.RMIsReg {
		sti = int(ins.RM & 7)
		b, tr = fpuLoad(m, sti)
	} else {
		b, tr = memFloat(d, m, ins, memW)
	}
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	a, tr := fpuLoad(m, 0)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}

	reg := int(ins.Reg & 7)
	switch reg {
	case 2, 3: // FCOM/FCOMP
		compareX87(m, a, b)
		if reg == 3 {
			_, tr = fpuPop(m)
		}
		return false, tr
	}
	ops := []fpuArith{fpuAdd, fpuMul, 0, 0, fpuSub, fpuSubR, fpuDiv, fpuDivR}
	r := fpuCompute(ops[reg], a, b)
	if dstIsSTI && ins.RMIsReg {
		fpuStore(m, sti, r)
	} else {
		fpuStore(m, 0, r)
	}
	return false, noTrap
}

// compareX87 sets the C0/C2/C3 condition bits the way FCOM does.
func compareX87(m *machine.Machine, a, b float64) {
	const (
		c0 = 1 << 8
		c2 = 1 << 10
		c3 = 1 << 14
	)
	m.FPU.Status &^= c0 | c2 | c3
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		m.FPU.Status |= c0 | c2 | c3
	case a < b:
		m.FPU.Status |= c0
	case a == b:
		m.FPU.Status |= c3
	}
}

// opD9: FLD m32 / FST(P) m32 / FLDCW / FNSTCW, and the register forms
// FLD st(i), FXCH st(i), plus the constant loads FLD1/FLDZ and FCHS/FABS.
func opD9(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.RMIsReg {
		sti := int(ins.RM & 7)
		switch ins.Reg & 7 {
		case 0: // FLD st(i)
			v, tr := fpuLoad(m, sti)
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
			return false, fpuPush(m, v)
		case 1: // FXCH st(i)
			return false, fpuExchange(m, sti)
		case 4:
			switch ins.RM & 7 {
			case 0: // FCHS
				v, tr := fpuLoad(m, 0)
				if tr.Kind != machine.TrapNone {
					return false, tr
				}
				fpuStore(m, 0, -v)
				return false, noTrap
			case 1: // FABS
				v, tr := fpuLoad(m, 0)
				if tr.Kind != machine.TrapNone {
					return false, tr
				}
				fpuStore(m, 0, math.Abs(v))
				return false, noTrap
			}
		case 5:
			switch ins.RM & 7 {
			case 0: // FLD1
				return false, fpuPush(m, 1)
			case 6: // FLDZ
				return false, fpuPush(m, 0)
			}
		}
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}

	switch ins.Reg & 7 {
	case 0: // FLD m32
		v, tr := memFloat(d, m, ins, 4)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		return false, fpuPush(m, v)
	case 2, 3: // FST/FSTP m32
		v, tr := fpuLoad(m, 0)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		if tr := storeFloat(m, ins, 4, v); tr.Kind != machine.TrapNone {
			return false, tr
		}
		if ins.Reg&7 == 3 {
			_, tr = fpuPop(m)
		}
		return false, tr
	case 5: // FLDCW m16
		addr := memAddr(m, ins)
		buf := make([]byte, 2)
		if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != 2 {
			return false, pageFault(addr)
		}
		m.FPU.Control = endian.Load16(buf, 0)
		return false, noTrap
	case 7: // FNSTCW m16
		addr := memAddr(m, ins)
		buf := make([]byte, 2)
		endian.Store16(buf, 0, m.FPU.Control)
		if n := m.Sys.Arena.CopyToGuest(addr, buf); n != 2 {
			return false, pageFault(addr)
		}
		return false, noTrap
	}
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}

// opDD: FLD/FST/FSTP m64 register-free forms plus FSTP st(i) and
// FNSTSW-adjacent forms Blink's guests actually hit.
func opDD(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.RMIsReg {
		sti := int(ins.RM & 7)
		switch ins.Reg & 7 {
		case 2, 3: // FST/FSTP st(i)
			v, tr := fpuLoad(m, 0)
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
			fpuStore(m, sti, v)
			if ins.Reg&7 == 3 {
				_, tr = fpuPop(m)
			}
			return false, tr
		}
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}

	switch ins.Reg & 7 {
	case 0: // FLD m64
		v, tr := memFloat(d, m, ins, 8)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		return false, fpuPush(m, v)
	case 2, 3: // FST/FSTP m64
		v, tr := fpuLoad(m, 0)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		if tr := storeFloat(m, ins, 8, v); tr.Kind != machine.TrapNone {
			return false, tr
		}
		if ins.Reg&7 == 3 {
			_, tr = fpuPop(m)
		}
		return false, tr
	case 7: // FNSTSW m16
		addr := memAddr(m, ins)
		buf := make([]byte, 2)
		endian.Store16(buf, 0, m.FPU.Status)
		if n := m.Sys.Arena.CopyToGuest(addr, buf); n != 2 {
			return false, pageFault(addr)
		}
		return false, noTrap
	}
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}

// opDE: the FADDP/FMULP/FSUBP/FDIVP "operate into st(i) then pop"
// register forms (the common compiler-emitted ones).
func opDE(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if !ins.RMIsReg {
		// int16 memory arithmetic forms; outside the subset this VM
		// models, reported as an unimplemented opcode.
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}
	sti := int(ins.RM & 7)
	a, tr := fpuLoad(m, 0)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	b, tr := fpuLoad(m, sti)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	ops := []fpuArith{fpuAdd, fpuMul, 0, 0, fpuSubR, fpuSub, fpuDivR, fpuDiv}
	reg := int(ins.Reg & 7)
	if reg == 2 || reg == 3 { // FCOMP variants
		compareX87(m, a, b)
		_, tr = fpuPop(m)
		return false, tr
	}
	fpuStore(m, sti, fpuCompute(ops[reg], b, a))
	_, tr = fpuPop(m)
	return false, tr
}

// opDF: FNSTSW %ax (the idiomatic "test FPU flags" form) plus FILD/FISTP
// m16/m64 integer forms.
func opDF(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.RMIsReg {
		if ins.Reg&7 == 4 && ins.RM&7 == 0 { // FNSTSW %ax
			m.SetReg16(machine.RAX, m.FPU.Status)
			return false, noTrap
		}
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}
	switch ins.Reg & 7 {
	case 0: // FILD m16
		addr := memAddr(m, ins)
		buf := make([]byte, 2)
		if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != 2 {
			return false, pageFault(addr)
		}
		return false, fpuPush(m, float64(int16(endian.Load16(buf, 0))))
	case 5: // FILD m64
		addr := memAddr(m, ins)
		buf := make([]byte, 8)
		if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != 8 {
			return false, pageFault(addr)
		}
		return false, fpuPush(m, float64(int64(endian.Load64(buf, 0))))
	case 7: // FISTP m64
		v, tr := fpuPop(m)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		addr := memAddr(m, ins)
		buf := make([]byte, 8)
		endian.Store64(buf, 0, uint64(int64(v)))
		if n := m.Sys.Arena.CopyToGuest(addr, buf); n != 8 {
			return false, pageFault(addr)
		}
		return false, noTrap
	}
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}

// opDA/opDB: FILD m32/FISTP m32 and the FUCOMI-era forms; only the
// integer loads are modeled.
func opDB(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.RMIsReg {
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}
	switch ins.Reg & 7 {
	case 0: // FILD m32
		addr := memAddr(m, ins)
		buf := make([]byte, 4)
		if n := m.Sys.Arena.CopyFromGuest(buf, addr); n != 4 {
			return false, pageFault(addr)
		}
		return false, fpuPush(m, float64(int32(endian.Load32(buf, 0))))
	case 3: // FISTP m32
		v, tr := fpuPop(m)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		addr := memAddr(m, ins)
		buf := make([]byte, 4)
		endian.Store32(buf, 0, uint32(int32(v)))
		if n := m.Sys.Arena.CopyToGuest(addr, buf); n != 4 {
			return false, pageFault(addr)
		}
		return false, noTrap
	}
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}

// opX87Unimpl covers the escape bytes whose forms fall outside the
// modeled subset (DA's conditional moves, D8-DF BCD and env forms).
func opX87Unimpl(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}
