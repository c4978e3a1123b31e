package dispatch

import (
	"math/bits"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/dispatch/flags"
	"github.com/blinkvm/blink/machine"
)

// signExtend widens the low n bytes of v (as produced by the decoder's
// readImm, which does not itself sign-extend) to a signed int64.
func signExtend(v uint64, n int) int64 {
	switch n {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func (d *Dispatcher) buildOneByteTable() {
	t := &d.oneByte

	for _, base := range []byte{0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38} {
		class := aluClass(base)
		t[base+0x00] = aluEbGb(class)
		t[base+0x01] = aluEvGv(class)
		t[base+0x02] = aluGbEb(class)
		t[base+0x03] = aluGvEv(class)
		t[base+0x04] = aluALIb(class)
		t[base+0x05] = aluRAXIz(class)
	}

	for i := byte(0); i < 8; i++ {
		idx := int(i)
		t[0x50+i] = opPushReg(idx)
		t[0x58+i] = opPopReg(idx)
		t[0xB0+i] = opMovRegImm8(idx)
		t[0xB8+i] = opMovRegImmV(idx)
	}

	for i := byte(0); i < 16; i++ {
		cc := i
		t[0x70+i] = opJcc(cc)
	}

	t[0x68] = opPushImm
	t[0x6A] = opPushImm
	t[0x69] = opImul3
	t[0x6B] = opImul3

	t[0x80] = opGroup1(1)
	t[0x81] = opGroup1(4)
	t[0x83] = opGroup1Sext

	t[0x84] = opTestEbGb
	t[0x85] = opTestEvGv
	t[0x86] = opXchgEbGb
	t[0x87] = opXchgEvGv
	t[0x88] = opMovEbGb
	t[0x89] = opMovEvGv
	t[0x8A] = opMovGbEb
	t[0x8B] = opMovGvEv
	t[0x8D] = opLea
	t[0x8F] = opPopRM

	t[0x90] = opNop
	t[0x98] = opCwtl
	t[0x99] = opCltd
	t[0x9C] = opPushf
	t[0x9D] = opPopf

	t[0xA4] = opMovs
	t[0xA5] = opMovs
	t[0xA6] = opCmps
	t[0xA7] = opCmps
	t[0xAA] = opStos
	t[0xAB] = opStos
	t[0xAC] = opLods
	t[0xAD] = opLods
	t[0xAE] = opScas
	t[0xAF] = opScas

	t[0xA8] = opTestALIb
	t[0xA9] = opTestRAXIz

	t[0xC2] = opRetIw
	t[0xC3] = opRet
	t[0xC6] = opMovEbIb
	t[0xC7] = opMovEvIz
	t[0xC9] = opLeave
	t[0xCC] = opInt3
	t[0xCD] = opIntIb

	t[0xD0] = opGroup2(1, false)
	t[0xD1] = opGroup2(4, false)
	t[0xD2] = opGroup2(1, true)
	t[0xD3] = opGroup2(4, true)

	t[0xD8] = opD8
	t[0xD9] = opD9
	t[0xDA] = opX87Unimpl
	t[0xDB] = opDB
	t[0xDC] = opDC
	t[0xDD] = opDD
	t[0xDE] = opDE
	t[0xDF] = opDF

	t[0xE8] = opCall
	t[0xE9] = opJmp
	t[0xEB] = opJmp

	t[0xF1] = opInt1
	t[0xF4] = opHlt

	t[0xF6] = opGroup3(1)
	t[0xF7] = opGroup3(4)
	t[0xFE] = opIncDecEb
	t[0xFF] = opGroup5
}

func (d *Dispatcher) buildTwoByteTable() {
	d.twoByte[0x05] = opSyscall
	d.twoByte[0x0B] = opUD2
	d.twoByte[0x1E] = opNopModRM
	d.twoByte[0x1F] = opNopModRM

	for i := byte(0); i < 16; i++ {
		cc := i
		d.twoByte[0x80+i] = opJcc32(cc)
		d.twoByte[0x90+i] = opSetcc(cc)
	}

	d.twoByte[0xAF] = opImulGvEv
	d.twoByte[0xB0] = opCmpxchg(1)
	d.twoByte[0xB1] = opCmpxchg(4)
	d.twoByte[0xC0] = opXadd(1)
	d.twoByte[0xC1] = opXadd(4)
	d.twoByte[0xB6] = opMovzxGvEb
	d.twoByte[0xB7] = opMovzxGvEw
	d.twoByte[0xBE] = opMovsxGvEb
	d.twoByte[0xBF] = opMovsxGvEw
}

// --- ALU group (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP) ---

type aluOp int

const (
	aluAdd aluOp = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
)

func aluClass(base byte) aluOp { return aluOp(base / 8) }

func aluCompute(op aluOp, rflags, a, b uint64, w int) (result uint64, newFlags uint64) {
	switch op {
	case aluAdd:
		newFlags = flags.Add(rflags, a, b, w)
		return a + b, newFlags
	case aluAdc:
		carry := uint64(0)
		if rflags&flags.CF != 0 {
			carry = 1
		}
		newFlags = flags.Add(rflags, a, b+carry, w)
		return a + b + carry, newFlags
	case aluSbb:
		borrow := uint64(0)
		if rflags&flags.CF != 0 {
			borrow = 1
		}
		newFlags = flags.Sub(rflags, a, b+borrow, w)
		return a - b - borrow, newFlags
	case aluSub, aluCmp:
		newFlags = flags.Sub(rflags, a, b, w)
		return a - b, newFlags
	case aluOr:
		r := a | b
		return r, flags.Logic(rflags, r, w)
	case aluAnd:
		r := a & b
		return r, flags.Logic(rflags, r, w)
	case aluXor:
		r := a ^ b
		return r, flags.Logic(rflags, r, w)
	default:
		return a, rflags
	}
}

func aluEbGb(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		if ins.PrefixLock && !ins.RMIsReg && op != aluCmp {
			return false, lockedALU(m, ins, op, readReg(m, ins, 1), 1)
		}
		a, tr := d.readRM(m, ins, 1)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		b := readReg(m, ins, 1)
		r, f := aluCompute(op, m.RFlags, a, b, 1)
		m.RFlags = f
		if op != aluCmp {
			return false, d.writeRM(m, ins, 1, r)
		}
		return false, noTrap
	}
}

func aluEvGv(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.PrefixLock && !ins.RMIsReg && op != aluCmp {
			return false, lockedALU(m, ins, op, readReg(m, ins, w), w)
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		b := readReg(m, ins, w)
		r, f := aluCompute(op, m.RFlags, a, b, w)
		m.RFlags = f
		if op != aluCmp {
			return false, d.writeRM(m, ins, w, r)
		}
		return false, noTrap
	}
}

func aluGbEb(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		a := readReg(m, ins, 1)
		b, tr := d.readRM(m, ins, 1)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		r, f := aluCompute(op, m.RFlags, a, b, 1)
		m.RFlags = f
		if op != aluCmp {
			writeReg(m, ins, 1, r)
		}
		return false, noTrap
	}
}

func aluGvEv(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		a := readReg(m, ins, w)
		b, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		r, f := aluCompute(op, m.RFlags, a, b, w)
		m.RFlags = f
		if op != aluCmp {
			writeReg(m, ins, w, r)
		}
		return false, noTrap
	}
}

func aluALIb(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		a := uint64(m.Reg8(machine.RAX, false))
		r, f := aluCompute(op, m.RFlags, a, ins.Imm, 1)
		m.RFlags = f
		if op != aluCmp {
			m.SetReg8(machine.RAX, false, uint8(r))
		}
		return false, noTrap
	}
}

func aluRAXIz(op aluOp) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		a := readRegWidth(m, machine.RAX, w, false)
		imm := ins.Imm
		if ins.ImmBytes < w {
			imm = uint64(signExtend(ins.Imm, ins.ImmBytes))
		}
		r, f := aluCompute(op, m.RFlags, a, imm, w)
		m.RFlags = f
		if op != aluCmp {
			writeRegWidth(m, machine.RAX, w, r, false)
		}
		return false, noTrap
	}
}

// --- group 1: ADD/OR/ADC/SBB/AND/SUB/XOR/CMP Ev,Ib/Iz selected by /reg ---

func opGroup1(immBytes int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.OperandSize == 1 {
			w = 1
		}
		imm := ins.Imm
		if ins.ImmBytes < w {
			imm = uint64(signExtend(ins.Imm, ins.ImmBytes))
		}
		op := aluOp(ins.Reg & 0x7)
		if ins.PrefixLock && !ins.RMIsReg && op != aluCmp {
			return false, lockedALU(m, ins, op, imm, w)
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		r, f := aluCompute(op, m.RFlags, a, imm, w)
		m.RFlags = f
		if op != aluCmp {
			return false, d.writeRM(m, ins, w, r)
		}
		return false, noTrap
	}
}

// opGroup1Sext is opcode 0x83: Ev,Ib with the immediate sign-extended
// to the operand width before the ALU operation.
func opGroup1Sext(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	imm := uint64(signExtend(ins.Imm, ins.ImmBytes))
	op := aluOp(ins.Reg & 0x7)
	if ins.PrefixLock && !ins.RMIsReg && op != aluCmp {
		return false, lockedALU(m, ins, op, imm, w)
	}
	a, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	r, f := aluCompute(op, m.RFlags, a, imm, w)
	m.RFlags = f
	if op != aluCmp {
		return false, d.writeRM(m, ins, w, r)
	}
	return false, noTrap
}

// --- TEST / XCHG / MOV ---

func testCompute(m *machine.Machine, a, b uint64, w int) {
	m.RFlags = flags.Logic(m.RFlags, a&b, w)
}

func opTestEbGb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	a, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	testCompute(m, a, readReg(m, ins, 1), 1)
	return false, noTrap
}

func opTestEvGv(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	a, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	testCompute(m, a, readReg(m, ins, w), w)
	return false, noTrap
}

func opTestALIb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	testCompute(m, uint64(m.Reg8(machine.RAX, false)), ins.Imm, 1)
	return false, noTrap
}

func opTestRAXIz(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	testCompute(m, readRegWidth(m, machine.RAX, w, false), ins.Imm, w)
	return false, noTrap
}

// XCHG with a memory operand asserts LOCK implicitly (spec.md §5), so
// the memory form always goes through the atomic swap.
func opXchgEbGb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	b := readReg(m, ins, 1)
	if !ins.RMIsReg {
		old, tr := lockedXchg(m, ins, 1, b)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		writeReg(m, ins, 1, old)
		return false, noTrap
	}
	a, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, 1, a)
	return false, d.writeRM(m, ins, 1, b)
}

func opXchgEvGv(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	b := readReg(m, ins, w)
	if !ins.RMIsReg {
		old, tr := lockedXchg(m, ins, w, b)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		writeReg(m, ins, w, old)
		return false, noTrap
	}
	a, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, w, a)
	return false, d.writeRM(m, ins, w, b)
}

func opMovEbGb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, d.writeRM(m, ins, 1, readReg(m, ins, 1))
}

func opMovEvGv(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	return false, d.writeRM(m, ins, w, readReg(m, ins, w))
}

func opMovGbEb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, 1, v)
	return false, noTrap
}

func opMovGvEv(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	v, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, w, v)
	return false, noTrap
}

func opMovEbIb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, d.writeRM(m, ins, 1, ins.Imm)
}

func opMovEvIz(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	imm := ins.Imm
	if w == 8 {
		imm = uint64(signExtend(ins.Imm, ins.ImmBytes))
	}
	return false, d.writeRM(m, ins, w, imm)
}

func opMovRegImm8(idx int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		m.SetReg8(idx, false, uint8(ins.Imm))
		return false, noTrap
	}
}

func opMovRegImmV(idx int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		writeRegWidth(m, idx, width(ins), ins.Imm, false)
		return false, noTrap
	}
}

func opLea(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.RMIsReg {
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL}
	}
	writeReg(m, ins, width(ins), effectiveAddr(m, ins))
	return false, noTrap
}

// --- stack: PUSH/POP ---

func stackWidth(m *machine.Machine) int {
	if m.Mode == decoder.ModeLong {
		return 8
	}
	return 4
}

func push(d *Dispatcher, m *machine.Machine, v uint64) machine.Trap {
	w := stackWidth(m)
	sp := m.Reg64(machine.RSP) - uint64(w)
	buf := make([]byte, w)
	putWidth(buf, v, w)
	if n := m.Sys.Arena.CopyToGuest(sp, buf); n != w {
		return pageFault(sp)
	}
	m.SetReg64(machine.RSP, sp)
	return noTrap
}

func pop(d *Dispatcher, m *machine.Machine) (uint64, machine.Trap) {
	w := stackWidth(m)
	sp := m.Reg64(machine.RSP)
	buf := make([]byte, w)
	if n := m.Sys.Arena.CopyFromGuest(buf, sp); n != w {
		return 0, pageFault(sp)
	}
	m.SetReg64(machine.RSP, sp+uint64(w))
	return getWidth(buf, w), noTrap
}

func putWidth(b []byte, v uint64, w int) {
	for i := 0; i < w; i++ {
		b[i] = byte(v >> uint(8*i))
	}
}

func getWidth(b []byte, w int) uint64 {
	var v uint64
	for i := w - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func opPushReg(idx int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		return false, push(d, m, m.Reg64(idx))
	}
}

func opPopReg(idx int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		v, tr := pop(d, m)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.SetReg64(idx, v)
		return false, noTrap
	}
}

func opPopRM(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := pop(d, m)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	return false, d.writeRM(m, ins, width(ins), v)
}

func opPushImm(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, push(d, m, uint64(signExtend(ins.Imm, ins.ImmBytes)))
}

// --- control flow ---

func opJmp(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	target := m.RIP + uint64(ins.Len) + uint64(signExtend(ins.Imm, ins.ImmBytes))
	m.RIP = target
	return true, noTrap
}

func opCall(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	ret := m.RIP + uint64(ins.Len)
	if tr := push(d, m, ret); tr.Kind != machine.TrapNone {
		return false, tr
	}
	m.RIP = ret + uint64(signExtend(ins.Imm, ins.ImmBytes))
	return true, noTrap
}

func opRet(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := pop(d, m)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	m.RIP = v
	return true, noTrap
}

func opRetIw(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := pop(d, m)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	m.SetReg64(machine.RSP, m.Reg64(machine.RSP)+ins.Imm)
	m.RIP = v
	return true, noTrap
}

func opLeave(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	m.SetReg64(machine.RSP, m.Reg64(machine.RBP))
	v, tr := pop(d, m)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	m.SetReg64(machine.RBP, v)
	return false, noTrap
}

// condHolds evaluates the Jcc/SETcc condition code cc against RFlags.
func condHolds(m *machine.Machine, cc byte) bool {
	cf := m.Flag(machine.FlagCF)
	zf := m.Flag(machine.FlagZF)
	sf := m.Flag(machine.FlagSF)
	of := m.Flag(machine.FlagOF)
	pf := m.Flag(machine.FlagPF)
	switch cc & 0xF {
	case 0x0:
		return of // JO
	case 0x1:
		return !of // JNO
	case 0x2:
		return cf // JB/JC
	case 0x3:
		return !cf // JAE/JNC
	case 0x4:
		return zf // JE/JZ
	case 0x5:
		return !zf // JNE/JNZ
	case 0x6:
		return cf || zf // JBE
	case 0x7:
		return !cf && !zf // JA
	case 0x8:
		return sf // JS
	case 0x9:
		return !sf // JNS
	case 0xA:
		return pf // JP
	case 0xB:
		return !pf // JNP
	case 0xC:
		return sf != of // JL
	case 0xD:
		return sf == of // JGE
	case 0xE:
		return zf || sf != of // JLE
	default:
		return !zf && sf == of // JG
	}
}

func opJcc(cc byte) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		if condHolds(m, cc) {
			m.RIP = m.RIP + uint64(ins.Len) + uint64(signExtend(ins.Imm, ins.ImmBytes))
			return true, noTrap
		}
		return false, noTrap
	}
}

func opJcc32(cc byte) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		if condHolds(m, cc) {
			m.RIP = m.RIP + uint64(ins.Len) + uint64(signExtend(ins.Imm, ins.ImmBytes))
			return true, noTrap
		}
		return false, noTrap
	}
}

func opSetcc(cc byte) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		v := uint64(0)
		if condHolds(m, cc) {
			v = 1
		}
		return false, d.writeRM(m, ins, 1, v)
	}
}

// --- shifts (group 2) ---

func opGroup2(width0 int, byCL bool) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.OperandSize == 1 || width0 == 1 {
			w = 1
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		count := uint64(1)
		if byCL {
			count = uint64(m.Reg8(machine.RCX, false)) & 0x1f
		}
		var result uint64
		switch ins.Reg & 0x7 {
		case 4: // SHL/SAL
			result = (a << count) & widthMaskLocal(w)
			m.RFlags = flags.ShiftLeft(m.RFlags, a, result, int(count), w)
		case 5: // SHR
			result = (a & widthMaskLocal(w)) >> count
			m.RFlags = flags.ShiftRight(m.RFlags, a, result, int(count), w, false)
		case 7: // SAR
			signed := signExtend(a, w)
			result = uint64(signed>>count) & widthMaskLocal(w)
			m.RFlags = flags.ShiftRight(m.RFlags, a, result, int(count), w, true)
		default:
			result = a
		}
		return false, d.writeRM(m, ins, w, result)
	}
}

// narrowProduct splits a 64x64->128 unsigned product into the
// destination's low/high halves for width w (1/2/4/8 bytes): for w<8
// the true product already fits entirely in lo64.
func narrowProduct(lo64, hi64 uint64, w int) (lo, hi uint64) {
	if w == 8 {
		return lo64, hi64
	}
	mask := widthMaskLocal(w)
	return lo64 & mask, (lo64 >> uint(w*8)) & mask
}

// mulSigned64 multiplies two sign-extended int64 operands and returns
// the result split into width-w low/high halves, using bits.Mul64 on
// the two's-complement bit patterns for the true 64x64->128 case.
func mulSigned64(a, b int64, w int) (lo, hi uint64) {
	if w == 8 {
		hi64, lo64 := bits.Mul64(uint64(a), uint64(b))
		// Correct the unsigned high part for the signed operands per
		// the standard two's-complement signed-multiply-via-unsigned
		// adjustment: subtract b if a<0, subtract a if b<0.
		if a < 0 {
			hi64 -= uint64(b)
		}
		if b < 0 {
			hi64 -= uint64(a)
		}
		return lo64, hi64
	}
	product := a * b
	mask := widthMaskLocal(w)
	return uint64(product) & mask, uint64(product>>uint(w*8)) & mask
}

// signExtendHi returns what the high half "should" be if the low half
// alone were sign-extended — used to detect signed-multiply overflow
// (hi != signExtendHi(lo) means the product didn't fit in the low half).
func signExtendHi(lo uint64, w int) uint64 {
	if signExtend(lo, w) < 0 {
		return widthMaskLocal(w)
	}
	return 0
}

func widthMaskLocal(w int) uint64 {
	switch w {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// --- group 3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV ---

func opGroup3(width0 int) opFunc {
	return func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
		w := width(ins)
		if ins.OperandSize == 1 || width0 == 1 {
			w = 1
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		switch ins.Reg & 0x7 {
		case 0, 1: // TEST Ev,Iz/Ib
			testCompute(m, a, ins.Imm, w)
			return false, noTrap
		case 2: // NOT
			return false, d.writeRM(m, ins, w, ^a&widthMaskLocal(w))
		case 3: // NEG
			r, f := aluCompute(aluSub, m.RFlags, 0, a, w)
			m.RFlags = f
			return false, d.writeRM(m, ins, w, r)
		case 4: // MUL (unsigned, rDX:rAX = rAX * r/m)
			hi64, lo64 := bits.Mul64(readRegWidth(m, machine.RAX, w, false)&widthMaskLocal(w), a&widthMaskLocal(w))
			lo, hi := narrowProduct(lo64, hi64, w)
			writeRegWidth(m, machine.RAX, w, lo, false)
			writeRegWidth(m, machine.RDX, w, hi, false)
			of := hi != 0
			m.SetFlag(machine.FlagCF, of)
			m.SetFlag(machine.FlagOF, of)
			return false, noTrap
		case 5: // IMUL (1-operand signed, rDX:rAX = rAX * r/m)
			lo, hi := mulSigned64(signExtend(readRegWidth(m, machine.RAX, w, false), w), signExtend(a, w), w)
			writeRegWidth(m, machine.RAX, w, lo, false)
			writeRegWidth(m, machine.RDX, w, hi, false)
			of := hi != signExtendHi(lo, w)
			m.SetFlag(machine.FlagCF, of)
			m.SetFlag(machine.FlagOF, of)
			return false, noTrap
		case 6: // DIV
			return false, divUnsigned(m, a, w)
		case 7: // IDIV
			return false, divSigned(m, a, w)
		default:
			return false, noTrap
		}
	}
}

func divUnsigned(m *machine.Machine, divisor uint64, w int) machine.Trap {
	if divisor&widthMaskLocal(w) == 0 {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGFPE}
	}
	dividend := (readRegWidth(m, machine.RDX, w, false) << uint(w*8)) | readRegWidth(m, machine.RAX, w, false)
	if w == 8 {
		dividend = m.Reg64(machine.RAX) // no 128-bit dividend modeled; RDX:RAX narrowed
	}
	q := dividend / divisor
	r := dividend % divisor
	writeRegWidth(m, machine.RAX, w, q, false)
	writeRegWidth(m, machine.RDX, w, r, false)
	return noTrap
}

func divSigned(m *machine.Machine, divisorU uint64, w int) machine.Trap {
	divisor := signExtend(divisorU, w)
	if divisor == 0 {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGFPE}
	}
	dividend := signExtend(m.Reg64(machine.RAX), w)
	q := dividend / divisor
	r := dividend % divisor
	writeRegWidth(m, machine.RAX, w, uint64(q), false)
	writeRegWidth(m, machine.RDX, w, uint64(r), false)
	return noTrap
}

// --- INC/DEC (group 4/5), CALL/JMP/PUSH indirect (group 5) ---

func opIncDecEb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	a, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	var r uint64
	if ins.Reg&0x7 == 0 {
		r = uint64(uint8(a + 1))
		m.RFlags = flags.Inc(m.RFlags, a, 1)
	} else {
		r = uint64(uint8(a - 1))
		m.RFlags = flags.Dec(m.RFlags, a, 1)
	}
	return false, d.writeRM(m, ins, 1, r)
}

func opGroup5(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	switch ins.Reg & 0x7 {
	case 0: // INC
		if ins.PrefixLock && !ins.RMIsReg {
			old, tr := lockedRMW(m, ins, w, func(a uint64) uint64 { return (a + 1) & widthMaskLocal(w) })
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
			m.RFlags = flags.Inc(m.RFlags, old, w)
			return false, noTrap
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.RFlags = flags.Inc(m.RFlags, a, w)
		return false, d.writeRM(m, ins, w, (a+1)&widthMaskLocal(w))
	case 1: // DEC
		if ins.PrefixLock && !ins.RMIsReg {
			old, tr := lockedRMW(m, ins, w, func(a uint64) uint64 { return (a - 1) & widthMaskLocal(w) })
			if tr.Kind != machine.TrapNone {
				return false, tr
			}
			m.RFlags = flags.Dec(m.RFlags, old, w)
			return false, noTrap
		}
		a, tr := d.readRM(m, ins, w)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.RFlags = flags.Dec(m.RFlags, a, w)
		return false, d.writeRM(m, ins, w, (a-1)&widthMaskLocal(w))
	case 2: // CALL near indirect
		target, tr := d.readRM(m, ins, 8)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		ret := m.RIP + uint64(ins.Len)
		if tr := push(d, m, ret); tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.RIP = target
		return true, noTrap
	case 4: // JMP near indirect
		target, tr := d.readRM(m, ins, 8)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		m.RIP = target
		return true, noTrap
	case 6: // PUSH Ev
		v, tr := d.readRM(m, ins, 8)
		if tr.Kind != machine.TrapNone {
			return false, tr
		}
		return false, push(d, m, v)
	default:
		return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL}
	}
}

// --- misc single-byte ---

func opNop(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, noTrap
}

func opNopModRM(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, noTrap
}

func opUD2(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
}

func opHlt(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, machine.Trap{Kind: machine.TrapFatal, Err: errHalt}
}

func opInt3(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGTRAP, Addr: m.RIP}
}

func opInt1(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGTRAP, Addr: m.RIP}
}

func opIntIb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if ins.Imm == 0x80 {
		// Legacy 32-bit syscall gate; routed the same as SYSCALL.
		return opSyscall(d, m, ins)
	}
	return false, machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGTRAP, Addr: m.RIP}
}

func opSyscall(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	if d.Syscall == nil {
		return false, machine.Trap{Kind: machine.TrapFatal, Err: errNoSyscallHandler}
	}
	if tr := d.Syscall(m); tr.Kind != machine.TrapNone {
		return false, tr
	}
	return false, noTrap
}

// --- CWTL/CLTD-family sign-extension opcodes ---

func opCwtl(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	switch width(ins) {
	case 2: // CBW
		m.SetReg16(machine.RAX, uint16(int16(int8(m.Reg8(machine.RAX, false)))))
	case 8: // CDQE
		m.SetReg64(machine.RAX, uint64(int64(int32(m.Reg32(machine.RAX)))))
	default: // CWDE
		m.SetReg32(machine.RAX, uint32(int32(int16(m.Reg16(machine.RAX)))))
	}
	return false, noTrap
}

func opCltd(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	switch width(ins) {
	case 2: // CWD
		v := int16(m.Reg16(machine.RAX))
		hi := uint16(0)
		if v < 0 {
			hi = 0xffff
		}
		m.SetReg16(machine.RDX, hi)
	case 8: // CQO
		v := int64(m.Reg64(machine.RAX))
		hi := uint64(0)
		if v < 0 {
			hi = ^uint64(0)
		}
		m.SetReg64(machine.RDX, hi)
	default: // CDQ
		v := int32(m.Reg32(machine.RAX))
		hi := uint32(0)
		if v < 0 {
			hi = 0xffffffff
		}
		m.SetReg32(machine.RDX, hi)
	}
	return false, noTrap
}

// --- PUSHF/POPF ---

func opPushf(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	return false, push(d, m, m.RFlags)
}

func opPopf(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := pop(d, m)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	// Reserved bits are preserved exactly (spec.md §3 invariant (d)):
	// only the documented writable flags are taken from the popped value.
	const writable = machine.FlagCF | machine.FlagPF | machine.FlagAF | machine.FlagZF |
		machine.FlagSF | machine.FlagTF | machine.FlagIF | machine.FlagDF | machine.FlagOF
	m.RFlags = (m.RFlags &^ writable) | (v & writable)
	return false, noTrap
}

// --- IMUL family ---

func opImul3(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	a, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	imm := signExtend(ins.Imm, ins.ImmBytes)
	product := signExtend(a, w) * imm
	writeReg(m, ins, w, uint64(product)&widthMaskLocal(w))
	of := product != int64(int32(product)) && w != 8
	m.SetFlag(machine.FlagCF, of)
	m.SetFlag(machine.FlagOF, of)
	return false, noTrap
}

func opImulGvEv(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	w := width(ins)
	a := signExtend(readReg(m, ins, w), w)
	b, tr := d.readRM(m, ins, w)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	product := a * signExtend(b, w)
	writeReg(m, ins, w, uint64(product)&widthMaskLocal(w))
	return false, noTrap
}

// --- MOVZX/MOVSX ---

func opMovzxGvEb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, width(ins), v)
	return false, noTrap
}

func opMovzxGvEw(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := d.readRM(m, ins, 2)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, width(ins), v)
	return false, noTrap
}

func opMovsxGvEb(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := d.readRM(m, ins, 1)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, width(ins), uint64(signExtend(v, 1))&widthMaskLocal(width(ins)))
	return false, noTrap
}

func opMovsxGvEw(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (bool, machine.Trap) {
	v, tr := d.readRM(m, ins, 2)
	if tr.Kind != machine.TrapNone {
		return false, tr
	}
	writeReg(m, ins, width(ins), uint64(signExtend(v, 2))&widthMaskLocal(width(ins)))
	return false, noTrap
}
