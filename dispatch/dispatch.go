// Package dispatch is Blink's interpreter: it turns one decoder.Instruction
// into machine-state effects, following the width-exact arithmetic and
// flag-recomputation rules of spec.md §4.5.
//
// Every opcode handler returns a machine.Trap instead of panicking — the
// teacher's own cpu.go threads an "err uint16" return the same way, and
// SPEC_FULL.md §9 records this as the deliberate, alloc-free substitute
// for siglongjmp.
package dispatch

import (
	"errors"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/jit"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
	"github.com/blinkvm/blink/smc"
)

// noTrap is the zero value meaning "no fault, keep going".
var noTrap = machine.Trap{Kind: machine.TrapNone}

var (
	errHalt             = errors.New("dispatch: HLT executed")
	errNoSyscallHandler = errors.New("dispatch: SYSCALL with no handler wired")
)

// hotThreshold is how many times a path's start address must be fetched
// before the JIT compiles it (spec.md §4.6: "when a path becomes hot").
const hotThreshold = 32

// opFunc is one row of the dispatch table: it reads operands, computes,
// recomputes flags, and writes results. It reports branched=true when it
// has already set RIP to a target itself (a taken jump/call/ret); Step
// only adds ins.Len to RIP otherwise, per spec.md §3 invariant (c) — the
// decoder never advances IP, the dispatcher does, after success.
type opFunc func(d *Dispatcher, m *machine.Machine, ins *decoder.Instruction) (branched bool, trap machine.Trap)

// Dispatcher holds the opcode function tables, built once, the same
// "giant literal array of function values" idiom the teacher's
// cpu.createTable() uses (SPEC_FULL.md §6.5).
type Dispatcher struct {
	oneByte [256]opFunc
	twoByte map[byte]opFunc

	jitState *jit.State
	hitCount map[uint64]uint32

	// Syscall is invoked on the SYSCALL opcode; wired by cmd/blink to
	// syscalls.Table.Invoke so this package never imports syscalls
	// (which in turn imports machine, not dispatch).
	Syscall func(m *machine.Machine) machine.Trap
}

// New builds a Dispatcher with every opcode handler wired in.
func New() *Dispatcher {
	d := &Dispatcher{twoByte: make(map[byte]opFunc), hitCount: make(map[uint64]uint32)}
	d.buildOneByteTable()
	d.buildTwoByteTable()
	return d
}

// SetJIT installs the JIT path index; called once at System bring-up
// when -j is set and the preconditions in jit.Supported/LinearMapping
// hold. Passing nil disables path compilation (the interpreter always
// still runs).
func (d *Dispatcher) SetJIT(state *jit.State) { d.jitState = state }

func (d *Dispatcher) lookup(ins *decoder.Instruction) opFunc {
	switch ins.Map {
	case decoder.MapOneByte:
		return d.oneByte[ins.Opcode]
	case decoder.Map0F:
		return d.twoByte[ins.Opcode]
	default:
		return nil
	}
}

// Step fetches, decodes, and executes exactly one instruction, or — when
// the JIT is enabled and a compiled path starts at RIP — runs that path
// instead, bypassing decode+dispatch entirely for its length (spec.md
// §4.6). Returns the resulting Trap; TrapNone means the fetch loop
// should continue.
func (d *Dispatcher) Step(m *machine.Machine) machine.Trap {
	d.safePoint(m)

	var trap machine.Trap
	if d.jitState != nil {
		if p := d.jitState.Lookup(m.RIP); p != nil {
			trap = p.Run(m)
		} else {
			trap = d.fetchDecodeExecute(m)
		}
	} else {
		trap = d.fetchDecodeExecute(m)
	}
	if trap.Kind != machine.TrapNone {
		return trap
	}

	return d.checkAttention(m)
}

func (d *Dispatcher) fetchDecodeExecute(m *machine.Machine) machine.Trap {
	code := fetchBytes(m)
	if code == nil {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGSEGV, Addr: m.RIP}
	}

	ins, err := decoder.Decode(code, m.Mode)
	if err != nil {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Err: err}
	}

	if d.jitState != nil {
		d.maybeCompile(m)
	}

	return d.execute(m, &ins)
}

// checkAttention is the fetch loop's half of spec.md §5/§9.1's
// out-of-band interruption path: the signal goroutine (sigbridge) posts
// a Trap onto m.Trap and sets m.Attention whenever it can, falling back
// to m.Attention plus the Pending bitmask alone when the buffered
// channel is full. A select on m.Trap here is the Go substitute for the
// teacher's sigsetjmp/siglongjmp pair — the posted value, when present,
// is returned straight through; otherwise a bare TrapSignal with
// Signal==0 tells the caller to resolve the winner out of Pending/
// SigMask itself (sigbridge.Deliverable).
func (d *Dispatcher) checkAttention(m *machine.Machine) machine.Trap {
	select {
	case t := <-m.Trap:
		m.Attention.Store(false)
		return t
	default:
	}
	if m.Attention.CompareAndSwap(true, false) {
		return machine.Trap{Kind: machine.TrapSignal, Signal: 0}
	}
	return noTrap
}

// fetchBytes reads up to 15 bytes at m.RIP, crossing a page boundary if
// the instruction straddles one, or nil if the first byte is unmapped.
func fetchBytes(m *machine.Machine) []byte {
	code := m.Sys.Arena.Lookup(m.RIP)
	if code == nil {
		return nil
	}
	if len(code) >= 15 {
		return code[:15]
	}
	more := m.Sys.Arena.Lookup(m.RIP + uint64(len(code)))
	buf := make([]byte, 0, 15)
	buf = append(buf, code...)
	if more != nil {
		need := 15 - len(buf)
		if need > len(more) {
			need = len(more)
		}
		buf = append(buf, more[:need]...)
	}
	return buf
}

// execute runs one already-decoded instruction's handler and advances
// RIP, TF-trap bookkeeping, and the code-hit histogram.
func (d *Dispatcher) execute(m *machine.Machine, ins *decoder.Instruction) machine.Trap {
	m.Scratch = *ins
	m.OperandLen = ins.OperandSize

	fn := d.lookup(ins)
	if fn == nil {
		return machine.Trap{Kind: machine.TrapSignal, Signal: machine.SIGILL, Addr: m.RIP}
	}

	tfWasSet := m.Flag(machine.FlagTF)
	suppressTrap := ins.Map == decoder.Map0F && ins.Opcode == 0x05 // SYSCALL (spec §9(c))

	branched, trap := fn(d, m, ins)
	if trap.Kind != machine.TrapNone {
		return trap
	}

	if !branched {
		m.RIP += uint64(ins.Len)
	}

	m.Sys.RecordFetch(m.RIP)

	if tfWasSet && !suppressTrap {
		m.Pending |= 1 << uint(machine.SIGTRAP)
		m.Attention.Store(true)
	}

	return noTrap
}

// safePoint drains the SMC queue before each fetch (spec.md §4.3).
// Pending signals and Attention are not checked here; checkAttention
// does that after the instruction retires.
func (d *Dispatcher) safePoint(m *machine.Machine) {
	if !m.SMC.Pending() {
		return
	}
	var inv smc.Invalidator
	if d.jitState != nil {
		inv = d.jitState
	}
	m.SMC.Drain(inv, m.Sys.Arena)
}

// maybeCompile bumps the hit counter for m.RIP and, once it crosses
// hotThreshold, compiles a path starting there and arms the SMC tracker
// by write-protecting the path's pages in the linear mirror.
func (d *Dispatcher) maybeCompile(m *machine.Machine) {
	start := m.RIP
	d.hitCount[start]++
	if d.hitCount[start] < hotThreshold {
		return
	}
	delete(d.hitCount, start)
	if d.jitState.Lookup(start) != nil {
		return
	}
	path := d.compilePath(m, start)
	if path == nil || len(path.Ops) == 0 {
		return
	}
	d.jitState.Insert(path)
	for page := start &^ (mmu.PageSize - 1); page < start+path.Len; page += mmu.PageSize {
		m.Sys.Arena.MarkJIT(page, true)
		_ = m.Sys.Arena.ProtectLinearReadOnly(page)
	}
}

// compilePath decodes successive instructions starting at addr,
// compiling each into a jit.MicroOp, stopping at a branch, syscall,
// privileged opcode, or page boundary (spec.md §4.6's Path definition).
func (d *Dispatcher) compilePath(m *machine.Machine, addr uint64) *jit.Path {
	const maxOps = 64
	startPage := addr &^ (mmu.PageSize - 1)
	path := &jit.Path{Start: addr}
	ip := addr

	for len(path.Ops) < maxOps {
		if ip&^(mmu.PageSize-1) != startPage {
			break
		}
		code := m.Sys.Arena.Lookup(ip)
		if code == nil {
			break
		}
		if len(code) > 15 {
			code = code[:15]
		}
		ins, err := decoder.Decode(code, m.Mode)
		if err != nil {
			break
		}
		fn := d.lookup(&ins)
		if fn == nil {
			break
		}
		isBranchy := isControlFlow(&ins)

		insCopy := ins
		oplen := uint64(ins.Len)
		path.Ops = append(path.Ops, func(mm *machine.Machine) (bool, machine.Trap) {
			branched, trap := fn(d, mm, &insCopy)
			if trap.Kind != machine.TrapNone {
				return false, trap
			}
			if !branched {
				mm.RIP += oplen
			}
			return branched, noTrap
		})

		ip += oplen
		path.Len = ip - addr
		if isBranchy {
			break
		}
	}
	return path
}

// isControlFlow reports whether ins ends a JIT path: a branch, call,
// ret, int, or syscall (spec.md §4.6).
func isControlFlow(ins *decoder.Instruction) bool {
	if ins.Map == decoder.Map0F {
		return ins.Opcode == 0x05 || (ins.Opcode >= 0x80 && ins.Opcode <= 0x8F)
	}
	switch ins.Opcode {
	case 0xE8, 0xE9, 0xEB, 0xC2, 0xC3, 0xCC, 0xCD, 0xF1, 0xF4:
		return true
	}
	if ins.Opcode >= 0x70 && ins.Opcode <= 0x7F {
		return true
	}
	if ins.Opcode == 0xFF && ins.HasModRM && ins.Reg >= 2 && ins.Reg <= 5 {
		return true
	}
	return false
}
