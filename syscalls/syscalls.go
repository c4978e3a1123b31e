// Package syscalls is Blink's Linux x86_64 syscall translation layer
// (spec.md §4.8): it reads the syscall number and six argument
// registers off a trapped SYSCALL instruction, routes through a table
// indexed by syscall number — the same flat command-code dispatch
// idiom the teacher's emu/sys_channel/channel.go uses for channel
// commands, generalized from channel-command bytes to syscall numbers
// (SPEC_FULL.md §6.8) — translates flags/structs via the abi
// subpackage and golang.org/x/sys/unix, invokes the host call, and
// returns the Linux-numbered result or negated errno in RAX.
package syscalls

import (
	"errors"
	"unsafe"

	"github.com/blinkvm/blink/fdtable"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
	"github.com/blinkvm/blink/sigbridge"
	"golang.org/x/sys/unix"
)

// Args is the six-register argument convention for a Linux x86_64
// syscall: RDI, RSI, RDX, R10 (not RCX — SYSCALL clobbers RCX with the
// return address), R8, R9.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

func argsFrom(m *machine.Machine) Args {
	return Args{
		A0: m.Reg64(machine.RDI),
		A1: m.Reg64(machine.RSI),
		A2: m.Reg64(machine.RDX),
		A3: m.Reg64(machine.R10),
		A4: m.Reg64(machine.R8),
		A5: m.Reg64(machine.R9),
	}
}

// Handler is one syscall's implementation. It returns the
// non-negative result value for RAX, or an error translated to
// -errno by Invoke.
type Handler func(t *Table, m *machine.Machine, a Args) (int64, error)

// Table is the syscall number -> Handler map, plus the host-side
// collaborators syscalls need: the signal-handler registry (for
// rt_sigaction) and a fixed fake pid, reported by getpid, getpgid,
// getpgrp and setsid, so a guest without real fork/exec still sees
// stable identifiers.
type Table struct {
	handlers map[int]Handler
	Sigs     *sigbridge.Registry
	Pid      int32

	// NoNetwork mirrors the CLI's -C flag (spec.md §6 CLI surface):
	// when set, socket()/socketpair() still succeed (a guest's libc
	// init often probes AF_UNIX before any real use) but bind/connect/
	// listen are refused, the same "allow the fd, deny the wire" shape
	// a sandboxed host network namespace gives for free.
	NoNetwork bool

	// RunLoop drives a Machine's fetch loop to completion and returns
	// its exit status. It is wired by cmd/blink to the same loop that
	// runs the primary Machine, so this package never imports
	// dispatch directly — the same decoupling Dispatcher.Syscall uses
	// in reverse. fork/clone use it to run a spawned guest thread.
	RunLoop func(m *machine.Machine) int
}

// exitRequest is how the exit/exit_group handlers signal the fetch
// loop to stop, without Handler's signature needing a Trap return —
// Invoke recognizes it and converts it to a machine.TrapExit.
type exitRequest struct{ status int }

func (e exitRequest) Error() string { return "syscalls: guest requested exit" }

// New builds a Table with every syscall in spec.md §4.8 wired in.
func New(sigs *sigbridge.Registry) *Table {
	t := &Table{handlers: make(map[int]Handler), Sigs: sigs, Pid: 1000}
	t.registerFileIO()
	t.registerFSMeta()
	t.registerMemory()
	t.registerProcess()
	t.registerTime()
	t.registerSignal()
	t.registerResource()
	t.registerNet()
	t.registerPoll()
	t.registerFutex()
	return t
}

// Invoke reads the syscall number from RAX and its six arguments from
// the register convention above, runs the matching Handler (or returns
// -ENOSYS for anything unregistered), and writes the Linux-ABI result
// back into RAX (spec.md §4.8(e)).
func (t *Table) Invoke(m *machine.Machine) machine.Trap {
	nr := int(m.Reg64(machine.RAX))
	a := argsFrom(m)

	fn, ok := t.handlers[nr]
	if !ok {
		m.SetReg64(machine.RAX, uint64(ENOSYS))
		return machine.Trap{Kind: machine.TrapNone}
	}

	ret, err := fn(t, m, a)
	var exit exitRequest
	if errors.As(err, &exit) {
		return machine.Trap{Kind: machine.TrapExit, Signal: exit.status}
	}
	if err != nil {
		m.SetReg64(machine.RAX, uint64(toErrno(err)))
		return machine.Trap{Kind: machine.TrapNone}
	}
	m.SetReg64(machine.RAX, uint64(ret))
	return machine.Trap{Kind: machine.TrapNone}
}

// register is a small helper so each category file reads as a flat
// table literal, the way opcodemap.go reads as a flat const block.
func (t *Table) register(nr int, h Handler) { t.handlers[nr] = h }

// --- shared helpers used by more than one category file ---

// copyIn reads n bytes from guest memory at virt into a fresh slice,
// returning an error if the range is not fully mapped.
func copyIn(m *machine.Machine, virt uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if got := m.Sys.Arena.CopyFromGuest(buf, virt); got != n {
		return nil, unix.EFAULT
	}
	return buf, nil
}

// copyOut writes src into guest memory at virt, returning an error if
// it could not be fully transferred.
func copyOut(m *machine.Machine, virt uint64, src []byte) error {
	if n := m.Sys.Arena.CopyToGuest(virt, src); n != len(src) {
		return unix.EFAULT
	}
	return nil
}

// cstring reads a NUL-terminated guest string starting at virt, one
// byte (one Lookup) at a time, up to 4096 bytes.
func cstring(m *machine.Machine, virt uint64) (string, error) {
	var out []byte
	for i := 0; i < 4096; i++ {
		chunk := m.Sys.Arena.Lookup(virt + uint64(i))
		if chunk == nil {
			return "", unix.EFAULT
		}
		if chunk[0] == 0 {
			return string(out), nil
		}
		out = append(out, chunk[0])
	}
	return "", unix.ENAMETOOLONG
}

// fd resolves a guest fd to its Entry via the System's fd table.
func fd(m *machine.Machine, guestFD int) (*fdtable.Entry, error) {
	return m.Sys.FDs.Get(guestFD)
}

// protOf converts Linux PROT_* bits to an mmu.Prot.
func protOf(p uint64) mmu.Prot {
	return mmu.Prot{
		Read:  p&unix.PROT_READ != 0,
		Write: p&unix.PROT_WRITE != 0,
		Exec:  p&unix.PROT_EXEC != 0,
	}
}

// ptr is a tiny unsafe helper returning the address of b's first byte
// (0 for an empty slice), for passing a buffer to unix.Syscall. Nothing
// in this package calls it; getdents64 goes through unix.ReadDirent.
func ptr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
