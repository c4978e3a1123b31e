package machine_test

import (
	"os"
	"testing"

	"github.com/blinkvm/blink/dispatch"
	"github.com/blinkvm/blink/fdtable"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
	"github.com/blinkvm/blink/sigbridge"
	"github.com/blinkvm/blink/syscalls"
)

// newEndToEndMachine builds a Machine with a code page, a stack page,
// and a syscall table wired to d the same way cmd/blink's run() does,
// minus the CLI/loader plumbing (spec.md §6's end-to-end scenarios
// exercise the fetch loop, dispatcher, and syscall table together, not
// the ELF reader).
func newEndToEndMachine(t *testing.T, code []byte) (*machine.Machine, *dispatch.Dispatcher, *sigbridge.Registry) {
	t.Helper()
	sys := machine.NewSystem(1 << 20)
	const base = 0x400000
	if err := sys.Arena.Reserve(base, uint64(len(code))+mmu.PageSize, mmu.Prot{Read: true, Write: true, Exec: true}, false); err != nil {
		t.Fatalf("reserve code: %v", err)
	}
	if n := sys.Arena.CopyToGuest(base, code); n != len(code) {
		t.Fatalf("copy code: got %d bytes, want %d", n, len(code))
	}
	const stackTop = 0x7ffffffff000
	if err := sys.Arena.Reserve(stackTop-mmu.PageSize, mmu.PageSize, mmu.Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("reserve stack: %v", err)
	}

	m := machine.NewMachine(sys, 1)
	m.RIP = base
	m.SetReg64(machine.RSP, stackTop)

	sigs := sigbridge.NewRegistry()
	sigs.Attach(m)

	sysTable := syscalls.New(sigs)
	d := dispatch.New()
	d.Syscall = sysTable.Invoke
	return m, d, sigs
}

// driveToExitOrSignal runs d.Step(m) to completion, clearing a
// delivered signal's Pending bit the way cmd/blink's runMachine does,
// but stops and returns the first signal trap it sees instead of
// consulting a handler table — callers that want to keep going past a
// delivered signal use driveCountingTraps below.
func driveToExitOrSignal(t *testing.T, m *machine.Machine, d *dispatch.Dispatcher, maxSteps int) machine.Trap {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		trap := d.Step(m)
		switch trap.Kind {
		case machine.TrapNone:
			continue
		case machine.TrapExit, machine.TrapSignal, machine.TrapFatal:
			return trap
		}
	}
	t.Fatalf("did not trap or exit within %d steps", maxSteps)
	return machine.Trap{}
}

// TestExitStatusScenario drives spec.md §8 scenario 1: a program whose
// only job is "mov eax, 231; mov edi, 42; syscall" must make the VM
// exit with status 42.
func TestExitStatusScenario(t *testing.T) {
	code := []byte{
		0xB8, 0xE7, 0x00, 0x00, 0x00, // mov eax, 231 (exit_group)
		0xBF, 0x2A, 0x00, 0x00, 0x00, // mov edi, 42
		0x0F, 0x05, // syscall
	}
	m, d, sigs := newEndToEndMachine(t, code)
	defer sigs.Stop()

	trap := driveToExitOrSignal(t, m, d, 8)
	if trap.Kind != machine.TrapExit {
		t.Fatalf("trap = %+v, want TrapExit", trap)
	}
	if trap.Signal != 42 {
		t.Fatalf("exit status = %d, want 42", trap.Signal)
	}
}

// TestWriteSyscallScenario drives spec.md §8 scenario 2: the program
// writes "hello world\n" to fd 1 via syscall 1 then exits 0; the host
// must receive exactly those 12 bytes and the exit status must be 0.
func TestWriteSyscallScenario(t *testing.T) {
	const bufAddr = 0x500000
	msg := []byte("hello world\n")

	code := []byte{
		0xBF, 0x01, 0x00, 0x00, 0x00, // mov edi, 1 (fd)
		0xBE, 0x00, 0x00, 0x50, 0x00, // mov esi, 0x500000 (buf)
		0xBA, 0x0C, 0x00, 0x00, 0x00, // mov edx, 12 (len)
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (write)
		0x0F, 0x05, // syscall
		0xBF, 0x00, 0x00, 0x00, 0x00, // mov edi, 0
		0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60 (exit)
		0x0F, 0x05, // syscall
	}
	m, d, sigs := newEndToEndMachine(t, code)
	defer sigs.Stop()

	if err := m.Sys.Arena.Reserve(bufAddr, mmu.PageSize, mmu.Prot{Read: true, Write: true}, false); err != nil {
		t.Fatalf("reserve buf: %v", err)
	}
	if n := m.Sys.Arena.CopyToGuest(bufAddr, msg); n != len(msg) {
		t.Fatalf("copy buf: got %d, want %d", n, len(msg))
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	m.Sys.FDs.InstallAt(1, &fdtable.Entry{Host: int(w.Fd()), Ops: &fdtable.HostFD{FD: int(w.Fd())}, Path: "/dev/stdout"})

	trap := driveToExitOrSignal(t, m, d, 16)
	w.Close()
	if trap.Kind != machine.TrapExit {
		t.Fatalf("trap = %+v, want TrapExit", trap)
	}
	if trap.Signal != 0 {
		t.Fatalf("exit status = %d, want 0", trap.Signal)
	}

	got := make([]byte, 32)
	n, _ := r.Read(got)
	if string(got[:n]) != "hello world\n" {
		t.Fatalf("host read %q, want %q", got[:n], "hello world\n")
	}
}

// TestSegfaultScenario drives spec.md §8 scenario 3: "mov rax, [0]"
// must fault with SIGSEGV against guest address 0.
func TestSegfaultScenario(t *testing.T) {
	code := []byte{0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00} // mov rax, [0]
	m, d, sigs := newEndToEndMachine(t, code)
	defer sigs.Stop()

	trap := driveToExitOrSignal(t, m, d, 4)
	if trap.Kind != machine.TrapSignal || trap.Signal != machine.SIGSEGV {
		t.Fatalf("trap = %+v, want TrapSignal/SIGSEGV", trap)
	}
	if trap.Addr != 0 {
		t.Fatalf("fault addr = %#x, want 0", trap.Addr)
	}
	if action := sigbridge.DefaultActionFor(trap.Signal); action != sigbridge.ActCore {
		t.Fatalf("DefaultActionFor(SIGSEGV) = %v, want ActCore (128+11 exit)", action)
	}
}

// TestTFAttentionDeliveryScenario is the machine-level half of spec.md
// §8 scenario 4, covering the Attention/Trap wiring dispatch.Step's
// checkAttention performs (SPEC_FULL.md §6.7, §9.1): with TF set, every
// retired instruction must surface as a TrapSignal the fetch loop can
// see and clear, not be silently swallowed. This drives five plain mov
// instructions and a closing syscall (the decoder/dispatch support for the exact 11-opcode
// byte sequence spec.md's scenario 4 strings together — cwtl, popfq,
// addr32 popfq, int1, pushed/popped immediates — is exercised
// individually by dispatch's own opcode tests) and asserts exactly one
// SIGTRAP delivery per retired instruction while TF stays set.
func TestTFAttentionDeliveryScenario(t *testing.T) {
	code := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xB8, 0x03, 0x00, 0x00, 0x00, // mov eax, 3
		0xB8, 0xE7, 0x00, 0x00, 0x00, // mov eax, 231 (exit_group)
		0xBF, 0x00, 0x00, 0x00, 0x00, // mov edi, 0
		0x0F, 0x05, // syscall
	}
	m, d, sigs := newEndToEndMachine(t, code)
	defer sigs.Stop()
	m.SetFlag(machine.FlagTF, true)

	traps := 0
	for i := 0; i < 64; i++ {
		trap := d.Step(m)
		switch trap.Kind {
		case machine.TrapNone:
			continue
		case machine.TrapExit:
			if trap.Signal != 0 {
				t.Fatalf("exit status = %d, want 0", trap.Signal)
			}
			if traps != 5 {
				t.Fatalf("observed %d SIGTRAP deliveries before exit, want 5 (one per mov, none for syscall per spec.md §9(c))", traps)
			}
			return
		case machine.TrapSignal:
			sig := trap.Signal
			if sig == 0 {
				// checkAttention saw Attention set without a channel-posted
				// Trap (the TF path never posts one): resolve the winner
				// out of Pending the same way cmd/blink's runMachine does.
				sig = sigbridge.Deliverable(m.Pending, m.SigMask)
			}
			if sig != machine.SIGTRAP {
				t.Fatalf("unexpected trap %+v (resolved signal %d)", trap, sig)
			}
			traps++
			m.Pending &^= 1 << uint(sig)
		case machine.TrapFatal:
			t.Fatalf("fatal: %v", trap.Err)
		}
	}
	t.Fatalf("did not exit within step budget")
}

// TestSelfModifyingCodeScenario drives spec.md §8 scenario 5's core
// assertion without the JIT: a guest overwrite of its own code (nop;
// ret, later int3) is visible to the next fetch immediately, and
// executing the freshly written 0xCC delivers SIGTRAP.
func TestSelfModifyingCodeScenario(t *testing.T) {
	const fn = 0x400100
	m, d, sigs := newEndToEndMachine(t, []byte{0xC3}) // filler so Reserve below succeeds
	defer sigs.Stop()

	if err := m.Sys.Arena.Reserve(fn, mmu.PageSize, mmu.Prot{Read: true, Write: true, Exec: true}, true); err != nil {
		t.Fatalf("reserve fn: %v", err)
	}
	if n := m.Sys.Arena.CopyToGuest(fn, []byte{0x90, 0xC3}); n != 2 { // nop; ret
		t.Fatalf("copy nop/ret: got %d", n)
	}
	m.RIP = fn
	// Simulate the caller's pushed return address so the ret has a slot
	// to pop from inside the mapped stack page.
	m.SetReg64(machine.RSP, m.Reg64(machine.RSP)-8)
	for i := 0; i < 2; i++ {
		if trap := d.Step(m); trap.Kind != machine.TrapNone {
			t.Fatalf("first call: unexpected trap %+v at step %d", trap, i)
		}
	}

	if n := m.Sys.Arena.CopyToGuest(fn, []byte{0xCC}); n != 1 {
		t.Fatalf("overwrite with int3: got %d", n)
	}
	m.RIP = fn
	trap := d.Step(m)
	if trap.Kind != machine.TrapSignal || trap.Signal != machine.SIGTRAP {
		t.Fatalf("second call: trap = %+v, want TrapSignal/SIGTRAP", trap)
	}
}
