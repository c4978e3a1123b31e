// Package sigbridge is Blink's signal bridge (spec.md §4.7): it
// translates between guest and host signal numbers, captures host
// signals (SIGSEGV/SIGBUS/SIGFPE/SIGILL/SIGTRAP/SIGINT/SIGALRM/
// SIGWINCH/SIGCONT) that the guest itself needs to observe, and builds
// the guest-stack signal-delivery frame glibc's sigreturn expects.
//
// Go has no in-process sigsetjmp/siglongjmp. The teacher's own
// concurrency model — goroutines and channels in emu/core/core.go — is
// reused instead: a dedicated goroutine receives host signals via
// os/signal and posts a machine.Trap onto the target Machine's Trap
// channel, the same "post and let the fetch loop's select catch it"
// shape SPEC_FULL.md §6.7 and Design Note §9 describe as the Go
// substitute for longjmp.
package sigbridge

import (
	"os"
	"os/signal"
	"sync"

	"github.com/blinkvm/blink/endian"
	"github.com/blinkvm/blink/machine"
	"golang.org/x/sys/unix"
)

// hostSignals are the host signals Blink installs a handler for. Guest
// numbering matches host numbering 1:1 on a Linux host (the ABI this
// spec targets); a non-Linux host would need a translation table here,
// which is why host signals go through translateToGuest rather than
// being used directly.
var hostSignals = []os.Signal{
	unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGTRAP,
	unix.SIGINT, unix.SIGALRM, unix.SIGWINCH, unix.SIGCONT,
}

// translateToGuest maps a host signal to its Linux guest signal number.
func translateToGuest(s os.Signal) int {
	if n, ok := s.(unix.Signal); ok {
		return int(n)
	}
	return 0
}

// Registry is the process-wide signal-handler table, process-shared per
// spec.md §3 ("Global mutable state... is part of System").
type Registry struct {
	mu       sync.Mutex
	handlers [65]machine.HandlerEntry
	current  *machine.Machine // the Machine considered "foreground" for host-signal delivery
	stop     chan struct{}
}

// NewRegistry starts the host-signal-capture goroutine and returns a
// Registry ready to route signals to whichever Machine calls Attach.
func NewRegistry() *Registry {
	r := &Registry{stop: make(chan struct{})}
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, hostSignals...)
	go r.pump(ch)
	return r
}

// Attach marks m as the Machine host signals are currently routed to.
// Blink runs one Machine per host thread; in a single-process-image
// emulator the "current" Machine is whichever one is running when a
// signal arrives — multi-threaded guests route via SA_THREAD semantics
// that sit above this bridge (collaborator territory, not core).
func (r *Registry) Attach(m *machine.Machine) {
	r.mu.Lock()
	r.current = m
	r.mu.Unlock()
}

// Stop halts the signal-capture goroutine, used at guest-process exit.
func (r *Registry) Stop() { close(r.stop) }

func (r *Registry) pump(ch chan os.Signal) {
	for {
		select {
		case <-r.stop:
			return
		case sig := <-ch:
			guestSig := translateToGuest(sig)
			r.mu.Lock()
			m := r.current
			r.mu.Unlock()
			if m == nil || guestSig == 0 {
				continue
			}
			r.postSignalFault(m, guestSig, sig)
		}
	}
}

// postSignalFault posts a Trap for a signal Blink's own process
// received (as opposed to a guest-classified fault, which dispatch
// returns directly from Step). A host SIGSEGV/SIGBUS arriving
// here came through os/signal's notification goroutine, which cannot
// resume the faulting goroutine at the faulting instruction; it is
// therefore only meaningful for signals the guest wants reported as an
// asynchronous event, not for the JIT's SMC write-protect scheme (see
// smc.WriteFaultCatchImplemented, which that mechanism still lacks).
func (r *Registry) postSignalFault(m *machine.Machine, guestSig int, _ os.Signal) {
	select {
	case m.Trap <- machine.Trap{Kind: machine.TrapSignal, Signal: guestSig}:
	default:
		// Trap channel full: the Machine is not reading signals fast
		// enough. Record it as pending so the next safe point still
		// sees it, rather than dropping it (spec.md §4.3: "no write is
		// ever lost").
	}
	m.Pending |= 1 << uint(guestSig)
	m.Attention.Store(true)
}

// EnqueueGuestFault posts a guest-classified fault (the "guest→guest"
// direction of spec.md §4.7) without going through a host signal.
// Nothing in dispatch calls it: dispatch's fault classifiers (decode
// error, memory fault, divide-by-zero) return their TrapSignal from Step.
func EnqueueGuestFault(m *machine.Machine, sig int, addr uint64) {
	m.Pending |= 1 << uint(sig)
	select {
	case m.Trap <- machine.Trap{Kind: machine.TrapSignal, Signal: sig, Addr: addr}:
	default:
	}
	m.Attention.Store(true)
}

// SetHandler installs a guest sigaction entry for signal sig.
func (r *Registry) SetHandler(sig int, e machine.HandlerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig < 0 || sig >= len(r.handlers) {
		return
	}
	r.handlers[sig] = e
}

// Handler returns the current handler entry for sig.
func (r *Registry) Handler(sig int) machine.HandlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig < 0 || sig >= len(r.handlers) {
		return machine.HandlerEntry{}
	}
	return r.handlers[sig]
}

// SigIgn and SigDfl are the sentinel handler addresses for SIG_IGN and
// SIG_DFL, matching glibc's sigaction ABI.
const (
	SigDfl uint64 = 0
	SigIgn uint64 = 1
)

// DefaultAction classifies what Linux does with sig when no handler is
// installed (spec.md §4.7 "Default actions").
type DefaultAction int

const (
	ActIgnore DefaultAction = iota
	ActTerminate
	ActCore
	ActStop
	ActContinue
)

// DefaultActionFor classifies what Linux does with sig when no handler
// is installed (spec.md §4.7 "Default actions"); exported so cmd/blink's
// fetch loop can map an undelivered fatal signal to the guest's
// 128+signum exit status.
func DefaultActionFor(sig int) DefaultAction {
	switch sig {
	case machine.SIGCHLD, machine.SIGWINCH, machine.SIGCONT:
		if sig == machine.SIGCONT {
			return ActContinue
		}
		return ActIgnore
	case machine.SIGSTOP, machine.SIGTSTP:
		return ActStop
	case machine.SIGQUIT, machine.SIGILL, machine.SIGABRT, machine.SIGFPE,
		machine.SIGSEGV, machine.SIGBUS, machine.SIGTRAP:
		return ActCore
	default:
		return ActTerminate
	}
}

// Deliverable picks the highest-numbered pending signal not masked by
// sigmask, per spec.md §4.7's delivery-ordering rule, or 0 if none.
func Deliverable(pending, sigmask uint64) int {
	candidates := pending &^ sigmask
	for sig := 64; sig >= 1; sig-- {
		if candidates&(1<<uint(sig)) != 0 {
			return sig
		}
	}
	return 0
}

// frameSize mirrors the guest stack layout spec.md §6 describes:
// siginfo (128 bytes) + fpstate (512 bytes) + ucontext (precedes both on
// the stack, below the restorer/siginfo/ucontext pointers pushed for the
// handler call).
const (
	sizeofSiginfo  = 128
	sizeofFPState  = 512
	sizeofUcontext = 168 // greg_t[23] (8 bytes each) rounded to the glibc layout's used prefix
)

// DeliverFrame builds the guest signal-delivery frame on m's current
// stack and redirects execution to the guest handler by setting m's RSP
// and RIP itself; it returns nothing. copyToGuest is m's MMU
// CopyToGuest method, injected so this package needs no mmu import
// beyond the byte-slice contract endian already models.
func DeliverFrame(m *machine.Machine, h machine.HandlerEntry, sig int, faultAddr uint64, copyToGuest func(virt uint64, src []byte) int) {
	sp := m.Reg64(machine.RSP)
	sp &^= 0xf // 16-byte align per the SysV ABI before pushing the frame

	total := sizeofUcontext + sizeofFPState + sizeofSiginfo
	sp -= uint64(total)

	ucontextAddr := sp
	fpstateAddr := ucontextAddr + sizeofUcontext
	siginfoAddr := fpstateAddr + sizeofFPState

	frame := make([]byte, total)
	writeUcontext(frame[:sizeofUcontext], m, fpstateAddr)
	writeFPState(frame[sizeofUcontext:sizeofUcontext+sizeofFPState], m)
	writeSiginfo(frame[sizeofUcontext+sizeofFPState:], sig, faultAddr)
	copyToGuest(sp, frame)

	// Push the restorer return address so the guest handler's RET lands
	// on the sigreturn trampoline.
	sp -= 8
	restorerBuf := make([]byte, 8)
	endian.Store64(restorerBuf, 0, h.Restorer)
	copyToGuest(sp, restorerBuf)

	m.SetReg64(machine.RSP, sp)
	m.SetReg64(machine.RDI, uint64(sig))
	m.SetReg64(machine.RSI, siginfoAddr)
	m.SetReg64(machine.RDX, ucontextAddr)
	m.RIP = h.Handler
}

func writeUcontext(b []byte, m *machine.Machine, fpstatePtr uint64) {
	// A minimal prefix of struct ucontext's mcontext_t gregs in glibc's
	// REG_* order (enough for an unmodified sigreturn to restore PC and
	// the integer registers this VM actually models).
	const (
		regRDI = iota
		regRSI
		regRDX
		regRCX
		regR8
		regR9
		regR10
		regR11
		regRBX
		regRBP
		regRAX
		regR15
		regR14
		regR13
		regR12
		regRIP
		regEFL
		_
		_
		regRSP
	)
	put := func(i int, v uint64) { endian.Store64(b, i*8, v) }
	put(regRDI, m.Reg64(machine.RDI))
	put(regRSI, m.Reg64(machine.RSI))
	put(regRDX, m.Reg64(machine.RDX))
	put(regRCX, m.Reg64(machine.RCX))
	put(regR8, m.Reg64(machine.R8))
	put(regR9, m.Reg64(machine.R9))
	put(regR10, m.Reg64(machine.R10))
	put(regR11, m.Reg64(machine.R11))
	put(regRBX, m.Reg64(machine.RBX))
	put(regRBP, m.Reg64(machine.RBP))
	put(regRAX, m.Reg64(machine.RAX))
	put(regR15, m.Reg64(machine.R15))
	put(regR14, m.Reg64(machine.R14))
	put(regR13, m.Reg64(machine.R13))
	put(regR12, m.Reg64(machine.R12))
	put(regRIP, m.RIP)
	put(regEFL, m.RFlags)
	put(regRSP, m.Reg64(machine.RSP))
	// fpregs pointer lives near the tail of mcontext_t; placed at a
	// fixed offset this minimal layout reserves for it.
	if len(b) >= 8*20+8 {
		endian.Store64(b, 8*20, fpstatePtr)
	}
}

func writeFPState(b []byte, m *machine.Machine) {
	endian.Store16(b, 0, m.FPU.Control)
	endian.Store16(b, 2, m.FPU.Status)
	endian.Store16(b, 4, m.FPU.Tag)
	endian.Store32(b, 24, uint32(m.MXCSR))
	for i, raw := range m.FPU.STRaw {
		off := 32 + i*16
		if off+10 <= len(b) {
			copy(b[off:off+10], raw[:])
		}
	}
	xmmOff := 32 + 8*16
	for i, reg := range m.XMM {
		off := xmmOff + i*16
		if off+16 <= len(b) {
			endian.Store64(b, off, reg[0])
			endian.Store64(b, off+8, reg[1])
		}
	}
}

func writeSiginfo(b []byte, sig int, addr uint64) {
	endian.Store32(b, 0, uint32(sig))
	endian.Store32(b, 8, 0) // si_code
	endian.Store64(b, 16, addr)
}
