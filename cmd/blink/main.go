// Command blink is the thin driver spec.md §6 describes: it owns
// nothing of the core engine's semantics, only the CLI surface (flags,
// log-file setup, the ELF-vs-flat-image choice, and the exit-code
// mapping), grounded on the teacher's own root main.go (getopt flag
// definitions, a log-file-backed slog.Logger installed as the process
// default, and a goroutine running the CPU against a signal-aware
// shutdown path).
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	getopt "github.com/pborman/getopt/v2"

	"github.com/blinkvm/blink/debugconsole"
	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/dispatch"
	"github.com/blinkvm/blink/fdtable"
	"github.com/blinkvm/blink/jit"
	"github.com/blinkvm/blink/loader"
	"github.com/blinkvm/blink/logutil"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
	"github.com/blinkvm/blink/sigbridge"
	"github.com/blinkvm/blink/smc"
	"github.com/blinkvm/blink/syscalls"
)

// defaultArenaSize bounds the physical backing store a long-mode guest
// can fault pages into; an ELF's own PT_LOAD extent plus stack/brk
// headroom comfortably fits inside it for ordinary userland binaries.
const defaultArenaSize = 512 << 20

// realModeLoadAddr is where a flat (-r) image is based, the classic
// x86 boot-sector origin.
const realModeLoadAddr = 0x7c00

// Exit codes beyond the guest's own (spec.md §6 CLI surface): 127 on
// loader failure, 70 for an internal fatal error the guest never caused.
// A guest can exit with either value itself.
const (
	exitLoaderFailure = 127
	exitInternalFatal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	optHelp := getopt.BoolLong("help", 'h', "show usage")
	optVerbose := getopt.BoolLong("verbose", 'v', "enable debug-level logging to stderr")
	optStats := getopt.BoolLong("stats", 's', "print code-hit statistics on exit")
	optJIT := getopt.BoolLong("jit", 'j', "enable the path JIT")
	optLinear := getopt.BoolLong("linear", 'm', "permit a linear host-pointer mirror of the guest arena")
	optLogFile := getopt.StringLong("log", 'L', "", "log file path")
	optOverlay := getopt.StringLong("overlay", 'e', "", "filesystem overlay spec (accepted, not yet wired to a filesystem layer)")
	optBreak := getopt.StringLong("break", 'b', "", "breakpoint address or symbol")
	optWatch := getopt.StringLong("watch", 'w', "", "watchpoint address or symbol")
	optReal := getopt.BoolLong("real", 'r', "boot a flat real-mode image instead of an ELF")
	optNoTUI := getopt.BoolLong("no-tui", 't', "disable the TUI panel (accepted; no TUI is built)")
	optNoReactive := getopt.BoolLong("no-reactive", 'R', "never drop into the interactive debugger, even with -b/-w set")
	optNoHighlight := getopt.BoolLong("no-highlight", 'H', "disable disassembly highlighting (accepted; no TUI is built)")
	optZoom := getopt.StringLong("zoom", 'z', "", "initial memory-view zoom (accepted; no TUI is built)")
	optNoNetwork := getopt.BoolLong("no-network", 'C', "deny guest bind/connect/listen")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		return 0
	}

	args := getopt.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: blink [flags] program [args...]")
		return exitLoaderFailure
	}
	program := args[0]

	var logFile *os.File
	if *optLogFile != "" {
		f, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blink: log file: %v\n", err)
			return exitInternalFatal
		}
		logFile = f
		defer logFile.Close()
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	if *optVerbose {
		level.Set(slog.LevelDebug)
	}
	var logOut io.Writer
	if logFile != nil {
		logOut = logFile
	}
	handler := logutil.New(logOut, &slog.HandlerOptions{Level: level}, *optVerbose)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	sys := machine.NewSystem(defaultArenaSize)
	installStdio(sys)

	if *optLinear {
		if err := sys.Arena.EnableLinearMapping(); err != nil {
			logger.Warn("linear mapping unavailable", "err", err)
		}
	}
	sys.LinearMapping = sys.Arena.LinearMappingEnabled()

	m := machine.NewMachine(sys, 1)

	var symtab *loader.SymTab
	if *optReal {
		if err := loadFlatImage(m, program); err != nil {
			fmt.Fprintf(os.Stderr, "blink: %v\n", err)
			return exitLoaderFailure
		}
	} else {
		envp := os.Environ()
		if err := loader.LoadProgram(m, program, args, envp); err != nil {
			fmt.Fprintf(os.Stderr, "blink: %v\n", err)
			return exitLoaderFailure
		}
		if st, err := loader.LoadDebugSymbols(program); err == nil {
			symtab = st
		}
	}

	sigs := sigbridge.NewRegistry()
	defer sigs.Stop()
	sigs.Attach(m)

	sysTable := syscalls.New(sigs)
	sysTable.NoNetwork = *optNoNetwork
	sysTable.RunLoop = func(child *machine.Machine) int {
		childDispatch := dispatch.New()
		childDispatch.Syscall = sysTable.Invoke
		status, err := runMachine(sigs, childDispatch, child)
		if err != nil {
			logger.Error("child machine terminated fatally", "err", err)
			return exitInternalFatal
		}
		return status
	}

	d := dispatch.New()
	d.Syscall = sysTable.Invoke
	switch {
	case *optJIT && jit.Supported() && sys.LinearMapping && smc.WriteFaultCatchImplemented:
		d.SetJIT(jit.NewState())
		sys.JITEnabled = true
	case *optJIT && !smc.WriteFaultCatchImplemented:
		logger.Warn("JIT requested but refused: this build cannot catch and recover from a guest write to JIT-protected memory, so SMC coherence would silently break (see smc.WriteFaultCatchImplemented)")
	case *optJIT:
		logger.Warn("JIT requested but unavailable (needs linear mapping)", "linear", sys.LinearMapping)
	}

	console := debugconsole.New(m, d)
	haveBreak := false
	if *optBreak != "" {
		addr, err := resolveAddr(symtab, *optBreak)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blink: -b: %v\n", err)
			return exitInternalFatal
		}
		console.AddBreakpoint(addr)
		haveBreak = true
	}
	if *optWatch != "" {
		addr, err := resolveAddr(symtab, *optWatch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blink: -w: %v\n", err)
			return exitInternalFatal
		}
		console.AddWatch(addr)
		haveBreak = true
	}
	if *optOverlay != "" {
		logger.Debug("overlay spec accepted but not wired to a filesystem layer", "spec", *optOverlay)
	}
	_, _, _ = optNoTUI, optNoHighlight, optZoom // accepted for CLI compatibility; no TUI exists to act on them

	var status int
	var fatal error
	if haveBreak && !*optNoReactive {
		debugconsole.Run(console)
		status = 0
	} else {
		status, fatal = runMachine(sigs, d, m)
	}

	if *optStats {
		printStats(sys)
	}

	if fatal != nil {
		fmt.Fprintf(os.Stderr, "blink: internal fatal error: %v\n", fatal)
		return exitInternalFatal
	}
	return status
}

// installStdio wires guest fds 0/1/2 onto the host's own standard
// streams through the plain pass-through FDOps, the same "inherit the
// parent's open files" rule a real exec gives a freshly loaded process.
func installStdio(sys *machine.System) {
	sys.FDs.InstallAt(0, &fdtable.Entry{Host: 0, Ops: &fdtable.HostFD{FD: 0}, Path: "/dev/stdin"})
	sys.FDs.InstallAt(1, &fdtable.Entry{Host: 1, Ops: &fdtable.HostFD{FD: 1}, Path: "/dev/stdout"})
	sys.FDs.InstallAt(2, &fdtable.Entry{Host: 2, Ops: &fdtable.HostFD{FD: 2}, Path: "/dev/stderr"})
}

// loadFlatImage reserves a real-mode arena and copies program's raw
// bytes to realModeLoadAddr, the boot-sector convention mmu.DefaultRealSize
// was sized for.
func loadFlatImage(m *machine.Machine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	prot := mmu.Prot{Read: true, Write: true, Exec: true}
	if err := m.Sys.Arena.Reserve(realModeLoadAddr, uint64(len(data)), prot, true); err != nil {
		return fmt.Errorf("loader: reserve flat image: %w", err)
	}
	if n := m.Sys.Arena.CopyToGuest(realModeLoadAddr, data); n != len(data) {
		return fmt.Errorf("loader: short copy of flat image")
	}
	m.Mode = decoder.ModeReal
	m.RIP = realModeLoadAddr
	m.SetReg64(machine.RSP, realModeLoadAddr)
	return nil
}

// resolveAddr parses tok as a hex address (with or without 0x), falling
// back to a symbol-table name lookup (the reverse of loader.SymTab's
// address->name direction) for -b/-w's addr|sym grammar.
func resolveAddr(symtab *loader.SymTab, tok string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	if v, err := strconv.ParseUint(trimmed, 16, 64); err == nil {
		return v, nil
	}
	if symtab != nil {
		for _, sym := range symtab.Syms {
			if sym.Name == tok {
				return sym.Value, nil
			}
		}
	}
	return 0, fmt.Errorf("unresolved address or symbol %q", tok)
}

// runMachine drives m's fetch loop to completion, handling pending
// signal delivery at each trap the way a real kernel would between
// instruction boundaries (spec.md §5): ignored/continue signals loop,
// a guest handler gets sigbridge.DeliverFrame, and an unhandled
// terminate/core-dump default action ends the loop with the guest's
// 128+signum status. A TrapFatal is reported back to the caller instead
// of being folded into the guest's own exit status.
//
// Signal==0 on a TrapSignal means dispatch.Step's checkAttention saw
// m.Attention set (the TF single-step trap, or a host signal posted
// while m.Trap's buffer was full) without a specific signal attached;
// sigbridge.Deliverable picks the highest-priority unmasked bit out of
// Pending for it, the same resolution a posted channel Trap already
// carries pre-picked.
func runMachine(sigs *sigbridge.Registry, d *dispatch.Dispatcher, m *machine.Machine) (status int, err error) {
	for {
		trap := d.Step(m)
		switch trap.Kind {
		case machine.TrapNone:
			continue

		case machine.TrapExit:
			return trap.Signal, nil

		case machine.TrapFatal:
			return 0, trap.Err

		case machine.TrapSignal:
			// A fault in the stack redzone grows the stack and retries
			// the instruction instead of delivering a signal (spec.md
			// §4.2 policy detail 4); RIP was not advanced, so the next
			// Step re-runs the faulting access against the new mapping.
			if trap.Signal == machine.SIGSEGV && m.Sys.Arena.InStackRedzone(trap.Addr) {
				if err := m.Sys.Arena.GrowStackDown(trap.Addr); err == nil {
					m.Pending &^= 1 << uint(machine.SIGSEGV)
					continue
				}
			}
			sig := trap.Signal
			if sig == 0 {
				sig = sigbridge.Deliverable(m.Pending, m.SigMask)
			}
			if sig == 0 {
				continue
			}
			m.Pending &^= 1 << uint(sig)

			h := sigs.Handler(sig)
			switch h.Handler {
			case sigbridge.SigIgn:
				continue
			case sigbridge.SigDfl:
				if s, done := handleDefaultAction(sig, trap.Addr); done {
					return s, nil
				}
				continue
			default:
				sigbridge.DeliverFrame(m, h, sig, trap.Addr, m.Sys.Arena.CopyToGuest)
			}
		}
	}
}

// handleDefaultAction applies spec.md §4.7's default-action table for a
// signal with no installed handler, printing the guest-visible
// diagnostic scenario 3 requires for SIGSEGV.
func handleDefaultAction(sig int, addr uint64) (status int, terminates bool) {
	switch sigbridge.DefaultActionFor(sig) {
	case sigbridge.ActIgnore, sigbridge.ActContinue, sigbridge.ActStop:
		return 0, false
	default: // ActTerminate, ActCore
		if sig == machine.SIGSEGV {
			fmt.Fprintf(os.Stderr, "SEGMENTATION FAULT at %#x\n", addr)
		} else {
			fmt.Fprintf(os.Stderr, "terminated by signal %d\n", sig)
		}
		return 128 + sig, true
	}
}

func printStats(sys *machine.System) {
	fmt.Fprintln(os.Stderr, "code-hit histogram (bucket: count):")
	for i, count := range sys.Hist {
		if count == 0 {
			continue
		}
		fmt.Fprintf(os.Stderr, "  %2d: %d\n", i, count)
	}
}
