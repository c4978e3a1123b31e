// Package debugconsole is Blink's interactive debugger REPL: a
// liner-backed prompt reading break/watch/step/continue/regs/mem/quit
// commands, grounded on the teacher's command/reader (the
// liner.NewLiner/SetCompleter/Prompt loop) and command/parser (the
// cmdList table of {name, min-prefix, process} entries matched by
// matchCommand's shortest-unique-prefix rule), retargeted from S/370
// device commands onto x86-64 Machine state (SPEC_FULL.md §6.12).
package debugconsole

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/blinkvm/blink/dispatch"
	"github.com/blinkvm/blink/disasm"
	"github.com/blinkvm/blink/machine"
	"github.com/peterh/liner"
)

// Console holds one debugging session's breakpoint/watchpoint state
// alongside the Machine and Dispatcher it steps.
type Console struct {
	m *machine.Machine
	d *dispatch.Dispatcher

	breakpoints map[uint64]bool
	watchpoints map[uint64]uint64 // addr -> last observed byte value
}

// New builds a Console over an already-loaded Machine and Dispatcher.
func New(m *machine.Machine, d *dispatch.Dispatcher) *Console {
	return &Console{
		m:           m,
		d:           d,
		breakpoints: make(map[uint64]bool),
		watchpoints: make(map[uint64]uint64),
	}
}

// AddBreakpoint pre-seeds a breakpoint before Run starts, for the
// driver's -b flag.
func (c *Console) AddBreakpoint(addr uint64) { c.breakpoints[addr] = true }

// AddWatch pre-seeds a watchpoint before Run starts, for the driver's
// -w flag.
func (c *Console) AddWatch(addr uint64) {
	buf := make([]byte, 1)
	c.m.Sys.Arena.CopyFromGuest(buf, addr)
	c.watchpoints[addr] = uint64(buf[0])
}

type cmd struct {
	name    string
	min     int
	process func(c *Console, args []string) (quit bool, err error)
}

var cmdList = []cmd{
	{name: "break", min: 1, process: cmdBreak},
	{name: "watch", min: 1, process: cmdWatch},
	{name: "step", min: 1, process: cmdStep},
	{name: "continue", min: 1, process: cmdContinue},
	{name: "regs", min: 1, process: cmdRegs},
	{name: "mem", min: 1, process: cmdMem},
	{name: "quit", min: 1, process: cmdQuit},
}

// matchCommand reproduces the teacher's shortest-unique-prefix rule:
// name matches command if command is a prefix of name at least min
// characters long.
func matchCommand(c cmd, command string) bool {
	if len(command) < c.min || len(command) > len(c.name) {
		return false
	}
	return c.name[:len(command)] == command
}

func matchList(command string) []cmd {
	if command == "" {
		return nil
	}
	var out []cmd
	for _, c := range cmdList {
		if matchCommand(c, command) {
			out = append(out, c)
		}
	}
	return out
}

func completeNames(line string) []string {
	match := matchList(strings.ToLower(strings.TrimSpace(line)))
	names := make([]string, len(match))
	for i, c := range match {
		names[i] = c.name
	}
	return names
}

// Run drives the REPL until the user quits or the prompt is aborted
// (Ctrl-D), the same top-level shape as ConsoleReader.
func Run(c *Console) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string { return completeNames(l) })

	for {
		input, err := line.Prompt("blink> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			slog.Error("debugconsole: error reading line", "err", err)
			return
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		match := matchList(strings.ToLower(fields[0]))
		switch len(match) {
		case 0:
			fmt.Println("Error: command not found: " + fields[0])
			continue
		case 1:
			quit, err := match[0].process(c, fields[1:])
			if err != nil {
				fmt.Println("Error: " + err.Error())
			}
			if quit {
				return
			}
		default:
			fmt.Println("Error: ambiguous command: " + fields[0])
		}
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func cmdBreak(c *Console, args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("usage: break <hex addr>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return false, err
	}
	c.breakpoints[addr] = true
	fmt.Printf("breakpoint set at %#x\n", addr)
	return false, nil
}

func cmdWatch(c *Console, args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("usage: watch <hex addr>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	c.m.Sys.Arena.CopyFromGuest(buf, addr)
	c.watchpoints[addr] = uint64(buf[0])
	fmt.Printf("watchpoint set at %#x\n", addr)
	return false, nil
}

// checkWatchpoints reports the first watchpoint whose byte changed
// since it was last observed, updating the stored value as it goes —
// a debugger's watchpoint is conceptually a breakpoint on a write, and
// this single-step-and-compare approach is the only one available
// without the host memory-protection trap dispatch's SMC tracker
// already claims for a different purpose (self-modifying code, not
// user-requested watch addresses).
func (c *Console) checkWatchpoints() (uint64, bool) {
	addrs := make([]uint64, 0, len(c.watchpoints))
	for a := range c.watchpoints {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		buf := make([]byte, 1)
		c.m.Sys.Arena.CopyFromGuest(buf, addr)
		if uint64(buf[0]) != c.watchpoints[addr] {
			c.watchpoints[addr] = uint64(buf[0])
			return addr, true
		}
	}
	return 0, false
}

func printLine(c *Console) {
	text, err := disasm.Line(c.m, c.m.RIP)
	if err != nil {
		fmt.Printf("%#016x: <%s>\n", c.m.RIP, err)
		return
	}
	fmt.Printf("%#016x: %s\n", c.m.RIP, text)
}

func cmdStep(c *Console, args []string) (bool, error) {
	n := 1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return false, errors.New("usage: step [count]")
		}
		n = v
	}
	for i := 0; i < n; i++ {
		trap := c.d.Step(c.m)
		if trap.Kind != machine.TrapNone {
			fmt.Printf("trap: kind=%d signal=%d\n", trap.Kind, trap.Signal)
			return false, nil
		}
	}
	printLine(c)
	return false, nil
}

// cmdContinue runs until a breakpoint, a changed watchpoint, or a trap
// stops the Machine, checking both at every instruction boundary
// (spec.md's "suspension points are only at instruction boundaries").
func cmdContinue(c *Console, args []string) (bool, error) {
	for {
		trap := c.d.Step(c.m)
		if trap.Kind != machine.TrapNone {
			fmt.Printf("trap: kind=%d signal=%d at %#x\n", trap.Kind, trap.Signal, c.m.RIP)
			return false, nil
		}
		if c.breakpoints[c.m.RIP] {
			fmt.Printf("breakpoint hit at %#x\n", c.m.RIP)
			printLine(c)
			return false, nil
		}
		if addr, changed := c.checkWatchpoints(); changed {
			fmt.Printf("watchpoint at %#x changed\n", addr)
			printLine(c)
			return false, nil
		}
	}
}

var regOrder = []struct {
	name string
	idx  int
}{
	{"rax", machine.RAX}, {"rbx", machine.RBX}, {"rcx", machine.RCX}, {"rdx", machine.RDX},
	{"rsi", machine.RSI}, {"rdi", machine.RDI}, {"rbp", machine.RBP}, {"rsp", machine.RSP},
	{"r8", machine.R8}, {"r9", machine.R9}, {"r10", machine.R10}, {"r11", machine.R11},
	{"r12", machine.R12}, {"r13", machine.R13}, {"r14", machine.R14}, {"r15", machine.R15},
}

func cmdRegs(c *Console, args []string) (bool, error) {
	for _, r := range regOrder {
		fmt.Printf("%-4s %#018x\n", r.name, c.m.Reg64(r.idx))
	}
	fmt.Printf("rip  %#018x\n", c.m.RIP)
	fmt.Printf("rflags %#x\n", c.m.RFlags)
	return false, nil
}

func cmdMem(c *Console, args []string) (bool, error) {
	if len(args) < 1 {
		return false, errors.New("usage: mem <hex addr> [len]")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return false, err
	}
	n := 64
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return false, errors.New("usage: mem <hex addr> [len]")
		}
		n = v
	}
	buf := make([]byte, n)
	got := c.m.Sys.Arena.CopyFromGuest(buf, addr)
	for off := 0; off < got; off += 16 {
		end := off + 16
		if end > got {
			end = got
		}
		fmt.Printf("%#016x:", addr+uint64(off))
		for _, b := range buf[off:end] {
			fmt.Printf(" %02x", b)
		}
		fmt.Println()
	}
	return false, nil
}

func cmdQuit(c *Console, args []string) (bool, error) {
	return true, nil
}
