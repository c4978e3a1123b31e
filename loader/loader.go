// Package loader is Blink's ELF/flat loader collaborator (spec.md §6):
// it parses an x86_64 ELF executable with the standard library's
// debug/elf, reserves and populates its PT_LOAD segments through mmu,
// builds the initial argv/envp/auxv stack, and leaves a Machine
// runnable at the entry point. It is declared an external collaborator
// rather than core (spec.md §1), so it stays on stdlib: no pack repo
// ships a reusable third-party ELF parser (gvisor's own loader reads
// ELF itself too), the justification SPEC_FULL.md §6.10 records.
package loader

import (
	"crypto/rand"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
)

// defaultLoadBase is where a PIE (ET_DYN) image is based, mirroring a
// typical Linux mmap_min_addr-clear position-independent load address.
const defaultLoadBase = 0x555555554000

// stackTop is the fixed top of the initial stack mapping.
const stackTop = 0x7ffffffde000

// stackSize is how much of the guest address space below stackTop is
// reserved up front for argv/envp/auxv plus headroom; further growth
// down to maxStackSize is handled lazily by mmu.GrowStackDown on a
// stack-redzone fault (spec.md §4.2 policy detail 4).
const stackSize = 1 << 20 // 1 MiB

// maxStackSize is the RLIMIT_STACK-style ceiling lazy growth stops at.
const maxStackSize = 8 << 20 // 8 MiB

// brkHeadroom is how far above the highest loaded segment brk's
// ceiling is placed.
const brkHeadroom = 64 << 20 // 64 MiB

// Info is returned to callers that want the full ELF metadata beyond
// the three fields machine.System keeps directly (ELFEntry/ELFBase/
// ELFPath) — kept flat on System itself rather than as a loader.Info
// field to avoid a machine<->loader import cycle.
type Info struct {
	Path  string
	Entry uint64
	Base  uint64
	Phdrs []elf.ProgHeader
	IsDyn bool
}

// LoadProgram parses the ELF at path, reserves and populates its
// PT_LOAD segments in m.Sys's address space, builds the initial stack
// with argv/envp/auxv, and points m at the entry point — leaving m
// runnable (spec.md §6: "LoadProgram(m, path, argv, envp) that leaves
// the Machine runnable").
func LoadProgram(m *machine.Machine, path string, argv, envp []string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("loader: %s is not an x86_64 ELF64 binary", path)
	}

	base := uint64(0)
	isDyn := f.Type == elf.ET_DYN
	if isDyn {
		base = defaultLoadBase
	}

	var highest uint64
	var phdrs []elf.ProgHeader
	for _, p := range f.Progs {
		phdrs = append(phdrs, p.ProgHeader)
		if p.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(m, p, base); err != nil {
			return err
		}
		if end := base + p.Vaddr + p.Memsz; end > highest {
			highest = end
		}
	}

	entry := f.Entry + base

	brkBase := (highest + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	m.Sys.Arena.SetBrk(brkBase, brkBase+brkHeadroom)
	m.Sys.Brk = brkBase

	sp, err := buildStack(m, argv, envp, entry, phdrs, base)
	if err != nil {
		return err
	}

	m.SetReg64(machine.RSP, sp)
	m.RIP = entry
	// An ELF user process always runs in 64-bit long mode; real mode
	// is only the toy-OS/boot-sector demo path (spec.md §1), never an
	// ELF load.
	m.Mode = decoder.ModeLong
	m.Sys.ELFEntry, m.Sys.ELFBase, m.Sys.ELFPath = entry, base, path
	return nil
}

func loadSegment(m *machine.Machine, p *elf.Prog, base uint64) error {
	vaddr := base + p.Vaddr
	prot := mmu.Prot{
		Read:  p.Flags&elf.PF_R != 0,
		Write: true, // writable during population; tightened below
		Exec:  p.Flags&elf.PF_X != 0,
	}
	if err := m.Sys.Arena.Reserve(vaddr, p.Memsz, prot, true); err != nil {
		return fmt.Errorf("loader: reserve segment at %#x: %w", vaddr, err)
	}
	data := make([]byte, p.Filesz)
	if _, err := p.ReadAt(data, 0); err != nil {
		return fmt.Errorf("loader: read segment: %w", err)
	}
	if n := m.Sys.Arena.CopyToGuest(vaddr, data); n != len(data) {
		return fmt.Errorf("loader: short copy of segment at %#x", vaddr)
	}
	final := mmu.Prot{Read: prot.Read, Write: p.Flags&elf.PF_W != 0, Exec: prot.Exec}
	return m.Sys.Arena.Protect(vaddr, p.Memsz, final)
}

// AUXV entry types this loader populates, enough for a glibc/musl CRT0
// to find argc/argv/envp and compute TLS/stack-protector state without
// a full vDSO.
const (
	auxNull  = 0
	auxPhdr  = 3
	auxPhent = 4
	auxPhnum = 5
	auxEntry = 9
	auxRandom = 25
	auxPagesz = 6
	auxUID    = 11
	auxEUID   = 12
	auxGID    = 13
	auxEGID   = 14
	auxSecure = 23
)

func buildStack(m *machine.Machine, argv, envp []string, entry uint64, phdrs []elf.ProgHeader, base uint64) (uint64, error) {
	if err := m.Sys.Arena.Reserve(stackTop-stackSize, stackSize, mmu.Prot{Read: true, Write: true}, false); err != nil {
		return 0, fmt.Errorf("loader: reserve stack: %w", err)
	}
	m.Sys.Arena.StackLimit = stackTop - maxStackSize
	m.Sys.Arena.SetStackRegion(stackTop - stackSize)

	sp := uint64(stackTop)

	// The 16 random bytes for AT_RANDOM are copied first (highest
	// address), then the argv strings, then the envp strings, each packed
	// directly below the previous one with no padding.
	write := func(s string) uint64 {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		m.Sys.Arena.CopyToGuest(sp, b)
		return sp
	}
	randBytes := make([]byte, 16)
	_, _ = rand.Read(randBytes)
	sp -= 16
	randAddr := sp
	m.Sys.Arena.CopyToGuest(randAddr, randBytes)

	argvAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = write(argv[i])
	}
	envpAddrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = write(envp[i])
	}

	sp &^= 0xf // 16-byte align before the pointer tables (SysV ABI)

	type auxEntryT struct{ typ, val uint64 }
	auxv := []auxEntryT{
		{auxPhdr, base + phdrVaddr(phdrs)},
		{auxPhent, 56},
		{auxPhnum, uint64(len(phdrs))},
		{auxEntry, entry},
		{auxPagesz, mmu.PageSize},
		{auxRandom, randAddr},
		{auxUID, 0}, {auxEUID, 0}, {auxGID, 0}, {auxEGID, 0},
		{auxSecure, 0},
		{auxNull, 0},
	}

	// Stack layout from high to low address, built bottom-up from the
	// final SP, which points at argc: auxv, NULL, envp ptrs, NULL,
	// argv ptrs, argc.
	total := 8 // argc
	total += 8 * (len(argv) + 1)
	total += 8 * (len(envp) + 1)
	total += 16 * len(auxv)
	sp -= uint64(total)
	sp &^= 0xf

	cur := sp
	put64 := func(v uint64) {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		m.Sys.Arena.CopyToGuest(cur, b)
		cur += 8
	}
	put64(uint64(len(argv)))
	for _, a := range argvAddrs {
		put64(a)
	}
	put64(0)
	for _, e := range envpAddrs {
		put64(e)
	}
	put64(0)
	for _, e := range auxv {
		put64(e.typ)
		put64(e.val)
	}

	return sp, nil
}

func phdrVaddr(phdrs []elf.ProgHeader) uint64 {
	for _, p := range phdrs {
		if p.Type == elf.PT_PHDR {
			return p.Vaddr
		}
	}
	if len(phdrs) > 0 {
		return phdrs[0].Vaddr
	}
	return 0
}

// SymTab is a minimal symbol table, enough for the disassembler to
// annotate addresses with a containing function name.
type SymTab struct {
	Syms []elf.Symbol
}

// Lookup returns the name of the symbol containing addr, or "" if
// none is found.
func (s *SymTab) Lookup(addr uint64) string {
	var best string
	var bestAddr uint64
	for _, sym := range s.Syms {
		if sym.Value <= addr && addr < sym.Value+sym.Size && sym.Value >= bestAddr {
			best, bestAddr = sym.Name, sym.Value
		}
	}
	return best
}

// LoadDebugSymbols parses the ELF symbol table at path for the
// disassembler (spec.md §6).
func LoadDebugSymbols(path string) (*SymTab, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		// A stripped binary has no symbol table; that is not a loader
		// error, just an empty one.
		return &SymTab{}, nil
	}
	return &SymTab{Syms: syms}, nil
}
