package main

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/blinkvm/blink/decoder"
	"github.com/blinkvm/blink/loader"
	"github.com/blinkvm/blink/machine"
)

func TestResolveAddrHex(t *testing.T) {
	cases := []string{"0x401000", "401000", "0X401000"}
	for _, tok := range cases {
		got, err := resolveAddr(nil, tok)
		if err != nil {
			t.Fatalf("resolveAddr(%q): %v", tok, err)
		}
		if got != 0x401000 {
			t.Fatalf("resolveAddr(%q) = %#x, want 0x401000", tok, got)
		}
	}
}

func TestResolveAddrSymbol(t *testing.T) {
	symtab := &loader.SymTab{Syms: []elf.Symbol{{Name: "main", Value: 0x401020}}}
	got, err := resolveAddr(symtab, "main")
	if err != nil {
		t.Fatalf("resolveAddr(main): %v", err)
	}
	if got != 0x401020 {
		t.Fatalf("resolveAddr(main) = %#x, want 0x401020", got)
	}
}

func TestResolveAddrUnresolved(t *testing.T) {
	if _, err := resolveAddr(nil, "nosuchsymbol"); err == nil {
		t.Fatalf("resolveAddr(nosuchsymbol) succeeded, want an error")
	}
}

func TestHandleDefaultActionSegvTerminates(t *testing.T) {
	status, terminates := handleDefaultAction(machine.SIGSEGV, 0xdeadbeef)
	if !terminates {
		t.Fatalf("handleDefaultAction(SIGSEGV) did not terminate")
	}
	if status != 128+machine.SIGSEGV {
		t.Fatalf("status = %d, want %d", status, 128+machine.SIGSEGV)
	}
}

func TestHandleDefaultActionIgnoreContinues(t *testing.T) {
	_, terminates := handleDefaultAction(machine.SIGCHLD, 0)
	if terminates {
		t.Fatalf("handleDefaultAction(SIGCHLD) terminated, want it to continue the loop")
	}
}

func TestLoadFlatImageSetsRealMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(path, []byte{0xf4, 0x90}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sys := machine.NewSystem(1 << 20)
	m := machine.NewMachine(sys, 1)
	if err := loadFlatImage(m, path); err != nil {
		t.Fatalf("loadFlatImage: %v", err)
	}
	if m.Mode != decoder.ModeReal {
		t.Fatalf("Mode = %v, want ModeReal", m.Mode)
	}
	if m.RIP != realModeLoadAddr {
		t.Fatalf("RIP = %#x, want %#x", m.RIP, realModeLoadAddr)
	}
	if m.GPR[machine.RSP] != realModeLoadAddr {
		t.Fatalf("RSP = %#x, want %#x", m.GPR[machine.RSP], realModeLoadAddr)
	}
}

