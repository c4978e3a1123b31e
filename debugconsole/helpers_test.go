package debugconsole

import (
	"testing"

	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
)

func newTestMachine(t *testing.T) (*machine.Machine, uint64) {
	t.Helper()
	sys := machine.NewSystem(1 << 20)
	m := machine.NewMachine(sys, 1)
	const addr = 0x401000
	if err := sys.Arena.Reserve(addr, 4096, mmu.Prot{Read: true, Write: true, Exec: true}, true); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	sys.Arena.CopyToGuest(addr, []byte{0x90})
	m.RIP = addr
	return m, addr
}
