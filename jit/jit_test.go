package jit

import (
	"testing"

	"github.com/blinkvm/blink/machine"
)

func TestLookupMiss(t *testing.T) {
	s := NewState()
	if p := s.Lookup(0x1000); p != nil {
		t.Fatalf("Lookup on empty state = %v, want nil", p)
	}
}

func TestInsertAndLookup(t *testing.T) {
	s := NewState()
	p := &Path{Start: 0x401000, Len: 4}
	s.Insert(p)
	if got := s.Lookup(0x401000); got != p {
		t.Fatalf("Lookup(0x401000) = %v, want %v", got, p)
	}
}

func TestInvalidateDropsIntersectingPaths(t *testing.T) {
	s := NewState()
	inPage := &Path{Start: 0x1000, Len: 8}
	otherPage := &Path{Start: 0x2000, Len: 8}
	s.Insert(inPage)
	s.Insert(otherPage)

	s.Invalidate(0x1000)

	if s.Lookup(0x1000) != nil {
		t.Fatalf("Invalidate(0x1000) left the path in its page")
	}
	if s.Lookup(0x2000) == nil {
		t.Fatalf("Invalidate(0x1000) dropped a path on a different page")
	}
}

func TestRangesIntersect(t *testing.T) {
	cases := []struct {
		aStart, aLen, bStart, bLen uint64
		want                       bool
	}{
		{0, 4, 2, 4, true},
		{0, 4, 4, 4, false},
		{0, 4, 10, 4, false},
		{10, 4, 0, 20, true},
	}
	for _, tc := range cases {
		if got := rangesIntersect(tc.aStart, tc.aLen, tc.bStart, tc.bLen); got != tc.want {
			t.Fatalf("rangesIntersect(%d,%d,%d,%d) = %v, want %v",
				tc.aStart, tc.aLen, tc.bStart, tc.bLen, got, tc.want)
		}
	}
}

func TestPathRunAdvancesRIPOnFallthrough(t *testing.T) {
	ran := false
	p := &Path{
		Start: 0x401000,
		Len:   3,
		Ops: []MicroOp{
			func(m *machine.Machine) (bool, machine.Trap) {
				ran = true
				return false, machine.Trap{Kind: machine.TrapNone}
			},
		},
	}
	m := &machine.Machine{RIP: p.Start}
	trap := p.Run(m)
	if !ran {
		t.Fatalf("Run did not execute the micro-op")
	}
	if trap.Kind != machine.TrapNone {
		t.Fatalf("Run trap = %v, want TrapNone", trap.Kind)
	}
	if m.RIP != p.Start+p.Len {
		t.Fatalf("RIP = %#x, want %#x", m.RIP, p.Start+p.Len)
	}
}

func TestPathRunStopsOnBranch(t *testing.T) {
	p := &Path{
		Start: 0x401000,
		Len:   10,
		Ops: []MicroOp{
			func(m *machine.Machine) (bool, machine.Trap) {
				m.RIP = 0x402000
				return true, machine.Trap{Kind: machine.TrapNone}
			},
			func(m *machine.Machine) (bool, machine.Trap) {
				t.Fatalf("second micro-op ran after a branch")
				return false, machine.Trap{}
			},
		},
	}
	m := &machine.Machine{RIP: p.Start}
	p.Run(m)
	if m.RIP != 0x402000 {
		t.Fatalf("RIP = %#x, want 0x402000 (branch target left untouched)", m.RIP)
	}
}

func TestPathRunStopsOnTrap(t *testing.T) {
	p := &Path{
		Start: 0x401000,
		Len:   10,
		Ops: []MicroOp{
			func(m *machine.Machine) (bool, machine.Trap) {
				return false, machine.Trap{Kind: machine.TrapFatal}
			},
		},
	}
	m := &machine.Machine{RIP: p.Start}
	trap := p.Run(m)
	if trap.Kind != machine.TrapFatal {
		t.Fatalf("Run trap = %v, want TrapFatal", trap.Kind)
	}
}

func TestSupportedOnAMD64(t *testing.T) {
	// jit is only ever enabled by cmd/blink when GOARCH is amd64; the
	// disallowed list is the narrow/32-bit/embedded set.
	if !Supported() {
		t.Skip("host architecture excluded by Supported; nothing to assert")
	}
}
