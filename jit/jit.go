// Package jit implements Blink's optional template/path JIT (spec.md
// §4.6): it compiles a straight-line run of guest instructions into a
// closure chain keyed by guest start address, bypassing decode+dispatch
// on a repeat hit. It is off by default and exists only when
// System.LinearMapping is enabled, since the SMC tracker's
// write-protect trick is its sole coherence mechanism.
//
// Go offers no portable way to emit raw host machine code without
// per-arch assembly stubs the teacher's codebase never needed; a
// "compiled path" here is a slice of closures over fixed operand slots
// instead, the closest idiomatic expression of "trivially relocatable
// micro-op" a pure-Go VM can give (see SPEC_FULL.md §6.6, Open Question
// decision 5 in DESIGN.md).
package jit

import (
	"runtime"
	"sync"

	"github.com/blinkvm/blink/machine"
)

// MicroOp is one compiled step of a Path: a closure that performs the
// same effect a dispatch opFunc would, returning the trap (if any) and
// whether it branched (ending the path early).
type MicroOp func(m *machine.Machine) (branched bool, trap machine.Trap)

// Path is a maximal straight-line run of micro-ops compiled from guest
// code starting at Start, covering [Start, Start+Len).
type Path struct {
	Start uint64
	Len   uint64
	Ops   []MicroOp
}

// State is the JIT's path index, guarded by a mutex on insertion and
// invalidated by the SMC tracker (spec.md §5: "The JIT code index is
// guarded by a mutex during insertion and by the SMC protocol during
// invalidation").
type State struct {
	mu    sync.Mutex
	paths map[uint64]*Path
}

// NewState returns an empty JIT path index.
func NewState() *State {
	return &State{paths: make(map[uint64]*Path)}
}

// Supported reports whether the JIT may be enabled on this build, per
// spec.md §4.6: false on 32-bit hosts (386, arm, mips, mipsle), true
// otherwise. Race-detector builds are not detected here.
func Supported() bool {
	switch runtime.GOARCH {
	case "386", "arm", "mips", "mipsle":
		return false
	}
	return true
}

// Lookup returns the compiled path starting exactly at addr, or nil.
func (s *State) Lookup(addr uint64) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[addr]
}

// Insert records a freshly compiled path.
func (s *State) Insert(p *Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[p.Start] = p
}

// Invalidate drops every path whose guest range intersects the page
// starting at page (a page-aligned guest address); it implements the
// smc.Invalidator interface so the SMC tracker can call it directly at
// a dispatcher safe point.
func (s *State) Invalidate(page uint64) {
	const pageSize = 4096
	s.mu.Lock()
	defer s.mu.Unlock()
	for start, p := range s.paths {
		if rangesIntersect(start, p.Len, page, pageSize) {
			delete(s.paths, start)
		}
	}
}

func rangesIntersect(aStart, aLen, bStart, bLen uint64) bool {
	aEnd, bEnd := aStart+aLen, bStart+bLen
	return aStart < bEnd && bStart < aEnd
}

// Run executes a compiled path starting at the Machine's current RIP,
// advancing RIP itself via the closures' branched reporting, exactly as
// Dispatcher.Step does for the interpreted path. It stops (returning the
// trap) the moment any micro-op faults or branches out of the path.
func (p *Path) Run(m *machine.Machine) machine.Trap {
	for _, op := range p.Ops {
		branched, trap := op(m)
		if trap.Kind != machine.TrapNone {
			return trap
		}
		if branched {
			return machine.Trap{Kind: machine.TrapNone}
		}
	}
	m.RIP = p.Start + p.Len
	return machine.Trap{Kind: machine.TrapNone}
}
