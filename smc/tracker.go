// Package smc implements Blink's self-modifying-code tracker: a
// per-Machine queue of guest pages whose JIT-compiled code must be
// discarded, drained at each dispatcher safe point (spec.md §4.3). Push
// is written to be safe to call from a host SIGSEGV handler, but no such
// handler is installed and nothing outside the tests calls Push (see
// WriteFaultCatchImplemented).
package smc

import (
	"fmt"
	"sync/atomic"
)

// queueSize bounds the number of distinct pages that can be pending
// invalidation at once. A small fixed size is used deliberately
// (spec §4.3); overflow is a fatal VM error, never silently dropped.
const queueSize = 64

// ErrOverflow is returned by Push when the queue is full.
var ErrOverflow = fmt.Errorf("smc: invalidation queue overflow")

// Invalidator is implemented by the JIT path index: Invalidate drops
// every compiled path whose source range intersects page. It returns
// nothing, so it does not report whether an in-flight trace crossed it.
type Invalidator interface {
	Invalidate(page uint64)
}

// PageUnprotector restores RW on a page's linear mirror.
type PageUnprotector interface {
	ProtectLinearWritable(virt uint64) error
}

// Tracker holds one Machine's pending-invalidation queue. It must be
// safe to push to from an async-signal handler: Push only performs an
// atomic compare-and-swap loop over a fixed array, per the
// async-signal-safety design note (spec §9).
type Tracker struct {
	slots [queueSize]uint64 // 0 means empty, else (page>>12)+1
	head  atomic.Uint32
	tail  atomic.Uint32
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Push enqueues page (a page-aligned guest address) for invalidation.
// Safe to call from a signal handler.
func (t *Tracker) Push(page uint64) error {
	for {
		h := t.head.Load()
		tl := t.tail.Load()
		if h-tl >= queueSize {
			return ErrOverflow
		}
		if t.head.CompareAndSwap(h, h+1) {
			t.slots[h%queueSize] = (page >> 12) + 1
			return nil
		}
	}
}

// Drain invalidates every queued page's JIT entries via inv, restores
// the page's linear mapping to writable via up, and clears the queue.
// Called only at a dispatcher safe point, never from a signal handler.
func (t *Tracker) Drain(inv Invalidator, up PageUnprotector) {
	for {
		tl := t.tail.Load()
		h := t.head.Load()
		if tl >= h {
			return
		}
		raw := t.slots[tl%queueSize]
		t.tail.Store(tl + 1)
		if raw == 0 {
			continue
		}
		page := (raw - 1) << 12
		if inv != nil {
			inv.Invalidate(page)
		}
		if up != nil {
			_ = up.ProtectLinearWritable(page)
		}
	}
}

// Pending reports whether any page is currently queued.
func (t *Tracker) Pending() bool {
	return t.head.Load() != t.tail.Load()
}

// WriteFaultCatchImplemented reports whether this build can actually
// recover from the host SIGSEGV a guest write to a JIT-protected page
// is supposed to raise (spec.md §4.3). It is false: Push above is
// written to be safe to call from a signal handler, but no such
// handler is installed anywhere in this tree — Go's os/signal delivers
// on a separate goroutine that cannot resume the faulting one at the
// faulting instruction, and nothing here uses
// runtime/debug.SetPanicOnFault plus a recover-and-retry around the
// actual write path either. The guest write path itself
// (mmu.MMU.CopyToGuest / dispatch's memory-operand stores, all via
// mmu.MMU.Lookup into Arena.bytes) never touches the mprotect'd linear
// mirror, so no such fault can occur from ordinary execution today
// regardless. cmd/blink checks this before enabling the JIT rather
// than silently shipping a write-protect scheme that can't catch
// anything.
const WriteFaultCatchImplemented = false
