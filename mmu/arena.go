// Package mmu implements the guest physical-memory arena and the
// four-level page-table walk that backs Blink's sparse 48-bit guest
// virtual address space.
//
// The arena is a single contiguous host allocation (spec.md §4.2): all
// guest RAM and all page-table pages are carved out of the same backing
// slice, so bringing in a new page-table level never requires a
// separate host allocation. Frame zero is reserved and never handed
// out, so a zeroed PTE reliably means "absent".
package mmu

import (
	"errors"
	"fmt"

	"github.com/blinkvm/blink/endian"
)

const (
	// PageSize is the guest page size in bytes.
	PageSize = 4096
	pageBits = 12

	// DefaultRealSize is the arena size NewArena uses when asked for
	// less than one page. cmd/blink passes its own fixed size for every
	// program, real-mode or long-mode.
	DefaultRealSize = 16 * 1024 * 1024

	entriesPerTable = 512
	tableBytes      = entriesPerTable * 8
)

// PTE bit layout, modeled on the x86_64 hardware page-table entry.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	// pteJIT is a software-only bit (one of the reserved 9-11 range):
	// set while compiled JIT code exists for the page, so a write fault
	// on a read-only-mirrored page can tell SMC from a genuine
	// protection violation without consulting smc.Tracker first.
	pteJIT  uint64 = 1 << 9
	pteNX   uint64 = 1 << 63
	pteAddr uint64 = 0x000ffffffffff000 // frame-number bits, 40 bits wide
)

var (
	// ErrOOM is returned by Reserve when the arena has no free frames left.
	ErrOOM = errors.New("mmu: out of memory")
	// ErrClash is returned by Reserve when a non-FIXED caller's range
	// overlaps an already-present mapping.
	ErrClash = errors.New("mmu: mapping clash")
	// ErrFault is returned by Lookup-based accessors when a guest
	// address has no present mapping.
	ErrFault = errors.New("mmu: page fault")
)

// Arena is the contiguous host allocation backing one guest's physical
// memory and page tables.
type Arena struct {
	bytes    []byte // backing store, len == size
	size     uint64
	nextFree uint64 // bump allocator cursor, in frame numbers
	free     []uint64

	// linear is a second, anonymous mmap region the size of the arena
	// whose page protections follow the guest PTEs. It holds no guest
	// data, and guest memory is never read or written through it. Nil
	// unless enabled.
	linear    []byte
	linearOn  bool
	linearAdj uint64 // host_vaddr - guest_vaddr skew; nothing sets it, so it stays zero
}

// NewArena allocates an arena of size bytes (rounded up to a page) with
// frame zero reserved.
func NewArena(size uint64) *Arena {
	if size < PageSize {
		size = DefaultRealSize
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	a := &Arena{
		bytes:    make([]byte, size),
		size:     size,
		nextFree: 1, // frame 0 reserved
	}
	return a
}

// Size returns the arena's total byte size.
func (a *Arena) Size() uint64 { return a.size }

// frames returns the total number of page frames in the arena.
func (a *Arena) frames() uint64 { return a.size / PageSize }

// allocFrame returns a fresh zeroed frame number, or ErrOOM.
func (a *Arena) allocFrame() (uint64, error) {
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		clear(a.frameBytes(f))
		return f, nil
	}
	if a.nextFree >= a.frames() {
		return 0, ErrOOM
	}
	f := a.nextFree
	a.nextFree++
	clear(a.frameBytes(f))
	return f, nil
}

// freeFrame releases frame back to the allocator.
func (a *Arena) freeFrame(f uint64) {
	if f == 0 {
		return
	}
	a.free = append(a.free, f)
}

// frameBytes returns the raw bytes of frame f.
func (a *Arena) frameBytes(f uint64) []byte {
	off := f * PageSize
	return a.bytes[off : off+PageSize]
}

// entry reads PTE slot i of the table stored at frame f.
func (a *Arena) entry(f uint64, i int) uint64 {
	return endian.Load64(a.frameBytes(f), i*8)
}

// setEntry writes PTE slot i of the table stored at frame f.
func (a *Arena) setEntry(f uint64, i int, v uint64) {
	endian.Store64(a.frameBytes(f), i*8, v)
}

func frameOf(pte uint64) uint64 { return (pte & pteAddr) >> pageBits }

func makePTE(frame uint64, flags uint64) uint64 {
	return (frame << pageBits) | flags
}

// clone returns an independent copy of the arena: since the page
// tables live inside the same backing bytes as the data they describe
// (spec.md §4.2 policy detail 1), a flat byte copy reproduces the
// entire address space — data and page tables alike — without walking
// it level by level.
func (a *Arena) clone() *Arena {
	c := &Arena{
		bytes:    append([]byte(nil), a.bytes...),
		size:     a.size,
		nextFree: a.nextFree,
		free:     append([]uint64(nil), a.free...),
	}
	return c
}

func (a *Arena) String() string {
	return fmt.Sprintf("arena(size=%d frames=%d free=%d used=%d)",
		a.size, a.frames(), len(a.free), a.nextFree-1-uint64(len(a.free)))
}
