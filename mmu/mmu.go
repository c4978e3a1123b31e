package mmu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Prot mirrors the three guest-visible permission bits.
type Prot struct {
	Read, Write, Exec bool
}

// MMU owns one guest's arena and root page table, and optionally a
// linear (host-pointer-addressable) mirror of it.
type MMU struct {
	Arena *Arena
	root  RootFrame

	// StackLimit bounds how far the stack's lazy-growth-on-fault (spec
	// §4.2 policy detail 4) is allowed to extend downward.
	StackLimit uint64
	stackLo    uint64 // lowest address currently reserved for the stack
	brk        uint64
	brkMax     uint64
}

// New creates an MMU over a freshly allocated arena of size bytes.
func New(size uint64) *MMU {
	return &MMU{Arena: NewArena(size)}
}

func pageRound(v uint64) (lo, hi uint64) {
	lo = v &^ (PageSize - 1)
	return lo, lo
}

// alignRange rounds [virt, virt+size) outward to whole pages, per spec
// §4.2: "a partial first/last page is extended to the enclosing page."
func alignRange(virt, size uint64) (lo, hi uint64) {
	lo = virt &^ (PageSize - 1)
	end := virt + size
	hi = (end + PageSize - 1) &^ (PageSize - 1)
	return lo, hi
}

// Reserve maps [virt, virt+size) onto fresh frames with the given
// permissions. If a page in the range is already present and fixed is
// false, it returns an error wrapping ErrClash (pages before it stay
// mapped); if fixed is true, present pages are re-pointed at fresh frames.
func (m *MMU) Reserve(virt, size uint64, prot Prot, fixed bool) error {
	lo, hi := alignRange(virt, size)
	for v := lo; v < hi; v += PageSize {
		ptFrame, idx, err := m.Arena.walk(&m.root, v, true)
		if err != nil {
			return err
		}
		existing := m.Arena.entry(ptFrame, idx)
		if existing&PTEPresent != 0 && !fixed {
			return fmt.Errorf("%w: %#x already mapped", ErrClash, v)
		}
		frame, err := m.Arena.allocFrame()
		if err != nil {
			return err
		}
		m.Arena.setEntry(ptFrame, idx, makePTE(frame, flagsOf(prot)))
		if m.Arena.linearOn {
			m.syncLinearProt(v, prot)
		}
	}
	return nil
}

func flagsOf(p Prot) uint64 {
	f := PTEPresent | PTEUser
	if p.Write {
		f |= PTEWritable
	}
	if !p.Exec {
		f |= pteNX
	}
	return f
}

// Free clears the PTEs for [virt, virt+size) and reclaims their frames.
// Page-table pages themselves are never unmapped.
func (m *MMU) Free(virt, size uint64) error {
	lo, hi := alignRange(virt, size)
	for v := lo; v < hi; v += PageSize {
		ptFrame, idx, err := m.Arena.walk(&m.root, v, false)
		if err == ErrFault {
			continue
		}
		if err != nil {
			return err
		}
		pte := m.Arena.entry(ptFrame, idx)
		if pte&PTEPresent != 0 {
			m.Arena.freeFrame(frameOf(pte))
			m.Arena.setEntry(ptFrame, idx, 0)
		}
	}
	return nil
}

// FindUnmapped does a first-fit upward scan from hint for size
// contiguous unmapped bytes, returning the base address.
func (m *MMU) FindUnmapped(hint, size uint64) uint64 {
	need := (size + PageSize - 1) &^ (PageSize - 1)
	v := hint &^ (PageSize - 1)
	const limit = uint64(1) << 47
	for v+need <= limit {
		run := uint64(0)
		probe := v
		for run < need {
			if m.Arena.lookupPTE(&m.root, probe)&PTEPresent != 0 {
				break
			}
			run += PageSize
			probe += PageSize
		}
		if run >= need {
			return v
		}
		v = probe + PageSize
	}
	return 0
}

// Lookup walks the page tables for virt and returns a byte slice
// covering the rest of its containing page, or nil if unmapped. The
// slice aliases arena storage directly.
func (m *MMU) Lookup(virt uint64) []byte {
	pte := m.Arena.lookupPTE(&m.root, virt)
	if pte&PTEPresent == 0 {
		return nil
	}
	frame := frameOf(pte)
	off := int(virt & (PageSize - 1))
	return m.Arena.frameBytes(frame)[off:]
}

// Writable reports whether virt is present and writable.
func (m *MMU) Writable(virt uint64) bool {
	pte := m.Arena.lookupPTE(&m.root, virt)
	return pte&PTEPresent != 0 && pte&PTEWritable != 0
}

// Executable reports whether virt is present and not execute-disabled.
func (m *MMU) Executable(virt uint64) bool {
	pte := m.Arena.lookupPTE(&m.root, virt)
	return pte&PTEPresent != 0 && pte&pteNX == 0
}

// HasJIT reports whether virt's page currently backs compiled JIT code.
func (m *MMU) HasJIT(virt uint64) bool {
	pte := m.Arena.lookupPTE(&m.root, virt)
	return pte&PTEPresent != 0 && pte&pteJIT != 0
}

// MarkJIT sets or clears the software "has compiled code" bit on the
// page containing virt.
func (m *MMU) MarkJIT(virt uint64, on bool) {
	ptFrame, idx, err := m.Arena.walk(&m.root, virt, false)
	if err != nil {
		return
	}
	pte := m.Arena.entry(ptFrame, idx)
	if on {
		pte |= pteJIT
	} else {
		pte &^= pteJIT
	}
	m.Arena.setEntry(ptFrame, idx, pte)
}

// CopyToGuest copies src into guest memory starting at virt, crossing
// any number of pages, returning the number of bytes actually
// transferred before an unmapped page was hit.
func (m *MMU) CopyToGuest(virt uint64, src []byte) int {
	n := 0
	for n < len(src) {
		dst := m.Lookup(virt + uint64(n))
		if dst == nil {
			break
		}
		c := copy(dst, src[n:])
		n += c
	}
	return n
}

// CopyFromGuest copies n bytes starting at virt into dst, returning the
// number of bytes actually transferred before an unmapped page was hit.
func (m *MMU) CopyFromGuest(dst []byte, virt uint64) int {
	got := 0
	for got < len(dst) {
		src := m.Lookup(virt + uint64(got))
		if src == nil {
			break
		}
		c := copy(dst[got:], src)
		got += c
	}
	return got
}

// Protect changes the writable/executable bits of an existing mapped
// range.
func (m *MMU) Protect(virt, size uint64, prot Prot) error {
	lo, hi := alignRange(virt, size)
	for v := lo; v < hi; v += PageSize {
		ptFrame, idx, err := m.Arena.walk(&m.root, v, false)
		if err != nil {
			return fmt.Errorf("mmu: protect %#x: %w", v, err)
		}
		pte := m.Arena.entry(ptFrame, idx)
		pte = (pte &^ (PTEWritable | pteNX)) | flagsOf(prot)&(PTEWritable|pteNX|PTEPresent|PTEUser)
		m.Arena.setEntry(ptFrame, idx, pte)
		if m.Arena.linearOn {
			m.syncLinearProt(v, prot)
		}
	}
	return nil
}

// Clone returns an independent copy of the entire address space this
// MMU manages — arena bytes (and therefore page tables, §4.2 policy
// detail 1), allocator state, and brk/stack bookkeeping — but never the
// linear mirror, which a cloned MMU must re-enable itself if it wants
// one. This is how syscalls' fork() gets a separate address space
// without a host fork(2) (SPEC_FULL.md §6.8's process-table note).
func (m *MMU) Clone() *MMU {
	return &MMU{
		Arena:      m.Arena.clone(),
		root:       m.root,
		StackLimit: m.StackLimit,
		stackLo:    m.stackLo,
		brk:        m.brk,
		brkMax:     m.brkMax,
	}
}

// EnableLinearMapping maps a second, anonymous host region the size of
// the arena, initially PROT_NONE, whose per-page protections Reserve then
// keeps in step with the guest PTEs. The region holds no copy of guest
// memory and no skew is applied: guest loads and stores go through the
// arena's own backing slice, never through it, so guest addresses cannot
// be dereferenced through it. cmd/blink requires it before enabling the
// JIT.
func (m *MMU) EnableLinearMapping() error {
	if m.Arena.linearOn {
		return nil
	}
	region, err := unix.Mmap(-1, 0, int(m.Arena.size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmu: linear mapping mmap: %w", err)
	}
	m.Arena.linear = region
	m.Arena.linearOn = true
	return nil
}

// LinearMappingEnabled reports whether EnableLinearMapping succeeded.
func (m *MMU) LinearMappingEnabled() bool { return m.Arena.linearOn }

// syncLinearProt mirrors a guest page's permission bits onto the
// corresponding byte range of the linear region via mprotect. Guest
// writes do not go through that region, so this protection never makes
// a guest write fault.
func (m *MMU) syncLinearProt(virt uint64, prot Prot) error {
	off := int(virt &^ (PageSize - 1))
	if off+PageSize > len(m.Arena.linear) {
		return nil
	}
	hostProt := unix.PROT_READ
	if prot.Write {
		hostProt |= unix.PROT_WRITE
	}
	if prot.Exec {
		hostProt |= unix.PROT_EXEC
	}
	return unix.Mprotect(m.Arena.linear[off:off+PageSize], hostProt)
}

// ProtectLinearReadOnly forces the linear mirror's page for virt to
// read-only, independent of the guest PTE's writable bit. Guest writes
// go through the arena's backing slice, not the linear region, so they
// do not fault on this protection.
func (m *MMU) ProtectLinearReadOnly(virt uint64) error {
	if !m.Arena.linearOn {
		return nil
	}
	off := int(virt &^ (PageSize - 1))
	if off+PageSize > len(m.Arena.linear) {
		return nil
	}
	return unix.Mprotect(m.Arena.linear[off:off+PageSize], unix.PROT_READ)
}

// ProtectLinearWritable restores RW on the linear mirror's page for
// virt (used after the SMC tracker has invalidated a page's JIT code).
func (m *MMU) ProtectLinearWritable(virt uint64) error {
	if !m.Arena.linearOn {
		return nil
	}
	off := int(virt &^ (PageSize - 1))
	if off+PageSize > len(m.Arena.linear) {
		return nil
	}
	return unix.Mprotect(m.Arena.linear[off:off+PageSize], unix.PROT_READ|unix.PROT_WRITE)
}

// InArena reports whether a host address (as observed by, e.g., a
// SIGSEGV handler reading the fault address from the linear mirror)
// falls inside the linear mapping's backing region.
func (m *MMU) InArena(hostAddr uintptr) bool {
	if !m.Arena.linearOn || len(m.Arena.linear) == 0 {
		return false
	}
	base := uintptr(unsafePointer(m.Arena.linear))
	return hostAddr >= base && hostAddr < base+uintptr(len(m.Arena.linear))
}

// SetStackRegion records the low end of the initially reserved stack
// mapping, below which GrowStackDown extends it on fault.
func (m *MMU) SetStackRegion(lo uint64) { m.stackLo = lo }

// InStackRedzone reports whether addr falls in the growable gap between
// the stack's growth limit and its currently reserved low end — the
// region where a fault means "grow the stack", not "segfault".
func (m *MMU) InStackRedzone(addr uint64) bool {
	return m.stackLo != 0 && addr >= m.StackLimit && addr < m.stackLo
}

// GrowStackDown extends the guest stack mapping down to cover addr,
// subject to StackLimit, implementing the lazy-reservation-on-fault
// policy of spec §4.2 policy detail 4.
func (m *MMU) GrowStackDown(addr uint64) error {
	lo := addr &^ (PageSize - 1)
	if lo < m.StackLimit {
		return fmt.Errorf("mmu: stack redzone overflow at %#x", addr)
	}
	if m.stackLo == 0 {
		return fmt.Errorf("mmu: no stack region recorded")
	}
	if lo >= m.stackLo {
		return nil
	}
	size := m.stackLo - lo
	if err := m.Reserve(lo, size, Prot{Read: true, Write: true}, false); err != nil {
		return err
	}
	m.stackLo = lo
	return nil
}

// SetBrk installs the initial program break and its ceiling (typically
// a fixed distance above the image's highest loaded address).
func (m *MMU) SetBrk(cur, max uint64) {
	m.brk, m.brkMax = cur, max
}

// Brk returns the current program break.
func (m *MMU) Brk() uint64 { return m.brk }

// SetBrkTo grows or shrinks the break to addr, reserving or freeing
// pages as needed, and returns the new break (clamped to brkMax).
func (m *MMU) SetBrkTo(addr uint64) (uint64, error) {
	if addr < m.brk {
		if err := m.Free(addr, m.brk-addr); err != nil {
			return m.brk, err
		}
		m.brk = addr
		return m.brk, nil
	}
	if addr > m.brkMax {
		addr = m.brkMax
	}
	if addr > m.brk {
		lo, hi := alignRange(m.brk, addr-m.brk)
		if err := m.Reserve(lo, hi-lo, Prot{Read: true, Write: true}, false); err != nil {
			return m.brk, err
		}
	}
	m.brk = addr
	return m.brk, nil
}
