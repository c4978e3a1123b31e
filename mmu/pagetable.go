package mmu

// Four-level page-table walk: PML4 -> PDPT -> PD -> PT, 9 bits per
// level, 12-bit page offset, covering the low 48 bits of guest virtual
// address space.

func pml4Index(v uint64) int { return int((v >> 39) & 0x1ff) }
func pdptIndex(v uint64) int { return int((v >> 30) & 0x1ff) }
func pdIndex(v uint64) int   { return int((v >> 21) & 0x1ff) }
func ptIndex(v uint64) int   { return int((v >> 12) & 0x1ff) }

// RootFrame is the frame number of the PML4 table. It is allocated
// lazily on first use.
type RootFrame struct {
	frame uint64
	valid bool
}

func (a *Arena) root(rf *RootFrame) (uint64, error) {
	if rf.valid {
		return rf.frame, nil
	}
	f, err := a.allocFrame()
	if err != nil {
		return 0, err
	}
	rf.frame = f
	rf.valid = true
	return f, nil
}

// walk descends the page tables for v, creating missing intermediate
// levels (PML4/PDPT/PD) when create is true. It returns the frame
// number of the leaf PT and the index of v's PTE within it.
func (a *Arena) walk(rf *RootFrame, v uint64, create bool) (ptFrame uint64, idx int, err error) {
	cur, err := a.root(rf)
	if err != nil {
		return 0, 0, err
	}

	for _, idxFn := range []func(uint64) int{pml4Index, pdptIndex, pdIndex} {
		i := idxFn(v)
		pte := a.entry(cur, i)
		if pte&PTEPresent == 0 {
			if !create {
				return 0, 0, ErrFault
			}
			nf, err := a.allocFrame()
			if err != nil {
				return 0, 0, err
			}
			a.setEntry(cur, i, makePTE(nf, PTEPresent|PTEWritable|PTEUser))
			cur = nf
			continue
		}
		cur = frameOf(pte)
	}
	return cur, ptIndex(v), nil
}

// lookupPTE returns the PTE for v, or 0 if any level is absent.
func (a *Arena) lookupPTE(rf *RootFrame, v uint64) uint64 {
	if !rf.valid {
		return 0
	}
	cur := rf.frame
	for _, idxFn := range []func(uint64) int{pml4Index, pdptIndex, pdIndex} {
		pte := a.entry(cur, idxFn(v))
		if pte&PTEPresent == 0 {
			return 0
		}
		cur = frameOf(pte)
	}
	return a.entry(cur, ptIndex(v))
}
