package syscalls

import (
	"github.com/blinkvm/blink/machine"
	"github.com/blinkvm/blink/mmu"
	"golang.org/x/sys/unix"
)

func (t *Table) registerMemory() {
	t.register(sysMmap, sysMmap_)
	t.register(sysMprotect, sysMprotect_)
	t.register(sysMunmap, sysMunmap_)
	t.register(sysBrk, sysBrk_)
	t.register(sysMadvise, sysMadvise_)
	t.register(sysMsync, sysMsync_)
}

// sysMmap_ implements the anonymous/file-backed subset of mmap(2) that
// a static or dynamically-linked ELF's startup code and malloc
// implementation actually need: MAP_ANONYMOUS (zero-filled pages) and
// MAP_FIXED placement; a real file-backed mapping is read eagerly into
// the reserved guest range rather than kept as a live host mmap, since
// Blink's guest address space is itself a separate host allocation
// (the arena), not the host's own virtual memory.
func sysMmap_(t *Table, m *machine.Machine, a Args) (int64, error) {
	const (
		mapFixed  = 0x10
		mapAnon   = 0x20
		mapStack  = 0x20000
		pageMask  = mmu.PageSize - 1
	)
	length := (a.A1 + pageMask) &^ pageMask
	if length == 0 {
		return 0, unix.EINVAL
	}
	prot := protOf(a.A2)
	prot.Read = true // a fresh mapping is always at least readable by Blink's own copy-in/out helpers

	var addr uint64
	fixed := a.A3&mapFixed != 0
	if fixed && a.A0 != 0 {
		addr = a.A0
	} else {
		addr = m.Sys.Arena.FindUnmapped(0x7f0000000000-length, length)
		if addr == 0 {
			addr = m.Sys.Arena.FindUnmapped(0x400000000, length)
		}
	}

	if err := m.Sys.Arena.Reserve(addr, length, prot, fixed); err != nil {
		return 0, unix.ENOMEM
	}

	if a.A3&mapAnon == 0 {
		e, err := fd(m, int(int32(a.A4)))
		if err == nil {
			buf := make([]byte, length)
			n, _ := unix.Pread(e.Host, buf, int64(a.A5))
			if n > 0 {
				m.Sys.Arena.CopyToGuest(addr, buf[:n])
			}
		}
	}
	return int64(addr), nil
}

func sysMprotect_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if err := m.Sys.Arena.Protect(a.A0, a.A1, protOf(a.A2)); err != nil {
		return 0, unix.ENOMEM
	}
	return 0, nil
}

func sysMunmap_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if err := m.Sys.Arena.Free(a.A0, a.A1); err != nil {
		return 0, unix.EINVAL
	}
	return 0, nil
}

func sysBrk_(t *Table, m *machine.Machine, a Args) (int64, error) {
	if a.A0 == 0 {
		return int64(m.Sys.Arena.Brk()), nil
	}
	newBrk, err := m.Sys.Arena.SetBrkTo(a.A0)
	if err != nil {
		return int64(m.Sys.Arena.Brk()), nil
	}
	return int64(newBrk), nil
}

func sysMsync_(t *Table, m *machine.Machine, a Args) (int64, error) {
	// Guest "file-backed" mappings were read eagerly into the arena by
	// sysMmap_, so there is no live host mapping to flush; validate the
	// range is mapped and succeed.
	if a.A1 > 0 && m.Sys.Arena.Lookup(a.A0) == nil {
		return 0, unix.ENOMEM
	}
	return 0, nil
}

func sysMadvise_(t *Table, m *machine.Machine, a Args) (int64, error) {
	// Advisory only; Blink's arena is a single host allocation with no
	// separate host-kernel-visible mapping to advise (outside linear
	// mode's mirror, where MADV_DONTNEED has no safe translation onto
	// the SMC bookkeeping), so this is a guest-observable no-op.
	return 0, nil
}
