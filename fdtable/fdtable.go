// Package fdtable maps guest file descriptors onto host resources
// through a small capability vtable, the way the teacher's device
// package maps channel addresses onto I/O devices (spec.md §4.9).
package fdtable

import (
	"fmt"
	"sync"
)

// FDOps is the capability vtable every guest fd entry implements.
// Plain host files get a pass-through implementation; ptys get a
// golang.org/x/term-backed one.
type FDOps interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Ioctl(req uint64, arg uintptr) (uintptr, error)
	Poll(events int16) (int16, error)
	TCGetAttr() (Termios, error)
	TCSetAttr(t Termios) error
	WinSize() (WinSize, error)
	Close() error
}

// Termios is the subset of struct termios Blink's tcgetattr/tcsetattr
// syscalls round-trip; syscalls/abi marshals this to/from the guest
// struct layout.
type Termios struct {
	Iflag, Oflag, Cflag, Lflag uint32
	Cc                         [19]byte
	Ispeed, Ospeed             uint32
}

// WinSize mirrors struct winsize.
type WinSize struct {
	Row, Col, Xpixel, Ypixel uint16
}

// Entry is one open guest file descriptor.
type Entry struct {
	Host        int
	Ops         FDOps
	Flags       int
	CloseOnExec bool
	Path        string
}

// Table is a mutex-guarded, growable guest-fd table. Guest fd numbers
// are table indices; a nil slot means "closed".
type Table struct {
	mu      sync.Mutex
	entries []*Entry
}

// ErrBadFD is returned for an out-of-range or closed guest fd.
var ErrBadFD = fmt.Errorf("fdtable: bad file descriptor")

// New returns an empty table.
func New() *Table { return &Table{} }

// Install assigns the lowest unused guest fd >= 0 to e and returns it,
// the same "lowest available" allocation rule Linux's fd table uses.
func (t *Table) Install(e *Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.entries {
		if slot == nil {
			t.entries[i] = e
			return i
		}
	}
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

// InstallAt installs e at exactly fd, growing the table and closing
// any prior occupant, the semantics dup2/dup3 need.
func (t *Table) InstallAt(fd int, e *Entry) error {
	if fd < 0 {
		return ErrBadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.entries) <= fd {
		t.entries = append(t.entries, nil)
	}
	if old := t.entries[fd]; old != nil && old.Ops != nil {
		_ = old.Ops.Close()
	}
	t.entries[fd] = e
	return nil
}

// Get returns the entry for fd, or ErrBadFD if it is unused.
func (t *Table) Get(fd int) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.entries) || t.entries[fd] == nil {
		return nil, ErrBadFD
	}
	return t.entries[fd], nil
}

// Close closes and clears fd.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.entries) || t.entries[fd] == nil {
		return ErrBadFD
	}
	e := t.entries[fd]
	t.entries[fd] = nil
	if e.Ops != nil {
		return e.Ops.Close()
	}
	return nil
}

// Dup duplicates fd onto the lowest unused guest fd >= atLeast. The new
// slot holds its own copy of the source Entry, so both refer to the same
// host fd (and share its seek offset, which lives in the host fd, not in
// Entry), while later changes to one Entry's fields leave the other alone.
func (t *Table) Dup(fd, atLeast int) (int, error) {
	t.mu.Lock()
	e := t.entries
	t.mu.Unlock()
	if fd < 0 || fd >= len(e) || e[fd] == nil {
		return -1, ErrBadFD
	}
	src := e[fd]
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := atLeast; ; i++ {
		for len(t.entries) <= i {
			t.entries = append(t.entries, nil)
		}
		if t.entries[i] == nil {
			dup := *src
			t.entries[i] = &dup
			return i, nil
		}
	}
}

// Clone returns an independent Table whose entries point at the same
// underlying host fds and Ops (a real Unix fork() shares the open-file
// description, not just the fd number, between parent and child) but
// whose slice of *Entry is its own, so close()/dup() in the child never
// mutates the parent's table.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Table{entries: make([]*Entry, len(t.entries))}
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		dup := *e
		c.entries[i] = &dup
	}
	return c
}

// CloseOnExec closes every fd marked close-on-exec; called by execve.
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e != nil && e.CloseOnExec {
			if e.Ops != nil {
				_ = e.Ops.Close()
			}
			t.entries[i] = nil
		}
	}
}
