package fdtable

import "testing"

type fakeOps struct {
	closed bool
}

func (f *fakeOps) Read(buf []byte) (int, error)  { return 0, nil }
func (f *fakeOps) Write(buf []byte) (int, error) { return len(buf), nil }
func (f *fakeOps) Ioctl(req uint64, arg uintptr) (uintptr, error) { return 0, nil }
func (f *fakeOps) Poll(events int16) (int16, error)               { return 0, nil }
func (f *fakeOps) TCGetAttr() (Termios, error)                    { return Termios{}, nil }
func (f *fakeOps) TCSetAttr(t Termios) error                       { return nil }
func (f *fakeOps) WinSize() (WinSize, error)                       { return WinSize{}, nil }
func (f *fakeOps) Close() error                                     { f.closed = true; return nil }

func TestInstallLowestFree(t *testing.T) {
	tbl := New()
	a := tbl.Install(&Entry{Ops: &fakeOps{}})
	b := tbl.Install(&Entry{Ops: &fakeOps{}})
	if a != 0 || b != 1 {
		t.Fatalf("got fds %d,%d want 0,1", a, b)
	}
	if err := tbl.Close(a); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c := tbl.Install(&Entry{Ops: &fakeOps{}})
	if c != 0 {
		t.Fatalf("expected reused fd 0, got %d", c)
	}
}

func TestGetBadFD(t *testing.T) {
	tbl := New()
	if _, err := tbl.Get(3); err != ErrBadFD {
		t.Fatalf("err = %v, want ErrBadFD", err)
	}
}

func TestInstallAtClosesOccupant(t *testing.T) {
	tbl := New()
	old := &fakeOps{}
	tbl.InstallAt(5, &Entry{Ops: old})
	if err := tbl.InstallAt(5, &Entry{Ops: &fakeOps{}}); err != nil {
		t.Fatalf("InstallAt: %v", err)
	}
	if !old.closed {
		t.Fatalf("expected prior occupant closed")
	}
}

func TestDupSharesEntry(t *testing.T) {
	tbl := New()
	fd := tbl.Install(&Entry{Path: "/tmp/x", Ops: &fakeOps{}})
	dup, err := tbl.Dup(fd, 10)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if dup < 10 {
		t.Fatalf("Dup returned %d, want >= 10", dup)
	}
	e1, _ := tbl.Get(fd)
	e2, _ := tbl.Get(dup)
	if e1.Path != e2.Path {
		t.Fatalf("dup entry diverged: %q vs %q", e1.Path, e2.Path)
	}
}

func TestCloseOnExec(t *testing.T) {
	tbl := New()
	keep := tbl.Install(&Entry{Ops: &fakeOps{}})
	coe := tbl.Install(&Entry{Ops: &fakeOps{}, CloseOnExec: true})
	tbl.CloseOnExec()
	if _, err := tbl.Get(keep); err != nil {
		t.Fatalf("expected keep fd to survive CloseOnExec")
	}
	if _, err := tbl.Get(coe); err != ErrBadFD {
		t.Fatalf("expected close-on-exec fd closed")
	}
}
