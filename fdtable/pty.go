package fdtable

import (
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// PtyFD is the fd implementation used for the guest's controlling
// terminal. It wraps HostFD and adds raw/cooked mode switching via
// golang.org/x/term, so TCSetAttr's ICANON/ECHO bit changes actually
// take effect on the host tty the debug console shares.
type PtyFD struct {
	HostFD
	state *term.State
}

// NewPtyFD wraps an already-open tty fd.
func NewPtyFD(fd int) *PtyFD {
	return &PtyFD{HostFD: HostFD{FD: fd}}
}

// TCSetAttr applies t to the host tty and flips between raw and cooked
// mode depending on whether ICANON is requested, matching what a guest
// shell expects from its controlling terminal.
func (p *PtyFD) TCSetAttr(t Termios) error {
	const icanon = 0x2 // ICANON, Linux termios lflag bit
	wantCanonical := t.Lflag&icanon != 0

	if !wantCanonical {
		if p.state == nil {
			st, err := term.MakeRaw(p.FD)
			if err != nil {
				return err
			}
			p.state = st
		}
	} else if p.state != nil {
		if err := term.Restore(p.FD, p.state); err != nil {
			return err
		}
		p.state = nil
	}
	return p.HostFD.TCSetAttr(t)
}

// WinSize reports the host tty's current dimensions, falling back to
// HostFD's ioctl-based implementation if term.GetSize fails.
func (p *PtyFD) WinSize() (WinSize, error) {
	w, h, err := term.GetSize(p.FD)
	if err != nil {
		return p.HostFD.WinSize()
	}
	return WinSize{Row: uint16(h), Col: uint16(w)}, nil
}

// Close restores cooked mode before closing, so a debug console exit
// never leaves the host shell in raw mode.
func (p *PtyFD) Close() error {
	if p.state != nil {
		_ = term.Restore(p.FD, p.state)
		p.state = nil
	}
	return unix.Close(p.FD)
}
